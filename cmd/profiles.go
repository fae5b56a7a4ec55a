package cmd

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/olivpeter/compressorPro/pkg/media"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List resize profiles and output formats",
	RunE: func(cmd *cobra.Command, args []string) error {
		codecs := media.NewCodecs(cfg.MediaOptions())
		return printProfiles(cmd.OutOrStdout(), codecs.Available())
	},
}

func init() {
	rootCmd.AddCommand(profilesCmd)
}

func printProfiles(w io.Writer, available []string) error {
	profiles := newTable(w, "Profile", "Box")
	for _, p := range media.Profiles() {
		box := "unchanged"
		if !p.IsNone() {
			box = fmt.Sprintf("%dx%d", p.MaxWidth, p.MaxHeight)
		}
		if err := profiles.Append([]string{p.ID, box}); err != nil {
			return err
		}
	}
	if err := profiles.Render(); err != nil {
		return err
	}
	fmt.Fprintln(w)

	formats := newTable(w, "Format", "Status")
	for _, f := range media.TargetFormats() {
		status := "available"
		switch {
		case f == media.FormatOriginal:
			status = "same as source"
		case !slices.Contains(available, media.KeyFor(f, "")):
			status = "unavailable"
		}
		if err := formats.Append([]string{string(f), status}); err != nil {
			return err
		}
	}
	return formats.Render()
}
