package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/olivpeter/compressorPro/pkg/acquire"
	"github.com/olivpeter/compressorPro/pkg/archive"
	"github.com/olivpeter/compressorPro/pkg/media"
)

var errQuit = errors.New("quit")

var shellCmd = &cobra.Command{
	Use:   "shell [paths...]",
	Short: "Start an interactive compression session",
	Long: `Start an interactive session. Files and folders given as arguments are
loaded first. Type "help" inside the session for the list of commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.close(ctx); err != nil {
				logger.Warn("shutdown incomplete", "error", err)
			}
		}()

		if err := a.serveMetrics(); err != nil {
			return err
		}

		s := newSession(a, cmd.OutOrStdout())
		defer s.stopWatch()

		ctx := cmd.Context()
		if len(args) > 0 {
			if err := s.add(ctx, args); err != nil {
				printError(s.out, err)
			}
		}
		return s.run(ctx, cmd.InOrStdin())
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
}

type command struct {
	usage string
	help  string
	run   func(s *session, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"add":      {"add <path>...", "load image files or folders", (*session).cmdAdd},
		"watch":    {"watch <dir>|stop", "load images dropped into a folder", (*session).cmdWatch},
		"quality":  {"quality <0.01-1|1-100%>", "set the encoding quality", (*session).cmdQuality},
		"resize":   {"resize <profile>", "set the resize profile", (*session).cmdResize},
		"format":   {"format <format>", "set the target format", (*session).cmdFormat},
		"status":   {"status", "show the current settings", (*session).cmdStatus},
		"list":     {"list", "list images and their versions", (*session).cmdList},
		"save":     {"save <n> <format> [dir]", "write one version to disk", (*session).cmdSave},
		"zip":      {"zip [file]", "bundle every version into a zip", (*session).cmdZip},
		"clear":    {"clear", "remove every image", (*session).cmdClear},
		"wait":     {"wait", "apply pending settings and wait for processing", (*session).cmdWait},
		"profiles": {"profiles", "list resize profiles and formats", (*session).cmdProfiles},
		"help":     {"help", "show this help", (*session).cmdHelp},
		"quit":     {"quit", "end the session", (*session).cmdQuit},
	}
	commands["exit"] = commands["quit"]
}

type session struct {
	app     *app
	out     io.Writer
	watcher *acquire.Watcher
}

func newSession(a *app, out io.Writer) *session {
	return &session{app: a, out: out}
}

func (s *session) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(s.out, `compressor shell, type "help" for commands`)

	for {
		fmt.Fprint(s.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		c, ok := commands[strings.ToLower(fields[0])]
		if !ok {
			fmt.Fprintf(s.out, "unknown command %q, try \"help\"\n", fields[0])
			continue
		}

		err := c.run(s, ctx, fields[1:])
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			printError(s.out, err)
		}
	}
}

func (s *session) add(ctx context.Context, paths []string) error {
	sources, loadErr := s.app.loader.LoadPaths(paths)
	if len(sources) > 0 {
		ids, err := s.app.rec.Acquire(ctx, sources)
		if err != nil {
			return err
		}
		printSuccess(s.out, "added %d image(s)", len(ids))
	} else if loadErr == nil {
		printInfo(s.out, "no images found")
	}
	return loadErr
}

func (s *session) cmdAdd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s", commands["add"].usage)
	}
	return s.add(ctx, args)
}

func (s *session) cmdWatch(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["watch"].usage)
	}
	if args[0] == "stop" {
		if s.watcher == nil {
			return errors.New("not watching")
		}
		s.stopWatch()
		printInfo(s.out, "stopped watching")
		return nil
	}
	if s.watcher != nil {
		return errors.New(`already watching, use "watch stop" first`)
	}

	w, err := acquire.NewWatcher(args[0], s.app.cfg.Acquire.WatchSettle, s.app.loader, s.app.logger)
	if err != nil {
		return err
	}
	s.watcher = w

	go func() {
		for src := range w.Sources() {
			if _, err := s.app.rec.Acquire(ctx, []media.Source{src}); err != nil {
				s.app.logger.Warn("failed to add dropped file", "name", src.Name, "error", err)
				continue
			}
			s.app.logger.Info("added dropped file", "name", src.Name)
		}
	}()

	printInfo(s.out, "watching %s", args[0])
	return nil
}

func (s *session) stopWatch() {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.Close(); err != nil {
		s.app.logger.Warn("failed to stop watcher", "error", err)
	}
	s.watcher = nil
}

func (s *session) cmdQuality(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["quality"].usage)
	}
	q, err := parseQuality(args[0])
	if err != nil {
		return err
	}
	return s.app.rec.SetQuality(q)
}

// parseQuality accepts a fraction ("0.75") or a percentage ("75" or "75%").
func parseQuality(arg string) (float64, error) {
	raw := strings.TrimSuffix(arg, "%")
	q, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid quality %q", arg)
	}
	if raw != arg || q > 1 {
		q /= 100
	}
	return q, nil
}

func (s *session) cmdResize(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["resize"].usage)
	}
	return s.app.rec.SetResizeProfile(args[0])
}

func (s *session) cmdFormat(_ context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s", commands["format"].usage)
	}
	return s.app.rec.SetTargetFormat(args[0])
}

func (s *session) cmdStatus(_ context.Context, _ []string) error {
	st := s.app.rec.Settings()
	fmt.Fprintf(s.out, "quality %d%%, resize %s, format %s\n",
		int(st.Quality*100+0.5), st.Resize.Label, st.TargetFormat)
	fmt.Fprintf(s.out, "images %d, processing %t, pending change %t\n",
		s.app.lib.Len(), s.app.rec.Processing(), s.app.rec.Pending())
	if s.app.memory != nil {
		hits, misses, size := s.app.memory.Stats()
		fmt.Fprintf(s.out, "cache %d entries, %d hits, %d misses\n", size, hits, misses)
	}
	return nil
}

func (s *session) cmdList(_ context.Context, _ []string) error {
	views := s.app.lib.Views()
	if len(views) == 0 {
		printInfo(s.out, "no images")
		return nil
	}

	table := newTable(s.out)
	for i, v := range views {
		rows := [][]string{{strconv.Itoa(i + 1), v.Filename, humanize.IBytes(uint64(v.OriginalSize)), "", ""}}
		if len(v.Versions) == 0 {
			rows = append(rows, []string{"", "  (no versions)", "", "", ""})
		}
		for _, key := range v.Keys() {
			ver := v.Versions[key]
			rows = append(rows, []string{
				"",
				"  " + key,
				humanize.IBytes(uint64(ver.Size)),
				fmt.Sprintf("%dx%d", ver.Width, ver.Height),
				savings(ver.SavedBytes, ver.SavedPercent),
			})
		}
		if err := table.Bulk(rows); err != nil {
			return err
		}
	}
	return table.Render()
}

func savings(bytes int64, pct float64) string {
	if bytes < 0 {
		return fmt.Sprintf("+%s (%.0f%% larger)", humanize.IBytes(uint64(-bytes)), -pct)
	}
	return fmt.Sprintf("-%s (%.0f%% saved)", humanize.IBytes(uint64(bytes)), pct)
}

func (s *session) cmdSave(_ context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: %s", commands["save"].usage)
	}

	views := s.app.lib.Views()
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 || n > len(views) {
		return fmt.Errorf("no image %q", args[0])
	}
	view := views[n-1]

	key := args[1]
	if f, err := media.ParseTargetFormat(key); err == nil {
		key = media.KeyFor(f, view.MIME)
	}
	vv, ok := view.Versions[key]
	if !ok {
		return fmt.Errorf("%s has no %s version", view.Filename, key)
	}
	v, err := s.app.lib.Resolve(vv.Handle)
	if err != nil {
		return err
	}

	dir := "."
	if len(args) == 3 {
		dir = args[2]
	}
	path := filepath.Join(dir, v.Filename)
	if err := os.WriteFile(path, v.Data, 0o644); err != nil {
		return err
	}
	printSuccess(s.out, "wrote %s (%s)", path, humanize.IBytes(uint64(v.Size)))
	return nil
}

func (s *session) cmdZip(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("usage: %s", commands["zip"].usage)
	}
	path := s.app.cfg.Archive.Name
	if len(args) == 1 {
		path = args[0]
	}

	if err := s.app.rec.Settle(ctx); err != nil {
		return err
	}

	entries := archive.Build(s.app.lib)
	if len(entries) == 0 {
		return errors.New("nothing to bundle")
	}
	if err := archive.WriteFile(path, entries); err != nil {
		return err
	}
	printSuccess(s.out, "wrote %s with %d file(s)", path, len(entries))
	return nil
}

func (s *session) cmdClear(_ context.Context, _ []string) error {
	s.app.rec.Clear()
	if s.app.memory != nil {
		s.app.memory.Clear()
	}
	printSuccess(s.out, "cleared")
	return nil
}

func (s *session) cmdWait(ctx context.Context, _ []string) error {
	if err := s.app.rec.Settle(ctx); err != nil {
		return err
	}
	printSuccess(s.out, "done")
	return nil
}

func (s *session) cmdProfiles(_ context.Context, _ []string) error {
	return printProfiles(s.out, s.app.codecs.Available())
}

func (s *session) cmdHelp(_ context.Context, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		if name != "exit" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	table := newTable(s.out)
	for _, name := range names {
		if err := table.Append([]string{commands[name].usage, commands[name].help}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (s *session) cmdQuit(_ context.Context, _ []string) error {
	return errQuit
}
