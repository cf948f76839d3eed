// Package main is the speedtin command line client.
//
// speedtin buffers benchmarks and measurements in a local per-project
// directory and commits them to a SpeedTin dashboard. Configuration is read
// from ~/.speedtin/config.yaml and SPEEDTIN_* environment variables; see
// "speedtin help".
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/maruel/speedtin/internal/config"
	"github.com/maruel/speedtin/internal/git"
	"github.com/maruel/speedtin/internal/metrics"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "speedtin: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// app carries what every subcommand needs.
type app struct {
	cfg        *config.Config
	configPath string
	gitBackend git.Backend
	stdin      io.Reader
	stdout     io.Writer
}

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, a *app, args []string) error
}

var commands map[string]*command

func init() {
	commands = map[string]*command{
		"add-benchmark":   {"NAME...", "Buffer the creation of benchmarks", cmdAddBenchmark},
		"add-measurement": {"(-benchmark NAME | -benchmark-id ID) -value V [flags]", "Buffer a measurement", cmdAddMeasurement},
		"import":          {"[flags] FILE...", "Buffer the results of 'go test -bench' output; - reads stdin", cmdImport},
		"commit":          {"", "Send the buffered benchmarks and measurements", cmdCommit},
		"pending":         {"", "Print the buffered measurements", cmdPending},
		"clear":           {"[BUCKET]", "Delete a bucket, 'measurement' by default", cmdClear},
		"watch":           {"[-debounce D]", "Commit whenever new data is buffered", cmdWatch},
		"config-init":     {"[-o PATH] [-f]", "Write the effective configuration to a file", cmdConfigInit},
		"config-schema":   {"", "Print the JSON schema of the configuration file", cmdConfigSchema},
		"version":         {"", "Print version and exit", cmdVersion},
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (err error) {
	fs := flag.NewFlagSet("speedtin", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logLevel := fs.String("log-level", "info", "Log level (debug, info, warn, error)")
	configPath := fs.String("config", "", "Configuration file (default $"+config.ConfigPathEnvVar+" or ~/.speedtin/"+config.DefaultFileName+")")
	metricsFile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this file on exit")
	gitBackend := fs.String("git-backend", "exec", "Git implementation used by -git flags (exec, gogit)")
	fs.Usage = func() {
		_, _ = fmt.Fprintf(stderr, "usage: speedtin [flags] <command> [args]\n\nCommands:\n")
		for _, name := range commandOrder() {
			c := commands[name]
			_, _ = fmt.Fprintf(stderr, "  %-16s %s\n", name, c.help)
		}
		_, _ = fmt.Fprintf(stderr, "\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	ll := &slog.LevelVar{}
	switch *logLevel {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return fmt.Errorf("unknown log level: %q", *logLevel)
	}
	noColor := true
	if f, ok := stderr.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		stderr = colorable.NewColorable(f)
	}
	slog.SetDefault(slog.New(tint.NewHandler(stderr, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    noColor,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			val := a.Value.Any()
			skip := false
			switch t := val.(type) {
			case string:
				skip = t == ""
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	})))

	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	name := fs.Arg(0)
	if name == "help" {
		fs.Usage()
		return nil
	}
	c, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q; see speedtin help", name)
	}
	backend, err := git.ParseBackend(*gitBackend)
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *metricsFile != "" {
		defer func() {
			if merr := metrics.WriteTextfile(*metricsFile); merr != nil {
				err = errors.Join(err, merr)
			}
		}()
	}
	a := &app{cfg: cfg, configPath: *configPath, gitBackend: backend, stdin: stdin, stdout: stdout}
	if err := c.run(ctx, a, fs.Args()[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		return err
	}
	return nil
}

func commandOrder() []string {
	return []string{"add-benchmark", "add-measurement", "import", "commit", "pending", "clear", "watch", "config-init", "config-schema", "version"}
}

func cmdVersion(_ context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("unknown arguments: %v", args)
	}
	version, goVersion, revision, dirty := getBuildInfo()
	_, _ = fmt.Fprintf(a.stdout, "speedtin %s\n", version)
	_, _ = fmt.Fprintf(a.stdout, "  Go version: %s\n", goVersion)
	_, _ = fmt.Fprintf(a.stdout, "  Revision:   %s\n", revision)
	if dirty {
		_, _ = fmt.Fprintf(a.stdout, "  Modified:   true\n")
	}
	return nil
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
