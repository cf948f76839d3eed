package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"

	"github.com/maruel/speedtin/internal/benchimport"
	"github.com/maruel/speedtin/internal/config"
	"github.com/maruel/speedtin/internal/git"
	"github.com/maruel/speedtin/internal/localcache"
	"github.com/maruel/speedtin/internal/models"
	"github.com/maruel/speedtin/internal/remote"
	"github.com/maruel/speedtin/internal/syncsvc"
	"github.com/maruel/speedtin/internal/sysmutex"
)

// newService wires the cache and the API client from the configuration.
func (a *app) newService(needAuth bool) (*syncsvc.Service, error) {
	check := a.cfg.Validate
	if needAuth {
		check = a.cfg.RequireAuth
	}
	if err := check(); err != nil {
		return nil, err
	}
	cache, err := localcache.New(a.cfg.ProjectDir(), &localcache.Options{
		Lock: sysmutex.Options{Attempts: a.cfg.LockAttempts, Interval: a.cfg.LockInterval},
	})
	if err != nil {
		return nil, err
	}
	api := remote.New(a.cfg.BaseURL, a.cfg.ProjectID, a.cfg.AuthorizationKey, &remote.Options{
		Doer:              remote.NewHTTPClient(a.cfg.Timeout),
		RequestsPerSecond: a.cfg.RequestsPerSecond,
	})
	return syncsvc.New(cache, api), nil
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("speedtin "+name, flag.ContinueOnError)
	c := commands[name]
	fs.Usage = func() {
		_, _ = fmt.Fprintf(fs.Output(), "usage: speedtin %s %s\n\n%s.\n", name, c.usage, c.help)
		fs.PrintDefaults()
	}
	return fs
}

func cmdAddBenchmark(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("add-benchmark")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("add-benchmark: at least one name is required")
	}
	svc, err := a.newService(false)
	if err != nil {
		return err
	}
	for _, name := range fs.Args() {
		if err := svc.AddBenchmark(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// measurementFlags are the measurement attributes shared by add-measurement
// and import.
type measurementFlags struct {
	version    string
	released   bool
	branch     string
	os         string
	commitID   string
	commitDate string
	machine    string
	tag1       string
	tag2       string
	gitPath    string
}

func (m *measurementFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&m.version, "version", "dev", "Version of the code under test")
	fs.BoolVar(&m.released, "released", false, "Mark the version as released")
	fs.StringVar(&m.branch, "branch", "", "Branch name")
	fs.StringVar(&m.os, "os", "", "Operating system (default the current one)")
	fs.StringVar(&m.commitID, "commit-id", "", "Commit hash")
	fs.StringVar(&m.commitDate, "commit-date", "", "Commit date, as \"2006-01-02 15:04:05.000000\" or RFC 3339")
	fs.StringVar(&m.machine, "machine", "", "Machine name (default the host name)")
	fs.StringVar(&m.tag1, "tag1", "", "Free form tag")
	fs.StringVar(&m.tag2, "tag2", "", "Free form tag")
	fs.StringVar(&m.gitPath, "git", "", "Fill branch, commit id and commit date from the git checkout at this path")
}

// template returns the measurement attributes. Explicit flags win over the
// values read from git.
func (m *measurementFlags) template(ctx context.Context, backend git.Backend) (models.Measurement, error) {
	out := models.NewMeasurement(0)
	out.Version = m.version
	out.Released = m.released
	if m.gitPath != "" {
		repo, err := git.Open(ctx, m.gitPath, backend)
		if err != nil {
			return out, err
		}
		info, err := repo.Head(ctx)
		if err != nil {
			return out, err
		}
		out.Branch = info.Branch
		out.CommitID = info.ID
		out.CommitDate = models.Time{Time: info.Date}
	}
	if m.branch != "" {
		out.Branch = m.branch
	}
	if m.os != "" {
		out.OS = m.os
	}
	if m.commitID != "" {
		out.CommitID = m.commitID
	}
	if m.commitDate != "" {
		t, err := parseCommitDate(m.commitDate)
		if err != nil {
			return out, err
		}
		out.CommitDate = models.Time{Time: t}
	}
	out.MachineName = m.machine
	if out.MachineName == "" {
		out.MachineName, _ = os.Hostname()
	}
	out.Tag1 = m.tag1
	out.Tag2 = m.tag2
	return out, nil
}

func parseCommitDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return models.ParseTime(s)
}

func cmdAddMeasurement(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("add-measurement")
	name := fs.String("benchmark", "", "Benchmark name")
	id := fs.Int64("benchmark-id", 0, "Benchmark id on the server")
	value := fs.String("value", "", "Measured value")
	clearPrevious := fs.Bool("clear-previous", false, "Delete measurements left over by a previous run")
	mf := &measurementFlags{}
	mf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("add-measurement: unknown arguments: %v", fs.Args())
	}
	var ref models.BenchmarkRef
	switch {
	case *name != "" && *id != 0:
		return errors.New("add-measurement: use only one of -benchmark and -benchmark-id")
	case *name != "":
		ref = models.ByName(*name)
	case *id > 0:
		ref = models.ByID(*id)
	default:
		return errors.New("add-measurement: -benchmark or -benchmark-id is required")
	}
	if *value == "" {
		return errors.New("add-measurement: -value is required")
	}
	v, err := strconv.ParseFloat(*value, 64)
	if err != nil {
		return fmt.Errorf("add-measurement: invalid -value: %w", err)
	}
	m, err := mf.template(ctx, a.gitBackend)
	if err != nil {
		return err
	}
	m.Value = v
	svc, err := a.newService(false)
	if err != nil {
		return err
	}
	if err := svc.CheckPending(ctx, *clearPrevious); err != nil {
		return err
	}
	return svc.AddMeasurement(ctx, ref, m)
}

func cmdImport(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("import")
	unit := fs.String("unit", benchimport.DefaultUnit, "Unit of the imported values")
	clearPrevious := fs.Bool("clear-previous", false, "Delete measurements left over by a previous run")
	mf := &measurementFlags{}
	mf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		files = []string{"-"}
	}
	tmpl, err := mf.template(ctx, a.gitBackend)
	if err != nil {
		return err
	}
	svc, err := a.newService(false)
	if err != nil {
		return err
	}
	if err := svc.CheckPending(ctx, *clearPrevious); err != nil {
		return err
	}
	total := 0
	for _, f := range files {
		n, err := importFile(ctx, svc, a.stdin, f, *unit, tmpl)
		total += n
		if err != nil {
			return err
		}
	}
	_, _ = fmt.Fprintf(a.stdout, "Buffered %d measurements\n", total)
	return nil
}

func importFile(ctx context.Context, svc *syncsvc.Service, stdin io.Reader, path, unit string, tmpl models.Measurement) (int, error) {
	var r io.Reader
	name := path
	if path == "-" {
		r = stdin
		name = "<stdin>"
	} else {
		f, err := os.Open(path)
		if err != nil {
			return 0, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	entries, err := benchimport.Read(r, name, &benchimport.Options{Unit: unit})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if utf8.RuneCountInString(e.Name) > models.MaxBenchmarkNameLen {
			slog.WarnContext(ctx, "Skipping benchmark with a name too long", "name", e.Name, "file", name)
			continue
		}
		if err := svc.AddBenchmark(ctx, e.Name); err != nil {
			return n, err
		}
		m := tmpl
		m.Value = e.Value
		if err := svc.AddMeasurement(ctx, models.ByName(e.Name), m); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func cmdCommit(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("commit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("commit: unknown arguments: %v", fs.Args())
	}
	svc, err := a.newService(true)
	if err != nil {
		return err
	}
	res, err := svc.Commit(ctx)
	if res != nil {
		for _, b := range res.Benchmarks {
			_, _ = fmt.Fprintf(a.stdout, "Saved benchmark: %s\n", b)
		}
		_, _ = fmt.Fprintf(a.stdout, "Committed %d measurements", res.Measurements)
		if res.Pending != 0 {
			_, _ = fmt.Fprintf(a.stdout, ", %d pending", res.Pending)
		}
		_, _ = fmt.Fprintln(a.stdout)
	}
	return err
}

func cmdPending(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("pending")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("pending: unknown arguments: %v", fs.Args())
	}
	svc, err := a.newService(false)
	if err != nil {
		return err
	}
	pending, err := svc.Pending(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		_, _ = fmt.Fprintf(a.stdout, "%s\n", p)
	}
	return nil
}

func cmdClear(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet("clear")
	if err := fs.Parse(args); err != nil {
		return err
	}
	bucket := syncsvc.BucketMeasurement
	switch fs.NArg() {
	case 0:
	case 1:
		bucket = fs.Arg(0)
	default:
		return fmt.Errorf("clear: unknown arguments: %v", fs.Args()[1:])
	}
	svc, err := a.newService(false)
	if err != nil {
		return err
	}
	return svc.Clear(ctx, bucket)
}

func cmdConfigInit(_ context.Context, a *app, args []string) error {
	fs := newFlagSet("config-init")
	out := fs.String("o", "", "Output file (default -config or "+config.DefaultPath()+")")
	force := fs.Bool("f", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("config-init: unknown arguments: %v", fs.Args())
	}
	path := *out
	if path == "" {
		path = a.configPath
	}
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !*force {
		return fmt.Errorf("%s already exists; use -f to overwrite", path)
	}
	if err := a.cfg.Save(path); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.stdout, "Wrote %s\n", path)
	return nil
}

func cmdConfigSchema(_ context.Context, a *app, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("config-schema: unknown arguments: %v", args)
	}
	data, err := json.MarshalIndent(config.Schema(), "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.stdout, "%s\n", data)
	return err
}
