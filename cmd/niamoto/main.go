// Command niamoto drives the import/transform/export pipeline from a single
// declarative configuration document (spec.md §6), following the flag.FlagSet
// + ff.Parse + SWCAT_-prefixed-env-var shape of cmd/swcat/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/niamoto/niamoto-core/internal/config"
	"github.com/niamoto/niamoto-core/internal/importer"
	"github.com/niamoto/niamoto-core/internal/nlog"
	"github.com/niamoto/niamoto-core/internal/orchestrator"
	"github.com/niamoto/niamoto-core/internal/plugins"
	"github.com/niamoto/niamoto-core/internal/registry"
	"github.com/niamoto/niamoto-core/internal/store"
	"github.com/peterbourgon/ff/v3"
	"gopkg.in/yaml.v3"
)

// Version is set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

// Options are the flags/env vars shared by every subcommand.
type Options struct {
	ProjectHome string
	ConfigFile  string
	PluginsFile string
	StorePath   string
	OutDir      string
}

func defaultOptions() Options {
	home := os.Getenv("PROJECT_HOME")
	if home == "" {
		home = "."
	}
	return Options{
		ProjectHome: home,
		ConfigFile:  filepath.Join(home, "config.yml"),
		PluginsFile: filepath.Join(home, "plugins.yml"),
		StorePath:   envOr("STORE_PATH", filepath.Join(home, "niamoto.db")),
		OutDir:      filepath.Join(home, "out"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func bindCommonFlags(fs *flag.FlagSet, opts *Options) {
	fs.StringVar(&opts.ConfigFile, "config", opts.ConfigFile, "Path to the pipeline configuration YAML")
	fs.StringVar(&opts.PluginsFile, "plugins", opts.PluginsFile, "Path to the plugin manifest YAML")
	fs.StringVar(&opts.StorePath, "store", opts.StorePath, "Path to the analytical store database file")
	fs.StringVar(&opts.OutDir, "out-dir", opts.OutDir, "Directory exports are written under")
}

func parseArgs(fs *flag.FlagSet, args []string) error {
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("NIAMOTO")); err != nil {
		return fmt.Errorf("flag error: %w", err)
	}
	if len(fs.Args()) > 0 {
		return fmt.Errorf("unexpected positional arguments: %v", fs.Args())
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "init":
		err = runInit(os.Args[2:])
	case "import":
		err = runImport(os.Args[2:])
	case "transform":
		err = runTransform(os.Args[2:])
	case "export":
		err = runExport(os.Args[2:])
	case "run":
		err = runAll(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "niamoto: unknown subcommand %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("niamoto %s: %v", os.Args[1], err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `niamoto (%s) - ecological data pipeline engine

Usage:
  niamoto init       [flags]   scaffold a new project under PROJECT_HOME
  niamoto import     [flags]   run the import engine (datasets + references)
  niamoto transform  [flags]   run configured transform sections
  niamoto export     [flags]   run configured export targets
  niamoto run        [flags]   import, transform, and export in sequence
  niamoto stats       <path>    print a saved run log

Flags (all also settable as NIAMOTO_<FLAG> env vars, or PROJECT_HOME/LOG_LEVEL/STORE_PATH):
  -config PATH     pipeline configuration YAML (default: $PROJECT_HOME/config.yml)
  -plugins PATH    plugin manifest YAML (default: $PROJECT_HOME/plugins.yml)
  -store PATH      analytical store database file (default: $PROJECT_HOME/niamoto.db, or $STORE_PATH)
  -out-dir PATH    export output directory (default: $PROJECT_HOME/out)
`, Version)
}

// runInit scaffolds an empty project: an empty config.yml/plugins.yml pair
// and the project directory itself, so `niamoto import` has something to
// read on a first run.
func runInit(args []string) error {
	opts := defaultOptions()
	fs := flag.NewFlagSet("niamoto init", flag.ContinueOnError)
	bindCommonFlags(fs, &opts)
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	if err := os.MkdirAll(opts.ProjectHome, 0o755); err != nil {
		return fmt.Errorf("failed to create project directory %q: %w", opts.ProjectHome, err)
	}

	if _, err := os.Stat(opts.ConfigFile); errors.Is(err, os.ErrNotExist) {
		empty := &config.Document{Version: "1"}
		data, err := config.Marshal(empty)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.ConfigFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %q: %w", opts.ConfigFile, err)
		}
	}
	if _, err := os.Stat(opts.PluginsFile); errors.Is(err, os.ErrNotExist) {
		empty := plugins.Manifest{Plugins: map[string]*plugins.Definition{}}
		data, err := yaml.Marshal(&empty)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.PluginsFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %q: %w", opts.PluginsFile, err)
		}
	}

	log.Printf("Initialized project at %s (config=%s, plugins=%s, store=%s)",
		opts.ProjectHome, opts.ConfigFile, opts.PluginsFile, opts.StorePath)
	return nil
}

func loadConfig(opts Options) (*config.Document, error) {
	doc, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func loadPlugins(opts Options) (*plugins.Registry, error) {
	data, err := os.ReadFile(opts.PluginsFile)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Plugins manifest %s not found. Transform/export plugins will not be available.", opts.PluginsFile)
		return plugins.NewRegistry(&plugins.Manifest{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugins manifest %q: %w", opts.PluginsFile, err)
	}
	var manifest plugins.Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid plugins manifest YAML in %q: %w", opts.PluginsFile, err)
	}
	return plugins.NewRegistry(&manifest)
}

func openStoreAndRegistry(ctx context.Context, opts Options) (*store.Store, *registry.Registry, error) {
	s, err := store.Open(opts.StorePath)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.Open(ctx, s)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, reg, nil
}

func newRunID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func runImport(args []string) error {
	opts := defaultOptions()
	fs := flag.NewFlagSet("niamoto import", flag.ContinueOnError)
	bindCommonFlags(fs, &opts)
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	ctx := context.Background()
	doc, err := loadConfig(opts)
	if err != nil {
		return err
	}
	s, reg, err := openStoreAndRegistry(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	pluginsReg, err := loadPlugins(opts)
	if err != nil {
		return err
	}
	if err := pluginsReg.ValidateReferences(doc); err != nil {
		return fmt.Errorf("invalid plugin reference: %w", err)
	}

	runID := newRunID()
	logger := nlog.FromEnv(runID)
	eng := importer.New(s, reg, doc, logger)
	eng.Plugins = pluginsReg
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Infof("Import complete")
	return nil
}

func runTransform(args []string) error {
	opts := defaultOptions()
	fs := flag.NewFlagSet("niamoto transform", flag.ContinueOnError)
	bindCommonFlags(fs, &opts)
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	return withOrchestrator(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		return o.TransformAll(ctx)
	})
}

func runExport(args []string) error {
	opts := defaultOptions()
	fs := flag.NewFlagSet("niamoto export", flag.ContinueOnError)
	bindCommonFlags(fs, &opts)
	if err := parseArgs(fs, args); err != nil {
		return err
	}
	return withOrchestrator(opts, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		return o.ExportAll(ctx)
	})
}

func withOrchestrator(opts Options, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	ctx := context.Background()
	doc, err := loadConfig(opts)
	if err != nil {
		return err
	}
	s, reg, err := openStoreAndRegistry(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	pluginsReg, err := loadPlugins(opts)
	if err != nil {
		return err
	}
	if err := pluginsReg.ValidateReferences(doc); err != nil {
		return fmt.Errorf("invalid plugin reference: %w", err)
	}

	runID := newRunID()
	logger := nlog.FromEnv(runID)
	o := orchestrator.New(s, reg, pluginsReg, doc, logger, opts.OutDir)

	startedAt := time.Now().UTC()
	runErr := fn(ctx, o)

	runLog := o.BuildRunLog(runID, startedAt)
	logPath := filepath.Join(opts.ProjectHome, "run-"+runID+".json")
	if err := orchestrator.WriteRunLog(logPath, runLog); err != nil {
		logger.Warnf("Failed to write run log to %s: %v", logPath, err)
	} else {
		logger.Infof("Wrote run log to %s", logPath)
	}
	return runErr
}

func runAll(args []string) error {
	opts := defaultOptions()
	fs := flag.NewFlagSet("niamoto run", flag.ContinueOnError)
	bindCommonFlags(fs, &opts)
	if err := parseArgs(fs, args); err != nil {
		return err
	}

	ctx := context.Background()
	doc, err := loadConfig(opts)
	if err != nil {
		return err
	}
	s, reg, err := openStoreAndRegistry(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	pluginsReg, err := loadPlugins(opts)
	if err != nil {
		return err
	}
	if err := pluginsReg.ValidateReferences(doc); err != nil {
		return fmt.Errorf("invalid plugin reference: %w", err)
	}

	runID := newRunID()
	logger := nlog.FromEnv(runID)

	eng := importer.New(s, reg, doc, logger)
	eng.Plugins = pluginsReg
	if err := eng.Run(ctx); err != nil {
		return err
	}
	logger.Infof("Import complete")

	o := orchestrator.New(s, reg, pluginsReg, doc, logger, opts.OutDir)

	startedAt := time.Now().UTC()
	runErr := o.Run(ctx)

	runLog := o.BuildRunLog(runID, startedAt)
	logPath := filepath.Join(opts.ProjectHome, "run-"+runID+".json")
	if err := orchestrator.WriteRunLog(logPath, runLog); err != nil {
		logger.Warnf("Failed to write run log to %s: %v", logPath, err)
	} else {
		logger.Infof("Wrote run log to %s", logPath)
	}
	if runErr != nil {
		return runErr
	}
	if runLog.TransformErr > 0 || runLog.ExportErr > 0 {
		return fmt.Errorf("run completed with %d transform error(s) and %d export error(s); see %s",
			runLog.TransformErr, runLog.ExportErr, logPath)
	}
	return nil
}

func runStats(args []string) error {
	fs := flag.NewFlagSet("niamoto stats", flag.ContinueOnError)
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("NIAMOTO")); err != nil {
		return fmt.Errorf("flag error: %w", err)
	}
	if len(fs.Args()) != 1 {
		return fmt.Errorf("usage: niamoto stats <run-log-path>")
	}
	runLog, err := orchestrator.ReadRunLog(fs.Args()[0])
	if err != nil {
		return err
	}
	fmt.Printf("run %s: started %s, finished %s\n", runLog.RunID, runLog.StartedAt, runLog.FinishedAt)
	fmt.Printf("  transform errors: %d\n", runLog.TransformErr)
	fmt.Printf("  export errors:    %d\n", runLog.ExportErr)
	for _, e := range runLog.Errors {
		fmt.Printf("  - %s\n", e)
	}
	return nil
}
