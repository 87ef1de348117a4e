// Package commands defines the timestd command line interface.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli"

	"github.com/banshee-data/hf-timestd/internal/clockoffset"
	"github.com/banshee-data/hf-timestd/internal/config"
	"github.com/banshee-data/hf-timestd/internal/consensus"
	"github.com/banshee-data/hf-timestd/internal/db"
	"github.com/banshee-data/hf-timestd/internal/fsutil"
	"github.com/banshee-data/hf-timestd/internal/monitoring"
	"github.com/banshee-data/hf-timestd/internal/network"
	"github.com/banshee-data/hf-timestd/internal/pipeline"
	"github.com/banshee-data/hf-timestd/internal/timeutil"
)

var allCommands []cli.Command

// ConfigFlag selects the configuration file.
var ConfigFlag = cli.StringFlag{
	Name:   "config, c",
	Usage:  "load configuration from `FILE`",
	Value:  "hf-timestd.yaml",
	EnvVar: "TIMESTD_CONFIG",
}

// stdout is where commands print their results.
var stdout io.Writer = os.Stdout

// Commands provides all of the defined commands to the front end.
func Commands() []cli.Command {
	return allCommands
}

func bootstrapCommands(commands ...cli.Command) {
	allCommands = append(allCommands, commands...)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.NewExitError(err.Error(), 2)
	}
	if err := monitoring.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, cli.NewExitError(fmt.Sprintf("log configuration: %v", err), 2)
	}
	return cfg, nil
}

func openDB(cfg *config.Config) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	return db.NewDB(cfg.Database.Path)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// system is the assembled receive, estimate and combine stack shared by
// run and replay.
type system struct {
	cfg       *config.Config
	db        *db.DB
	registry  *clockoffset.Registry
	gatherer  *prometheus.Registry
	metrics   *monitoring.Metrics
	publisher *consensus.Publisher
	runner    *consensus.Runner
	orch      *pipeline.Orchestrator
}

type systemOptions struct {
	// combiner overrides the combiner settings from the configuration.
	combiner *consensus.Config
	factory  network.UDPSocketFactory
	fs       fsutil.FileSystem
	clock    timeutil.Clock
}

func buildSystem(cfg *config.Config, opts systemOptions) (*system, error) {
	store, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &system{
		cfg:      cfg,
		db:       store,
		registry: clockoffset.NewRegistry(),
		gatherer: prometheus.NewRegistry(),
	}
	s.metrics = monitoring.NewMetrics(s.gatherer)

	combinerCfg := cfg.CombinerConfig()
	if opts.combiner != nil {
		combinerCfg = *opts.combiner
	}
	comb, err := consensus.NewCombiner(combinerCfg, s.registry, opts.clock)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.publisher = consensus.NewPublisher(opts.fs, cfg.Consensus.SnapshotPath)
	s.runner = consensus.NewRunner(comb, s.publisher)
	s.runner.History = store
	s.runner.Metrics = s.metrics
	s.runner.Interval = cfg.Consensus.Interval
	if opts.clock != nil {
		s.runner.Clock = opts.clock
	}

	s.orch, err = pipeline.New(pipeline.Options{
		Config:    cfg,
		Metrics:   s.metrics,
		Recorders: []clockoffset.Recorder{s.registry, store.MeasurementStore()},
		Segments:  store,
		Runner:    s.runner,
		Factory:   opts.factory,
		FS:        opts.fs,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

func (s *system) Close() error {
	return s.db.Close()
}
