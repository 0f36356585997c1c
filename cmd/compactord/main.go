// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/grafana/mimir/blob/main/cmd/mimir/main.go

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/thanos-io/objstore"
	"github.com/thanos-io/objstore/providers/filesystem"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"gopkg.in/yaml.v3"

	"github.com/influxdata/compactor-core/pkg/compactor"
)

func main() {
	var cfg compactor.CoordinatorConfig

	app := kingpin.New("compactord", "Tiered time-series compaction coordinator.")
	app.HelpFlag.Short('h')

	fs := flag.NewFlagSet("compactord", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	fromFlagSet(app, fs)

	dataDir := app.Flag("storage.filesystem.dir", "Local directory backing the object store (development/testing).").Default("./data").String()
	configFile := app.Flag("config.file", "YAML file overriding the flag defaults above.").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error parsing flags:", err)
		os.Exit(1)
	}

	logger := newLogger()

	if *configFile != "" {
		if err := loadConfigFile(*configFile, &cfg); err != nil {
			level.Error(logger).Log("msg", "failed to load config file", "file", *configFile, "err", err)
			os.Exit(1)
		}
	}

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()

	store, err := filesystem.NewBucket(*dataDir)
	if err != nil {
		level.Error(logger).Log("msg", "failed to open object store", "err", err)
		os.Exit(1)
	}

	if err := run(logger, cfg, store, reg); err != nil {
		level.Error(logger).Log("msg", "compactord exited with error", "err", err)
		os.Exit(1)
	}
}

// run wires the Coordinator's collaborators and blocks until it stops.
// Discovering hosts, resolving table definitions, and choosing an
// InputReader/Executor implementation are deployment-specific decisions
// left to the operator embedding this binary (spec.md §9); noOpSource and
// noOpDispatcher below are placeholders that keep compactord runnable with
// zero hosts configured.
func run(logger log.Logger, cfg compactor.CoordinatorConfig, store objstore.Bucket, reg prometheus.Registerer) error {
	tracker := compactor.NewSnapshotTracker(nil, reg)
	registry := compactor.NewRegistry(reg)

	coord := compactor.NewCoordinator(cfg, tracker, registry, noOpSource{}, noOpDispatcher{}, store, logger, reg)

	if err := services.StartAndAwaitRunning(context.Background(), coord); err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	level.Info(logger).Log("msg", "shutting down")
	return services.StopAndAwaitTerminated(context.Background(), coord)
}

// noOpSource and noOpDispatcher satisfy the Coordinator's collaborator
// interfaces for a host-less deployment (e.g. configuration validation or
// smoke-testing the binary). Real deployments supply a SnapshotSource that
// watches the hosts' persisted-snapshot feed and a PlanDispatcher that
// knows each table's schema and input layout.
type noOpSource struct{}

func (noOpSource) PollSnapshots(context.Context) ([]compactor.PersistedSnapshot, error) {
	return nil, nil
}

type noOpDispatcher struct{}

func (noOpDispatcher) ResolveCompaction(context.Context, string, string, compactor.NextCompactionPlan) (compactor.CompactArgs, error) {
	return compactor.CompactArgs{}, fmt.Errorf("no plan dispatcher configured")
}

// fromFlagSet copies a standard library FlagSet's registrations onto a
// kingpin application so CoordinatorConfig can keep using flag.FlagSet
// (matching the teacher's Config.RegisterFlags contract) while the binary's
// own entrypoint flags use kingpin, the pack's CLI library of choice.
func fromFlagSet(app *kingpin.Application, fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		app.Flag(f.Name, f.Usage).Default(f.DefValue).SetValue(f.Value)
	})
}

// loadConfigFile unmarshals YAML over cfg's current (flag-default) values,
// matching the teacher's config.file overlay: flags set the defaults, the
// file overrides whatever fields it names and leaves the rest untouched.
func loadConfigFile(path string, cfg *compactor.CoordinatorConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, level.AllowInfo())
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger
}
