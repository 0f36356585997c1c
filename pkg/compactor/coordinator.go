// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/grafana/mimir/blob/main/pkg/compactor/compactor.go
// Provenance-includes-location: https://github.com/grafana/mimir/blob/main/pkg/compactor/bucket_compactor.go

package compactor

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/concurrency"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SnapshotSource feeds newly persisted host snapshots to the Coordinator
// between rounds. A round collects everything currently available without
// blocking; the source is polled, not pushed, matching the tracker's
// "absorb whatever has arrived since the last reset" semantics (spec.md
// §4.2).
type SnapshotSource interface {
	// PollSnapshots returns any host snapshots persisted since the last
	// call, draining them from the source.
	PollSnapshots(ctx context.Context) ([]PersistedSnapshot, error)
}

// PlanDispatcher resolves a CompactionPlan into the CompactArgs needed to
// run it. The coordinator owns the round loop; resolving table
// definitions, input paths, and reader/executor wiring per plan is left to
// the caller's domain knowledge (spec.md §9 "Executor abstraction").
type PlanDispatcher interface {
	ResolveCompaction(ctx context.Context, db, table string, plan NextCompactionPlan) (CompactArgs, error)
}

// Coordinator runs the round loop described in spec.md §4.6: collect host
// snapshots, decide whether to compact, plan, dispatch file-compactor jobs
// concurrently, and on total success durably commit the round before
// publishing registry state and advancing host markers. Any failure in a
// round discards that round's markers and plans entirely (spec.md §7
// "round-atomic").  Modeled directly on the teacher's MultitenantCompactor:
// services.NewBasicService lifecycle, a ticker-driven running loop, and
// concurrency.ForEachJob for bounded-parallel dispatch.
type Coordinator struct {
	services.Service

	cfg        CoordinatorConfig
	tracker    *SnapshotTracker
	registry   *Registry
	source     SnapshotSource
	dispatcher PlanDispatcher
	store      ObjectStore
	logger     log.Logger

	metrics *coordinatorMetrics
}

type coordinatorMetrics struct {
	roundsStarted   prometheus.Counter
	roundsCompleted prometheus.Counter
	roundsFailed    prometheus.Counter
	roundsSkipped   prometheus.Counter
	lastSuccess     prometheus.Gauge
}

func newCoordinatorMetrics(reg prometheus.Registerer) *coordinatorMetrics {
	return &coordinatorMetrics{
		roundsStarted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_rounds_started_total",
			Help: "Total number of compaction rounds started.",
		}),
		roundsCompleted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_rounds_completed_total",
			Help: "Total number of compaction rounds that committed successfully.",
		}),
		roundsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_rounds_failed_total",
			Help: "Total number of compaction rounds that failed and were discarded.",
		}),
		roundsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "compactor_rounds_skipped_total",
			Help: "Total number of rounds skipped because ShouldCompact returned false.",
		}),
		lastSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "compactor_round_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successfully committed round.",
		}),
	}
}

// NewCoordinator builds a Coordinator and wires its services.Service
// lifecycle (starting is a no-op, running drives the round loop, stopping
// is a no-op: the coordinator holds no resources besides its collaborators).
func NewCoordinator(cfg CoordinatorConfig, tracker *SnapshotTracker, registry *Registry, source SnapshotSource, dispatcher PlanDispatcher, store ObjectStore, logger log.Logger, reg prometheus.Registerer) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		tracker:    tracker,
		registry:   registry,
		source:     source,
		dispatcher: dispatcher,
		store:      store,
		logger:     logger,
		metrics:    newCoordinatorMetrics(reg),
	}
	c.Service = services.NewBasicService(nil, c.running, nil)
	return c
}

func (c *Coordinator) running(ctx context.Context) error {
	c.runRound(ctx)

	ticker := time.NewTicker(c.cfg.RoundInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runRound(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// runRound collects available snapshots, absorbs them into the tracker,
// and runs a compaction round if ShouldCompact now holds. Errors are
// logged, not returned: one bad round must not stop the coordinator's
// service loop (matching the teacher's compactUsers, which logs and
// continues rather than propagating tenant-level failures up to running).
//
// ToPlanAndReset is called here, exactly once per round: it atomically
// swaps out the tracker's pending host counters and gen1 file map for
// fresh, empty state (tracker.go), so calling it a second time against the
// same tracker does not return the same plans — it plans against nothing.
// The retrying that follows (commitRoundWithRetries) therefore only
// retries dispatch and commit, never planning, so a retried attempt keeps
// operating on the same SnapshotAdvancePlan instead of silently losing the
// round's work to an already-drained tracker (spec.md §4.6 step 4, §7
// "the round is retried in full").
func (c *Coordinator) runRound(ctx context.Context) {
	snapshots, err := c.source.PollSnapshots(ctx)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to poll host snapshots", "err", err)
		return
	}

	for _, snap := range snapshots {
		if err := c.tracker.AddSnapshot(snap); err != nil {
			level.Warn(c.logger).Log("msg", "rejected host snapshot", "host", snap.HostId, "err", err)
		}
	}

	if !c.tracker.ShouldCompact() {
		c.metrics.roundsSkipped.Inc()
		return
	}

	c.metrics.roundsStarted.Inc()

	roundCtx, cancel := context.WithTimeout(ctx, c.cfg.RoundTimeout)
	defer cancel()

	advance, err := c.tracker.ToPlanAndReset(c.registry, c.cfg.GenerationConfig())
	if err != nil {
		c.metrics.roundsFailed.Inc()
		level.Error(c.logger).Log("msg", "failed to plan compaction round", "err", err)
		return
	}

	roundID := time.Now().UnixNano()

	if err := c.commitRoundWithRetries(roundCtx, advance, roundID); err != nil {
		c.metrics.roundsFailed.Inc()
		level.Error(c.logger).Log("msg", "compaction round failed", "round_id", roundID, "err", err)
		return
	}

	c.metrics.roundsCompleted.Inc()
	c.metrics.lastSuccess.SetToCurrentTime()
}

// commitRoundWithRetries retries dispatch-and-commit for one already-planned
// round on failure, matching the teacher's compactUserWithRetries /
// dskit/backoff usage. Planning happens once in runRound; every retry here
// redispatches the same advance rather than re-planning.
func (c *Coordinator) commitRoundWithRetries(ctx context.Context, advance SnapshotAdvancePlan, roundID int64) error {
	var lastErr error

	retries := backoff.New(ctx, backoff.Config{
		MinBackoff: c.cfg.RetryMinBackoff,
		MaxBackoff: c.cfg.RetryMaxBackoff,
		MaxRetries: c.cfg.CompactionRetries,
	})

	for retries.Ongoing() {
		lastErr = c.commitRound(ctx, advance, roundID)
		if lastErr == nil {
			return nil
		}

		level.Warn(c.logger).Log("msg", "round attempt failed, retrying", "round_id", roundID, "err", lastErr, "attempt", retries.NumRetries())
		retries.Wait()
	}

	return lastErr
}

// commitRound dispatches every NextCompactionPlan in advance concurrently,
// then, only once every plan in the round succeeds, durably writes the
// round's RoundSummary and publishes the registry/tracker state (spec.md
// §4.6, §7 "round-atomic"). A failing plan does not stop the other plans
// of the round, but any single plan failure voids the whole round: no
// summary is written and the first failed plan's CompactionError is
// returned, so nothing from a failed round is ever partially applied.
// LeftoverPlans require no dispatch but are still threaded into
// the summary so their ids are recorded (spec.md §4.6 step 2).
func (c *Coordinator) commitRound(ctx context.Context, advance SnapshotAdvancePlan, roundID int64) error {
	type dispatchResult struct {
		db      string
		summary Summary
	}

	var jobs []struct {
		db   string
		plan NextCompactionPlan
	}
	var leftovers []LeftoverPlan
	for db, plans := range advance.CompactionPlans {
		for _, p := range plans {
			switch plan := p.(type) {
			case NextCompactionPlan:
				jobs = append(jobs, struct {
					db   string
					plan NextCompactionPlan
				}{db: db, plan: plan})
			case LeftoverPlan:
				leftovers = append(leftovers, plan)
			}
		}
	}

	results := make([]dispatchResult, len(jobs))
	jobErrs := make([]error, len(jobs))

	err := concurrency.ForEachJob(ctx, len(jobs), c.cfg.DispatchConcurrency, func(ctx context.Context, idx int) error {
		job := jobs[idx]

		args, err := c.dispatcher.ResolveCompaction(ctx, job.db, job.plan.Table, job.plan)
		if err != nil {
			jobErrs[idx] = wrapCompactionError(job.db, job.plan.Table, errors.Wrapf(err, "resolve compaction for %s/%s", job.db, job.plan.Table))
			return nil
		}

		out, err := CompactFiles(ctx, args)
		if err != nil {
			jobErrs[idx] = err
			return nil
		}

		results[idx] = dispatchResult{
			db: job.db,
			summary: Summary{
				Db:               job.db,
				Table:            job.plan.Table,
				OutputGeneration: out.OutputGeneration,
				InputIds:         job.plan.InputIds,
				LeftoverIds:      job.plan.LeftoverIds,
				OutputPaths:      out.OutputPaths,
			},
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, jobErr := range jobErrs {
		if jobErr != nil {
			return jobErr
		}
	}

	summary := RoundSummary{RoundId: roundID, Leftovers: leftovers}
	for host, marker := range advance.HostSnapshotMarkers {
		marker.HostId = host
		summary.HostMarkers = append(summary.HostMarkers, marker)
	}
	for _, r := range results {
		summary.Plans = append(summary.Plans, r.summary)
	}

	if err := writeRoundSummary(ctx, c.store, c.cfg.Namespace, summary); err != nil {
		return err
	}

	for _, r := range results {
		c.registry.ApplySummary(r.summary)
	}

	return nil
}
