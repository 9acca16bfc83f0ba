// Package orchestrator plans scan jobs from discovered targets, runs them
// with bounded concurrency and retries, and persists one report per job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/discovery"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
	"github.com/user/gosec-scan/pkg/wrappers"
)

// Normalizer turns raw tool output into findings
type Normalizer interface {
	Normalize(raw *engine.RawResult, kind engine.ToolKind, targetID string) []engine.Finding
}

// ReportStore persists reports
type ReportStore interface {
	Save(rep *engine.Report) error
}

// Options tune a run
type Options struct {
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
	// Timeout overrides every tool's own timeout when set
	Timeout time.Duration
	// OnFinish is called once per job after its report is saved
	OnFinish func(job *engine.ScanJob)
}

// OptionsFromConfig maps the scan section of the configuration
func OptionsFromConfig(sc config.ScanConfig) Options {
	return Options{
		Concurrency: sc.Concurrency,
		MaxAttempts: sc.MaxAttempts,
		RetryDelay:  sc.RetryDelay,
	}
}

// Orchestrator drives scan jobs through their lifecycle
type Orchestrator struct {
	registry   *wrappers.Registry
	normalizer Normalizer
	store      ReportStore
	opts       Options
	log        logrus.FieldLogger

	hostMu    sync.Mutex
	hostLocks map[string]chan struct{}
}

func New(registry *wrappers.Registry, n Normalizer, store ReportStore, opts Options, log logrus.FieldLogger) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	return &Orchestrator{
		registry:   registry,
		normalizer: n,
		store:      store,
		opts:       opts,
		log:        logger.Or(log),
		hostLocks:  make(map[string]chan struct{}),
	}
}

// Run discovers targets on hosts and scans them. A discovery failure aborts
// the run before any job is created.
func (o *Orchestrator) Run(ctx context.Context, d *discovery.Discoverer, hosts []discovery.Host, kinds []engine.ToolKind, tolerate bool) ([]*engine.ScanJob, *engine.RunSummary) {
	summary := engine.NewRunSummary()
	targets, failures, err := d.DiscoverAll(ctx, hosts, tolerate)
	if err != nil {
		o.log.WithError(err).Error("discovery failed, aborting run")
		summary.AddDiscoveryError(err, true)
		return []*engine.ScanJob{}, summary
	}
	for _, f := range failures {
		o.log.WithError(f).Warn("host skipped")
		summary.AddDiscoveryError(f, false)
	}
	o.log.WithField("targets", len(targets)).Info("discovery complete")
	return o.execute(ctx, targets, kinds, summary), summary
}

// Execute runs every requested tool kind against targets. All returned jobs
// are terminal.
func (o *Orchestrator) Execute(ctx context.Context, targets []engine.Target, kinds []engine.ToolKind) ([]*engine.ScanJob, *engine.RunSummary) {
	summary := engine.NewRunSummary()
	return o.execute(ctx, targets, kinds, summary), summary
}

type plannedJob struct {
	job     *engine.ScanJob
	adapter wrappers.Adapter
	err     error
}

// Plan expands targets and kinds into jobs. Host-scoped tools get one job
// per distinct host address.
func (o *Orchestrator) Plan(targets []engine.Target, kinds []engine.ToolKind) []*engine.ScanJob {
	planned := o.plan(targets, kinds)
	jobs := make([]*engine.ScanJob, len(planned))
	for i, p := range planned {
		jobs[i] = p.job
	}
	return jobs
}

func (o *Orchestrator) plan(targets []engine.Target, kinds []engine.ToolKind) []plannedJob {
	var planned []plannedJob
	for _, kind := range kinds {
		adapter, err := o.registry.Get(kind)
		if err != nil || adapter.Scope() == wrappers.PerTarget {
			for _, t := range targets {
				planned = append(planned, plannedJob{job: engine.NewScanJob(t, kind), adapter: adapter, err: err})
			}
			continue
		}
		seen := make(map[string]struct{})
		for _, t := range targets {
			key := hostKey(t)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ht := engine.HostTarget(t.HostAddress)
			ht.Source = t.Source
			planned = append(planned, plannedJob{job: engine.NewScanJob(ht, kind), adapter: adapter})
		}
	}
	return planned
}

func (o *Orchestrator) execute(ctx context.Context, targets []engine.Target, kinds []engine.ToolKind, summary *engine.RunSummary) []*engine.ScanJob {
	planned := o.plan(targets, kinds)
	jobs := make([]*engine.ScanJob, len(planned))
	o.log.WithFields(logrus.Fields{"jobs": len(planned), "concurrency": o.opts.Concurrency}).Info("starting scan run")

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, p := range planned {
		jobs[i] = p.job
		p := p
		g.Go(func() error {
			o.runJob(ctx, p, summary)
			return nil
		})
	}
	_ = g.Wait()
	return jobs
}

func (o *Orchestrator) runJob(ctx context.Context, p plannedJob, summary *engine.RunSummary) {
	job := p.job
	log := o.log.WithFields(logrus.Fields{"job": job.ID, "tool": job.Kind, "target": job.Target.ID})
	_ = job.Start()

	var raw *engine.RawResult
	switch {
	case p.err != nil:
		o.finish(job, engine.StateFailed, p.err, log)
	case ctx.Err() != nil:
		o.finish(job, engine.StateFailed, ctx.Err(), log)
	default:
		raw = o.attempt(ctx, job, p.adapter, log)
	}

	var findings []engine.Finding
	if job.State == engine.StateSucceeded && raw != nil {
		findings = o.normalizer.Normalize(raw, job.Kind, job.Target.ID)
	}

	rep := engine.NewReport(job, raw, findings)
	var saveErr error
	if err := o.store.Save(rep); err != nil {
		log.WithError(err).Error("failed to save report")
		saveErr = err
	}
	summary.RecordJob(job, len(findings), saveErr)
	if o.opts.OnFinish != nil {
		o.opts.OnFinish(job)
	}
}

// attempt runs the adapter until it produces a result, fails permanently,
// or runs out of attempts. It always leaves job terminal.
func (o *Orchestrator) attempt(ctx context.Context, job *engine.ScanJob, adapter wrappers.Adapter, log logrus.FieldLogger) *engine.RawResult {
	if adapter.Exclusive() {
		release, err := o.lockHost(ctx, hostKey(job.Target))
		if err != nil {
			o.finish(job, engine.StateFailed, err, log)
			return nil
		}
		defer release()
	}

	for {
		raw, err := adapter.Run(ctx, job.Target, o.opts.Timeout)
		switch {
		case err == nil && raw != nil && raw.TimedOut:
			o.finish(job, engine.StateTimedOut, engine.ErrToolTimeout, log)
			return raw
		case err == nil:
			o.finish(job, engine.StateSucceeded, nil, log)
			return raw
		case ctx.Err() != nil:
			o.finish(job, engine.StateFailed, ctx.Err(), log)
			return nil
		case engine.IsRetryable(err) && job.Attempts < o.opts.MaxAttempts:
			log.WithError(err).WithField("attempt", job.Attempts).Warn("launch failed, retrying")
			if werr := sleep(ctx, o.opts.RetryDelay); werr != nil {
				o.finish(job, engine.StateFailed, errors.Join(err, werr), log)
				return nil
			}
			_ = job.Retry()
		default:
			o.finish(job, engine.StateFailed, err, log)
			return nil
		}
	}
}

func (o *Orchestrator) finish(job *engine.ScanJob, state engine.JobState, err error, log logrus.FieldLogger) {
	if ferr := job.Finish(state, err); ferr != nil {
		log.WithError(ferr).Error("job state transition rejected")
		return
	}
	entry := log.WithFields(logrus.Fields{"state": state, "attempts": job.Attempts, "duration": job.Duration().Round(time.Millisecond)})
	if err != nil {
		entry.WithError(err).Warn("job finished")
		return
	}
	entry.Info("job finished")
}

// hostKey identifies the machine a target runs on. One inventory host can
// publish ports on several addresses, so its name wins over the address.
func hostKey(t engine.Target) string {
	if t.Source != "" {
		return t.Source
	}
	return t.HostAddress
}

// lockHost serializes exclusive tools on one host
func (o *Orchestrator) lockHost(ctx context.Context, host string) (func(), error) {
	o.hostMu.Lock()
	ch, ok := o.hostLocks[host]
	if !ok {
		ch = make(chan struct{}, 1)
		o.hostLocks[host] = ch
	}
	o.hostMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for exclusive access to %s: %w", host, ctx.Err())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
