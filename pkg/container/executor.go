package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

const defaultGrace = 30 * time.Second

// Executor launches execution units against a Runtime. Image pulls for the
// same reference are collapsed into one call and the number of concurrent
// create/start calls is bounded.
type Executor struct {
	rt     Runtime
	log    logrus.FieldLogger
	grace  time.Duration
	tokens chan struct{}
	pulls  singleflight.Group
}

// NewExecutor creates an Executor. launchLimit < 1 means one launch at a time.
func NewExecutor(rt Runtime, launchLimit int, grace time.Duration, log logrus.FieldLogger) *Executor {
	if launchLimit < 1 {
		launchLimit = 1
	}
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Executor{
		rt:     rt,
		log:    logger.Or(log),
		grace:  grace,
		tokens: make(chan struct{}, launchLimit),
	}
}

// Runtime returns the underlying runtime
func (e *Executor) Runtime() Runtime {
	return e.rt
}

// EnsureImage pulls ref unless it is already present
func (e *Executor) EnsureImage(ctx context.Context, ref string) error {
	ch := e.pulls.DoChan(ref, func() (interface{}, error) {
		ok, err := e.rt.ImageExists(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ok {
			return nil, nil
		}
		e.log.WithField("image", ref).Info("pulling image")
		return nil, e.rt.PullImage(ctx, ref)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return engine.LaunchError("pull "+ref, res.Err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) acquire(ctx context.Context) error {
	select {
	case e.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) releaseToken() {
	<-e.tokens
}

// launch creates and starts a unit. A unit that was created but failed to
// start is removed before returning.
func (e *Executor) launch(ctx context.Context, spec Spec) (string, error) {
	if err := e.EnsureImage(ctx, spec.Image); err != nil {
		return "", err
	}
	if err := e.acquire(ctx); err != nil {
		return "", err
	}
	defer e.releaseToken()

	spec.Labels = withScanLabel(spec.Labels)
	id, err := e.rt.Create(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", engine.LaunchError("create "+spec.Image, err)
	}
	if err := e.rt.Start(ctx, id); err != nil {
		e.remove(ctx, id)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", engine.LaunchError("start "+spec.Image, err)
	}
	e.log.WithFields(logrus.Fields{"image": spec.Image, "container": shortID(id)}).Debug("execution unit started")
	return id, nil
}

// Run executes spec to completion or until timeout, returning its output.
// The unit is removed on every path. A timeout yields a result with
// TimedOut set rather than an error. Cancellation of ctx returns ctx.Err().
func (e *Executor) Run(ctx context.Context, spec Spec, timeout time.Duration) (*engine.RawResult, error) {
	res := &engine.RawResult{StartedAt: time.Now()}

	id, err := e.launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	defer e.remove(ctx, id)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, waitErr := e.rt.Wait(waitCtx, id)
	switch {
	case waitErr == nil:
		res.ExitCode = code
	case ctx.Err() != nil:
		e.kill(ctx, id)
		return nil, ctx.Err()
	case errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		e.log.WithFields(logrus.Fields{"image": spec.Image, "container": shortID(id), "timeout": timeout}).Warn("execution unit timed out")
		e.kill(ctx, id)
		res.TimedOut = true
		res.ExitCode = -1
	default:
		e.kill(ctx, id)
		return nil, fmt.Errorf("wait for %s: %w", spec.Image, waitErr)
	}

	res.Stdout, res.Stderr = e.collect(ctx, id)
	res.FinishedAt = time.Now()
	return res, nil
}

// Start launches a long-lived unit. The caller must Close it.
func (e *Executor) Start(ctx context.Context, spec Spec) (*Unit, error) {
	id, err := e.launch(ctx, spec)
	if err != nil {
		return nil, err
	}
	return &Unit{ID: id, exec: e, ctx: ctx}, nil
}

// collect reads logs after the unit stopped. Errors yield partial output.
func (e *Executor) collect(parent context.Context, id string) ([]byte, []byte) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.grace)
	defer cancel()
	stdout, stderr, err := e.rt.Logs(ctx, id)
	if err != nil {
		e.log.WithError(err).WithField("container", shortID(id)).Warn("failed to read logs")
	}
	return stdout, stderr
}

func (e *Executor) kill(parent context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.grace)
	defer cancel()
	if err := e.rt.Kill(ctx, id); err != nil {
		e.log.WithError(err).WithField("container", shortID(id)).Warn("failed to kill execution unit")
	}
}

// remove runs detached from cancellation so teardown survives an aborted run
func (e *Executor) remove(parent context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.grace)
	defer cancel()
	if err := e.rt.Remove(ctx, id); err != nil {
		e.log.WithError(err).WithField("container", shortID(id)).Error("failed to remove execution unit")
		return
	}
	e.log.WithField("container", shortID(id)).Debug("execution unit removed")
}

// Unit is a running long-lived execution unit
type Unit struct {
	ID string

	exec *Executor
	ctx  context.Context
	once sync.Once
}

// Logs returns the unit's output so far
func (u *Unit) Logs() ([]byte, []byte) {
	return u.exec.collect(u.ctx, u.ID)
}

// Close kills and removes the unit. Safe to call more than once.
func (u *Unit) Close() {
	u.once.Do(func() {
		u.exec.kill(u.ctx, u.ID)
		u.exec.remove(u.ctx, u.ID)
	})
}

// Cleanup removes every unit carrying the scan label, then prunes unused
// networks and volumes. It returns the number of units removed.
func Cleanup(ctx context.Context, rt Runtime, log logrus.FieldLogger) (int, error) {
	log = logger.Or(log)
	units, err := rt.List(ctx, map[string]string{LabelScan: "true"}, true)
	if err != nil {
		return 0, fmt.Errorf("list execution units: %w", err)
	}
	removed := 0
	var errs []error
	for _, u := range units {
		if err := rt.Remove(ctx, u.ID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", shortID(u.ID), err))
			continue
		}
		removed++
		log.WithFields(logrus.Fields{"container": shortID(u.ID), "image": u.Image}).Info("removed leftover execution unit")
	}
	if err := rt.Prune(ctx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

func withScanLabel(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[LabelScan] = "true"
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
