package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/container/containertest"
	"github.com/user/gosec-scan/pkg/discovery"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
	"github.com/user/gosec-scan/pkg/normalizer"
	"github.com/user/gosec-scan/pkg/orchestrator"
	"github.com/user/gosec-scan/pkg/portalloc"
	"github.com/user/gosec-scan/pkg/store"
	"github.com/user/gosec-scan/pkg/wrappers"
)

// fakeAdapter runs fn instead of a container
type fakeAdapter struct {
	kind      engine.ToolKind
	scope     wrappers.Scope
	exclusive bool
	fn        func(ctx context.Context, target engine.Target, call int) (*engine.RawResult, error)

	calls   atomic.Int32
	running atomic.Int32
	maxSeen atomic.Int32
}

func (f *fakeAdapter) Kind() engine.ToolKind { return f.kind }
func (f *fakeAdapter) Description() string   { return "fake" }
func (f *fakeAdapter) Scope() wrappers.Scope { return f.scope }
func (f *fakeAdapter) Exclusive() bool       { return f.exclusive }

func (f *fakeAdapter) Run(ctx context.Context, target engine.Target, _ time.Duration) (*engine.RawResult, error) {
	n := f.calls.Add(1)
	cur := f.running.Add(1)
	defer f.running.Add(-1)
	for {
		m := f.maxSeen.Load()
		if cur <= m || f.maxSeen.CompareAndSwap(m, cur) {
			break
		}
	}
	return f.fn(ctx, target, int(n))
}

func output(stdout string, code int) *engine.RawResult {
	return &engine.RawResult{ExitCode: code, Stdout: []byte(stdout), StartedAt: time.Now(), FinishedAt: time.Now()}
}

type failingStore struct{}

func (failingStore) Save(*engine.Report) error {
	return engine.ErrStoreWrite
}

func newOrchestrator(t *testing.T, opts orchestrator.Options, adapters ...wrappers.Adapter) (*orchestrator.Orchestrator, *store.Store) {
	t.Helper()
	reg := wrappers.NewEmptyRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	st, err := store.New(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	return orchestrator.New(reg, normalizer.New(logger.Discard()), st, opts, logger.Discard()), st
}

var web = engine.NewTarget("shop", "nginx:1.25", "127.0.0.1", 8080)

func TestZeroTargetsCreateNoJobs(t *testing.T) {
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 2})

	jobs, summary := o.Execute(context.Background(), nil, engine.AllToolKinds())
	assert.Empty(t, jobs)
	assert.Equal(t, map[engine.JobState]int{
		engine.StateSucceeded: 0,
		engine.StateFailed:    0,
		engine.StateTimedOut:  0,
	}, summary.Counts())
}

func TestLaunchFailureIsRetried(t *testing.T) {
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(_ context.Context, _ engine.Target, call int) (*engine.RawResult, error) {
		if call == 1 {
			return nil, engine.LaunchError("create", errors.New("daemon busy"))
		}
		return output("80/tcp open http nginx 1.25\n", 0), nil
	}}
	o, st := newOrchestrator(t, orchestrator.Options{Concurrency: 1, MaxAttempts: 3, RetryDelay: time.Millisecond}, nm)

	jobs, summary := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindNetworkMap})
	require.Len(t, jobs, 1)
	assert.Equal(t, engine.StateSucceeded, jobs[0].State)
	assert.Equal(t, 2, jobs[0].Attempts)
	assert.Equal(t, 1, summary.Counts()[engine.StateSucceeded])

	rep, err := st.Load(engine.KindNetworkMap, web.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateSucceeded, rep.Status)
	assert.Equal(t, 2, rep.Attempts)
	require.Len(t, rep.Findings, 1)
	assert.Equal(t, engine.KindNetworkMap, rep.Findings[0].ToolKind)
}

func TestAttemptsAreBounded(t *testing.T) {
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		return nil, engine.LaunchError("pull", errors.New("registry down"))
	}}
	o, _ := newOrchestrator(t, orchestrator.Options{MaxAttempts: 3}, nm)

	jobs, _ := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindNetworkMap})
	assert.Equal(t, engine.StateFailed, jobs[0].State)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.ErrorIs(t, jobs[0].Err, engine.ErrToolLaunch)
	assert.EqualValues(t, 3, nm.calls.Load())
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	tv := &fakeAdapter{kind: engine.KindVulnerability, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		return nil, errors.Join(engine.ErrToolLaunch, &engine.PermanentError{Reason: "no image"})
	}}
	o, _ := newOrchestrator(t, orchestrator.Options{MaxAttempts: 3}, tv)

	jobs, _ := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindVulnerability})
	assert.Equal(t, engine.StateFailed, jobs[0].State)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestNonZeroExitStillSucceeds(t *testing.T) {
	tv := &fakeAdapter{kind: engine.KindVulnerability, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		return output("Total: 4 (HIGH: 3, CRITICAL: 1)\nlibssl HIGH\nlibc HIGH\nzlib HIGH\nopenssl CRITICAL\n", 1), nil
	}}
	o, st := newOrchestrator(t, orchestrator.Options{MaxAttempts: 3}, tv)

	jobs, summary := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindVulnerability})
	assert.Equal(t, engine.StateSucceeded, jobs[0].State)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, 4, summary.Outcomes()[0].Findings)

	rep, err := st.Load(engine.KindVulnerability, web.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ExitCode)
	assert.Equal(t, 3, rep.Counts()[engine.SeverityHigh])
	assert.Equal(t, 1, rep.Counts()[engine.SeverityCritical])
}

func TestTimedOutResult(t *testing.T) {
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		r := output("80/tcp open http\n", -1)
		r.TimedOut = true
		return r, nil
	}}
	o, st := newOrchestrator(t, orchestrator.Options{MaxAttempts: 3}, nm)

	jobs, summary := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindNetworkMap})
	assert.Equal(t, engine.StateTimedOut, jobs[0].State)
	assert.ErrorIs(t, jobs[0].Err, engine.ErrToolTimeout)
	assert.Equal(t, 1, jobs[0].Attempts)
	assert.Equal(t, 1, summary.Counts()[engine.StateTimedOut])

	rep, err := st.Load(engine.KindNetworkMap, web.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StateTimedOut, rep.Status)
	assert.Empty(t, rep.Findings)
}

func TestTimeoutTearsDownExecutionUnit(t *testing.T) {
	// 1. a real adapter on the in-memory runtime with a hanging tool
	cfg := config.Default()
	cfg.ProfilesDir = ""
	rt := containertest.New()
	img := cfg.Tool(engine.KindNetworkMap).Image
	rt.AddImage(img)
	rt.Script(img, containertest.Behavior{Hang: true})
	exec := container.NewExecutor(rt, 2, time.Second, logger.Discard())
	reg, err := wrappers.NewRegistry(cfg, exec, portalloc.New(logger.Discard()), logger.Discard())
	require.NoError(t, err)
	st, err := store.New(t.TempDir(), logger.Discard())
	require.NoError(t, err)

	// 2. run with a short timeout
	o := orchestrator.New(reg, normalizer.New(logger.Discard()), st, orchestrator.Options{MaxAttempts: 2, Timeout: 50 * time.Millisecond}, logger.Discard())
	jobs, _ := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindNetworkMap})

	// 3. the job timed out and nothing is left running
	assert.Equal(t, engine.StateTimedOut, jobs[0].State)
	assert.Equal(t, 0, rt.Live())
}

func TestCancellationFailsEveryJob(t *testing.T) {
	started := make(chan struct{}, 8)
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(ctx context.Context, _ engine.Target, _ int) (*engine.RawResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 1, MaxAttempts: 3}, nm)

	targets := []engine.Target{web, engine.NewTarget("api", "api:2", "127.0.0.1", 8443), engine.NewTarget("docs", "docs:1", "127.0.0.1", 9080)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	jobs, summary := o.Execute(ctx, targets, []engine.ToolKind{engine.KindNetworkMap})

	require.Len(t, jobs, 3)
	for _, j := range jobs {
		assert.True(t, j.State.Terminal())
		assert.Equal(t, engine.StateFailed, j.State)
		assert.ErrorIs(t, j.Err, context.Canceled)
	}
	assert.Equal(t, 3, summary.Counts()[engine.StateFailed])
	assert.EqualValues(t, 1, nm.calls.Load())
}

func TestStoreFailureIsIsolated(t *testing.T) {
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		return output("80/tcp open http\n", 0), nil
	}}
	reg := wrappers.NewEmptyRegistry()
	reg.Register(nm)
	o := orchestrator.New(reg, normalizer.New(logger.Discard()), failingStore{}, orchestrator.Options{Concurrency: 2}, logger.Discard())

	targets := []engine.Target{web, engine.NewTarget("api", "api:2", "127.0.0.1", 8443)}
	jobs, summary := o.Execute(context.Background(), targets, []engine.ToolKind{engine.KindNetworkMap})

	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, engine.StateSucceeded, j.State)
	}
	for _, oc := range summary.Outcomes() {
		assert.ErrorIs(t, oc.Err, engine.ErrStoreWrite)
	}
}

func TestHostScopedToolsRunOncePerHost(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	bench := &fakeAdapter{kind: engine.KindComplianceBench, scope: wrappers.PerHost, exclusive: true,
		fn: func(_ context.Context, target engine.Target, _ int) (*engine.RawResult, error) {
			mu.Lock()
			seen = append(seen, target.ID)
			mu.Unlock()
			return output("[PASS] 1.1\n", 0), nil
		}}
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 4}, bench)

	a := engine.NewTarget("shop", "nginx", "10.0.0.1", 80)
	a.Source = "edge"
	b := engine.NewTarget("api", "api", "10.0.0.1", 443)
	b.Source = "edge"
	targets := []engine.Target{a, b, engine.NewTarget("docs", "docs", "10.0.0.2", 80)}
	jobs, _ := o.Execute(context.Background(), targets, []engine.ToolKind{engine.KindComplianceBench})

	require.Len(t, jobs, 2)
	assert.ElementsMatch(t, []string{"host:10.0.0.1", "host:10.0.0.2"}, seen)
	assert.Equal(t, "edge", jobs[0].Target.Source)
}

func TestExclusiveToolsSerializePerHost(t *testing.T) {
	slow := func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		time.Sleep(20 * time.Millisecond)
		return output("", 0), nil
	}
	ex := &fakeAdapter{kind: engine.KindNetworkMap, exclusive: true, fn: slow}
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 4}, ex)

	targets := []engine.Target{web, engine.NewTarget("api", "api", "127.0.0.1", 8443), engine.NewTarget("docs", "docs", "127.0.0.1", 9080)}
	jobs, _ := o.Execute(context.Background(), targets, []engine.ToolKind{engine.KindNetworkMap})

	require.Len(t, jobs, 3)
	assert.EqualValues(t, 1, ex.maxSeen.Load())
}

func TestLocalHostOnSeveralAddressesGetsOneHostScan(t *testing.T) {
	bench := &fakeAdapter{kind: engine.KindComplianceBench, scope: wrappers.PerHost, exclusive: true,
		fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
			time.Sleep(50 * time.Millisecond)
			return output("[PASS] 1.1\n", 0), nil
		}}
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 4}, bench)
	d := discovery.New([]int{80, 443}, logger.Discard())
	hosts := []discovery.Host{{Name: "local", Inventory: staticInventory{records: []discovery.Record{
		{ID: "a", Name: "shop", Image: "nginx", Ports: []discovery.PortMapping{{IP: "0.0.0.0", PrivatePort: 80, PublicPort: 8080, Protocol: "tcp"}}},
		{ID: "b", Name: "api", Image: "api", Ports: []discovery.PortMapping{{IP: "192.168.1.10", PrivatePort: 443, PublicPort: 8443, Protocol: "tcp"}}},
	}}}}

	jobs, _ := o.Run(context.Background(), d, hosts, []engine.ToolKind{engine.KindComplianceBench}, false)
	require.Len(t, jobs, 1)
	assert.Equal(t, "local", jobs[0].Target.Source)
	assert.EqualValues(t, 1, bench.calls.Load())
}

func TestExclusiveToolsSerializeAcrossAddressesOfOneHost(t *testing.T) {
	ex := &fakeAdapter{kind: engine.KindNetworkMap, exclusive: true,
		fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
			time.Sleep(20 * time.Millisecond)
			return output("", 0), nil
		}}
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 4}, ex)

	a := engine.NewTarget("shop", "nginx", "127.0.0.1", 8080)
	a.Source = "local"
	b := engine.NewTarget("api", "api", "192.168.1.10", 8443)
	b.Source = "local"
	jobs, _ := o.Execute(context.Background(), []engine.Target{a, b}, []engine.ToolKind{engine.KindNetworkMap})

	require.Len(t, jobs, 2)
	assert.EqualValues(t, 1, ex.maxSeen.Load())
}

func TestUnregisteredKindFailsItsJobs(t *testing.T) {
	o, _ := newOrchestrator(t, orchestrator.Options{})

	jobs, summary := o.Execute(context.Background(), []engine.Target{web}, []engine.ToolKind{engine.KindActiveWeb})
	require.Len(t, jobs, 1)
	assert.Equal(t, engine.StateFailed, jobs[0].State)
	assert.Equal(t, 1, summary.Counts()[engine.StateFailed])
}

type staticInventory struct {
	records []discovery.Record
	err     error
}

func (s staticInventory) Containers(context.Context) ([]discovery.Record, error) {
	return s.records, s.err
}

func TestRunAbortsOnDiscoveryFailure(t *testing.T) {
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		return output("", 0), nil
	}}
	o, _ := newOrchestrator(t, orchestrator.Options{}, nm)
	d := discovery.New([]int{80}, logger.Discard())
	hosts := []discovery.Host{{Name: "edge", Inventory: staticInventory{err: errors.New("connection refused")}}}

	jobs, summary := o.Run(context.Background(), d, hosts, []engine.ToolKind{engine.KindNetworkMap}, false)
	assert.Empty(t, jobs)
	assert.True(t, summary.Aborted())
	require.Len(t, summary.DiscoveryErrors(), 1)
	assert.ErrorIs(t, summary.DiscoveryErrors()[0], engine.ErrDiscovery)
	assert.EqualValues(t, 0, nm.calls.Load())
}

func TestRunScansDiscoveredTargets(t *testing.T) {
	nm := &fakeAdapter{kind: engine.KindNetworkMap, fn: func(context.Context, engine.Target, int) (*engine.RawResult, error) {
		return output("80/tcp open http\n", 0), nil
	}}
	o, _ := newOrchestrator(t, orchestrator.Options{Concurrency: 2}, nm)
	d := discovery.New([]int{80}, logger.Discard())
	hosts := []discovery.Host{
		{Name: "edge", Address: "10.0.0.1", Inventory: staticInventory{records: []discovery.Record{
			{ID: "a", Name: "shop", Image: "nginx", Ports: []discovery.PortMapping{{IP: "0.0.0.0", PrivatePort: 80, PublicPort: 8080, Protocol: "tcp"}}},
		}}},
		{Name: "broken", Inventory: staticInventory{err: errors.New("timeout")}},
	}

	jobs, summary := o.Run(context.Background(), d, hosts, []engine.ToolKind{engine.KindNetworkMap}, true)
	require.Len(t, jobs, 1)
	assert.Equal(t, "10.0.0.1:8080", jobs[0].Target.ID)
	assert.False(t, summary.Aborted())
	assert.Len(t, summary.DiscoveryErrors(), 1)
}
