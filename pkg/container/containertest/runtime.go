// Package containertest provides an in-memory container.Runtime for tests.
package containertest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/gosec-scan/pkg/container"
)

// Behavior scripts what a container running an image does
type Behavior struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Delay    time.Duration // time until natural exit
	Hang     bool          // never exits on its own
	// OnStart runs when the container starts, e.g. to bring up a fake API
	OnStart func(spec container.Spec)
}

type fakeContainer struct {
	id      string
	spec    container.Spec
	started bool
	done    chan struct{}
	killed  bool
	exit    int
}

// Runtime is a scripted, concurrency-safe container.Runtime
type Runtime struct {
	mu         sync.Mutex
	images     map[string]bool
	behaviors  map[string]Behavior
	containers map[string]*fakeContainer
	created    []container.Spec
	pulls      map[string]int
	seq        int64

	// PullErrors are returned by successive PullImage calls before pulls succeed
	PullErrors []error
	// CreateErrors are returned by successive Create calls before creates succeed
	CreateErrors []error
	// PullDelay slows every pull
	PullDelay time.Duration
	// ListErr makes List fail
	ListErr error

	pruned     atomic.Int32
	maxRunning atomic.Int32
	running    atomic.Int32
}

// New creates an empty runtime with no local images
func New() *Runtime {
	return &Runtime{
		images:     make(map[string]bool),
		behaviors:  make(map[string]Behavior),
		containers: make(map[string]*fakeContainer),
		pulls:      make(map[string]int),
	}
}

// AddImage marks ref as present locally
func (r *Runtime) AddImage(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = true
}

// Script sets the behavior for containers of image ref
func (r *Runtime) Script(ref string, b Behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behaviors[ref] = b
}

// AddListed registers an existing container for listing, as if started
// outside the scanner.
func (r *Runtime) AddListed(spec container.Spec) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := fmt.Sprintf("listed%010d", r.seq)
	r.containers[id] = &fakeContainer{id: id, spec: spec, done: make(chan struct{})}
	return id
}

func (r *Runtime) ImageExists(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.images[ref], nil
}

func (r *Runtime) PullImage(ctx context.Context, ref string) error {
	if r.PullDelay > 0 {
		select {
		case <-time.After(r.PullDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls[ref]++
	if len(r.PullErrors) > 0 {
		err := r.PullErrors[0]
		r.PullErrors = r.PullErrors[1:]
		return err
	}
	r.images[ref] = true
	return nil
}

func (r *Runtime) Create(ctx context.Context, spec container.Spec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.CreateErrors) > 0 {
		err := r.CreateErrors[0]
		r.CreateErrors = r.CreateErrors[1:]
		return "", err
	}
	if !r.images[spec.Image] {
		return "", fmt.Errorf("image %s: %w", spec.Image, container.ErrNotFound)
	}
	r.seq++
	id := fmt.Sprintf("fake%016d", r.seq)
	r.containers[id] = &fakeContainer{id: id, spec: spec, done: make(chan struct{})}
	r.created = append(r.created, spec)
	return id, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	if !ok {
		r.mu.Unlock()
		return container.ErrNotFound
	}
	c.started = true
	b := r.behaviors[c.spec.Image]
	c.exit = b.ExitCode
	r.mu.Unlock()

	if n := r.running.Add(1); n > r.maxRunning.Load() {
		r.maxRunning.Store(n)
	}
	if b.OnStart != nil {
		b.OnStart(c.spec)
	}
	if !b.Hang {
		go func() {
			select {
			case <-time.After(b.Delay):
				r.exit(c, false)
			case <-c.done:
			}
		}()
	}
	return nil
}

func (r *Runtime) exit(c *fakeContainer, killed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.killed = killed
	if killed {
		c.exit = 137
	}
	close(c.done)
	r.running.Add(-1)
}

func (r *Runtime) Wait(ctx context.Context, id string) (int, error) {
	r.mu.Lock()
	c, ok := r.containers[id]
	r.mu.Unlock()
	if !ok {
		return -1, container.ErrNotFound
	}
	select {
	case <-c.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return c.exit, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (r *Runtime) Logs(ctx context.Context, id string) ([]byte, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, nil, container.ErrNotFound
	}
	b := r.behaviors[c.spec.Image]
	return []byte(b.Stdout), []byte(b.Stderr), nil
}

func (r *Runtime) Kill(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	started := ok && c.started
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if started {
		r.exit(c, true)
	}
	return nil
}

func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.containers[id]
	started := ok && c.started
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if started {
		r.exit(c, true)
	}
	r.mu.Lock()
	delete(r.containers, id)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) List(ctx context.Context, labels map[string]string, all bool) ([]container.Summary, error) {
	if r.ListErr != nil {
		return nil, r.ListErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []container.Summary
	for _, c := range r.containers {
		if !matches(c.spec.Labels, labels) {
			continue
		}
		state := "running"
		select {
		case <-c.done:
			state = "exited"
		default:
		}
		if !all && state != "running" {
			continue
		}
		s := container.Summary{ID: c.id, Names: []string{"/" + c.spec.Name}, Image: c.spec.Image, State: state, Labels: c.spec.Labels}
		for cport, hport := range c.spec.PortBindings {
			s.Ports = append(s.Ports, container.PortSummary{IP: "0.0.0.0", PrivatePort: cport, PublicPort: hport, Type: "tcp"})
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Runtime) Prune(ctx context.Context) error {
	r.pruned.Add(1)
	return nil
}

// Live returns the number of containers not yet removed
func (r *Runtime) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}

// Created returns the specs of every container created so far
func (r *Runtime) Created() []container.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]container.Spec(nil), r.created...)
}

// Pulls returns how many times ref was pulled
func (r *Runtime) Pulls(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls[ref]
}

// Pruned returns how many times Prune was called
func (r *Runtime) Pruned() int {
	return int(r.pruned.Load())
}

// MaxRunning is the highest number of simultaneously running containers seen
func (r *Runtime) MaxRunning() int {
	return int(r.maxRunning.Load())
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
