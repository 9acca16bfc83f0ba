// Package wrappers holds one Adapter per scanning tool family. Each adapter
// knows the tool's image, arguments, mounts and privileges and runs it as an
// ephemeral execution unit.
package wrappers

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
	"github.com/user/gosec-scan/pkg/portalloc"
)

// Scope says whether a tool runs once per target or once per host
type Scope int

const (
	PerTarget Scope = iota
	PerHost
)

func (s Scope) String() string {
	if s == PerHost {
		return "host"
	}
	return "target"
}

// Adapter wraps one scanning tool behind a uniform contract
type Adapter interface {
	Kind() engine.ToolKind
	Description() string
	Scope() Scope
	// Exclusive adapters need host-level capabilities and must not run
	// concurrently with each other on the same host.
	Exclusive() bool
	Run(ctx context.Context, target engine.Target, timeout time.Duration) (*engine.RawResult, error)
}

// Registry maps tool kinds to adapters. It is built once at startup.
type Registry struct {
	adapters map[engine.ToolKind]Adapter
}

func NewEmptyRegistry() *Registry {
	return &Registry{adapters: make(map[engine.ToolKind]Adapter)}
}

// NewRegistry builds the adapters for every tool kind from cfg and the
// profiles found in cfg.ProfilesDir.
func NewRegistry(cfg *config.Config, exec *container.Executor, ports *portalloc.Allocator, log logrus.FieldLogger) (*Registry, error) {
	log = logger.Or(log)
	profiles, err := LoadProfiles(cfg.ProfilesDir, log)
	if err != nil {
		return nil, err
	}
	newBase := func(kind engine.ToolKind, desc string) base {
		b := base{
			kind: kind,
			desc: desc,
			tool: cfg.Tool(kind),
			exec: exec,
			log:  log.WithField("tool", kind),
		}
		if p, ok := profiles[kind]; ok {
			b.profile = &p
		}
		return b
	}

	r := NewEmptyRegistry()
	r.Register(&BenchAdapter{base: newBase(engine.KindComplianceBench, "Host configuration audit with docker-bench-security")})
	r.Register(&TrivyAdapter{base: newBase(engine.KindVulnerability, "Image vulnerability scan with trivy")})
	r.Register(&NmapAdapter{base: newBase(engine.KindNetworkMap, "Port and service scan with nmap")})
	r.Register(NewZapAdapter(newBase(engine.KindActiveWeb, "Active web application scan with OWASP ZAP"), ports, cfg.Ports))
	return r, nil
}

// Register adds or replaces the adapter for its kind
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for kind
func (r *Registry) Get(kind engine.ToolKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for %s", kind)
	}
	return a, nil
}

// Kinds returns the registered kinds in sorted order
func (r *Registry) Kinds() []engine.ToolKind {
	kinds := make([]engine.ToolKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// base carries what every container-backed adapter shares
type base struct {
	kind    engine.ToolKind
	desc    string
	tool    config.ToolConfig
	profile *Profile
	exec    *container.Executor
	log     logrus.FieldLogger
}

func (b *base) Kind() engine.ToolKind { return b.kind }

func (b *base) Description() string {
	if b.profile != nil && b.profile.Description != "" {
		return b.profile.Description
	}
	return b.desc
}

func (b *base) image() string {
	if b.profile != nil && b.profile.Image != "" {
		return b.profile.Image
	}
	return b.tool.Image
}

func (b *base) format() string {
	if b.profile != nil && b.profile.Format != "" {
		return b.profile.Format
	}
	return b.tool.Format
}

// args renders the profile's argument templates, or defaults when the
// profile has none. Template errors are configuration faults and never
// retried.
func (b *base) args(defaults []string, target engine.Target) ([]string, error) {
	tmpl := defaults
	if b.profile != nil && len(b.profile.Args) > 0 {
		tmpl = b.profile.Args
	}
	out, err := RenderArgs(tmpl, NewTemplateData(target, b.format()))
	if err != nil {
		return nil, &engine.PermanentError{Reason: fmt.Sprintf("%s arguments: %v", b.kind, err)}
	}
	if len(out) == 0 {
		// keep the image's own command
		return nil, nil
	}
	return out, nil
}

func (b *base) env() []string {
	if b.profile == nil {
		return nil
	}
	return b.profile.Env
}

func (b *base) labels(target engine.Target) map[string]string {
	return map[string]string{
		container.LabelTool:   string(b.kind),
		container.LabelTarget: target.ID,
	}
}

// onLocalRuntime reports whether target lives on the runtime the scanners
// themselves run on
func onLocalRuntime(target engine.Target) bool {
	return target.Source == "" || target.Source == "local"
}

func (b *base) timeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return b.tool.Timeout
}

func (b *base) run(ctx context.Context, spec container.Spec, target engine.Target, timeout time.Duration) (*engine.RawResult, error) {
	timeout = b.timeout(timeout)
	log := b.log.WithFields(logrus.Fields{"target": target.ID, "image": spec.Image})
	log.Info("starting scan")
	res, err := b.exec.Run(ctx, spec, timeout)
	if err != nil {
		log.WithError(err).Warn("scan did not complete")
		return nil, err
	}
	log.WithFields(logrus.Fields{"exit": res.ExitCode, "timed_out": res.TimedOut}).Info("scan finished")
	return res, nil
}
