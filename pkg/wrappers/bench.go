package wrappers

import (
	"context"
	"fmt"
	"time"

	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/engine"
)

// benchBinds are the host paths docker-bench-security inspects, mounted read-only
var benchBinds = []string{
	"/etc:/etc:ro",
	"/usr/bin/containerd:/usr/bin/containerd:ro",
	"/usr/bin/runc:/usr/bin/runc:ro",
	"/usr/lib/systemd:/usr/lib/systemd:ro",
	"/var/lib:/var/lib:ro",
	"/var/run/docker.sock:/var/run/docker.sock:ro",
}

// BenchAdapter audits the container host against the CIS Docker benchmark.
// It needs the host's namespaces so it runs once per host and never
// alongside another exclusive tool.
type BenchAdapter struct {
	base
}

func (a *BenchAdapter) Scope() Scope    { return PerHost }
func (a *BenchAdapter) Exclusive() bool { return true }

func (a *BenchAdapter) Run(ctx context.Context, target engine.Target, timeout time.Duration) (*engine.RawResult, error) {
	if !onLocalRuntime(target) {
		return nil, &engine.PermanentError{
			Reason: fmt.Sprintf("%s only audits the local runtime host, not %s", a.kind, target.Source),
		}
	}
	args, err := a.args(nil, target)
	if err != nil {
		return nil, err
	}
	spec := container.Spec{
		Image:       a.image(),
		Cmd:         args,
		Env:         append([]string{"DOCKER_CONTENT_TRUST=1"}, a.env()...),
		WorkingDir:  "/usr/local/bin",
		Binds:       benchBinds,
		Privileged:  true,
		NetworkMode: "host",
		PidMode:     "host",
		UsernsMode:  "host",
		CapAdd:      []string{"audit_control"},
		Labels:      a.labels(target),
	}
	return a.run(ctx, spec, target, timeout)
}
