package wrappers

import (
	"context"
	"time"

	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/engine"
)

// NmapAdapter fingerprints the service behind a target's exposed port
type NmapAdapter struct {
	base
}

func (a *NmapAdapter) Scope() Scope    { return PerTarget }
func (a *NmapAdapter) Exclusive() bool { return false }

func (a *NmapAdapter) Run(ctx context.Context, target engine.Target, timeout time.Duration) (*engine.RawResult, error) {
	defaults := []string{"-sV", "-Pn", "-p", "{{.Port}}", "{{.Host}}"}
	if a.format() == "xml" {
		defaults = append(defaults, "-oX", "-")
	}
	args, err := a.args(defaults, target)
	if err != nil {
		return nil, err
	}
	spec := container.Spec{
		Image:       a.image(),
		Cmd:         args,
		Env:         a.env(),
		NetworkMode: "host",
		Labels:      a.labels(target),
	}
	return a.run(ctx, spec, target, timeout)
}
