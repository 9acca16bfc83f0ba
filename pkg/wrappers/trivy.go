package wrappers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/engine"
)

// TrivyAdapter scans a target's image for known vulnerabilities
type TrivyAdapter struct {
	base
}

func (a *TrivyAdapter) Scope() Scope    { return PerTarget }
func (a *TrivyAdapter) Exclusive() bool { return false }

func (a *TrivyAdapter) Run(ctx context.Context, target engine.Target, timeout time.Duration) (*engine.RawResult, error) {
	if strings.TrimSpace(target.ImageReference) == "" || strings.ContainsAny(target.ImageReference, " \t\n") {
		return nil, fmt.Errorf("%w: %w", engine.ErrToolLaunch, &engine.PermanentError{
			Reason: fmt.Sprintf("target %s has no valid image reference", target.ID),
		})
	}

	format := "table"
	if a.format() == "json" {
		format = "json"
	}
	defaults := []string{"image", "--quiet", "--format", format, "{{.Image}}"}
	var binds []string
	if onLocalRuntime(target) {
		binds = append(binds, "/var/run/docker.sock:/var/run/docker.sock")
	} else {
		// the local daemon may hold an unrelated image under the same tag
		defaults = []string{"image", "--quiet", "--image-src", "remote", "--format", format, "{{.Image}}"}
	}
	args, err := a.args(defaults, target)
	if err != nil {
		return nil, err
	}

	if a.tool.CacheDir != "" {
		binds = append(binds, a.tool.CacheDir+":/root/.cache/trivy")
	}
	spec := container.Spec{
		Image:  a.image(),
		Cmd:    args,
		Env:    a.env(),
		Binds:  binds,
		Labels: a.labels(target),
	}
	return a.run(ctx, spec, target, timeout)
}
