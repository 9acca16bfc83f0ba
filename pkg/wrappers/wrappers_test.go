package wrappers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/container/containertest"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
	"github.com/user/gosec-scan/pkg/portalloc"
)

func newTestRegistry(t *testing.T, profilesDir string) (*Registry, *containertest.Runtime, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.ProfilesDir = profilesDir
	rt := containertest.New()
	for _, tc := range cfg.Tools {
		rt.AddImage(tc.Image)
	}
	exec := container.NewExecutor(rt, 2, time.Second, logger.Discard())
	reg, err := NewRegistry(cfg, exec, portalloc.New(logger.Discard()), logger.Discard())
	require.NoError(t, err)
	return reg, rt, cfg
}

func TestRegistryCoversEveryKind(t *testing.T) {
	reg, _, _ := newTestRegistry(t, filepath.Join(t.TempDir(), "missing"))

	assert.ElementsMatch(t, engine.AllToolKinds(), reg.Kinds())
	for _, k := range engine.AllToolKinds() {
		a, err := reg.Get(k)
		require.NoError(t, err)
		assert.Equal(t, k, a.Kind())
		assert.NotEmpty(t, a.Description())
	}

	_, err := reg.Get(engine.ToolKind("gitleaks"))
	assert.Error(t, err)
}

func TestAdapterScopes(t *testing.T) {
	reg, _, _ := newTestRegistry(t, "")

	bench, _ := reg.Get(engine.KindComplianceBench)
	assert.Equal(t, PerHost, bench.Scope())
	assert.True(t, bench.Exclusive())

	for _, k := range []engine.ToolKind{engine.KindVulnerability, engine.KindNetworkMap, engine.KindActiveWeb} {
		a, _ := reg.Get(k)
		assert.Equal(t, PerTarget, a.Scope(), k)
		assert.False(t, a.Exclusive(), k)
	}
}

func TestBenchRunsPrivilegedOnHost(t *testing.T) {
	reg, rt, cfg := newTestRegistry(t, "")
	img := cfg.Tool(engine.KindComplianceBench).Image
	rt.Script(img, containertest.Behavior{Stdout: "[WARN] 1.1 - Ensure a separate partition\n"})

	a, _ := reg.Get(engine.KindComplianceBench)
	target := engine.HostTarget("127.0.0.1")
	target.Source = "local"
	res, err := a.Run(context.Background(), target, time.Second)
	require.NoError(t, err)
	assert.Contains(t, string(res.Stdout), "[WARN]")

	created := rt.Created()
	require.Len(t, created, 1)
	spec := created[0]
	assert.True(t, spec.Privileged)
	assert.Equal(t, "host", spec.NetworkMode)
	assert.Equal(t, "host", spec.PidMode)
	assert.Equal(t, "host", spec.UsernsMode)
	assert.Equal(t, "/usr/local/bin", spec.WorkingDir)
	assert.Contains(t, spec.CapAdd, "audit_control")
	assert.Contains(t, spec.Binds, "/var/run/docker.sock:/var/run/docker.sock:ro")
	assert.Contains(t, spec.Env, "DOCKER_CONTENT_TRUST=1")
	assert.Equal(t, string(engine.KindComplianceBench), spec.Labels[container.LabelTool])
	assert.Equal(t, target.ID, spec.Labels[container.LabelTarget])
	assert.Equal(t, 0, rt.Live())
}

func TestBenchRefusesRemoteHost(t *testing.T) {
	reg, rt, _ := newTestRegistry(t, "")
	a, _ := reg.Get(engine.KindComplianceBench)

	target := engine.HostTarget("10.0.0.5")
	target.Source = "build-01"
	_, err := a.Run(context.Background(), target, time.Second)

	var perm *engine.PermanentError
	require.ErrorAs(t, err, &perm)
	assert.False(t, engine.IsRetryable(err))
	assert.Empty(t, rt.Created())
}

func TestTrivyScansTargetImage(t *testing.T) {
	reg, rt, _ := newTestRegistry(t, "")
	a, _ := reg.Get(engine.KindVulnerability)

	target := engine.NewTarget("web", "nginx:1.25", "127.0.0.1", 8080)
	_, err := a.Run(context.Background(), target, time.Second)
	require.NoError(t, err)

	created := rt.Created()
	require.Len(t, created, 1)
	assert.Equal(t, []string{"image", "--quiet", "--format", "json", "nginx:1.25"}, created[0].Cmd)
	assert.Contains(t, created[0].Binds, "/var/run/docker.sock:/var/run/docker.sock")
}

func TestTrivyPullsRemoteHostImagesFromRegistry(t *testing.T) {
	reg, rt, _ := newTestRegistry(t, "")
	a, _ := reg.Get(engine.KindVulnerability)

	target := engine.NewTarget("web", "nginx:1.25", "10.0.0.5", 8080)
	target.Source = "build-01"
	_, err := a.Run(context.Background(), target, time.Second)
	require.NoError(t, err)

	created := rt.Created()
	require.Len(t, created, 1)
	assert.Equal(t, []string{"image", "--quiet", "--image-src", "remote", "--format", "json", "nginx:1.25"}, created[0].Cmd)
	assert.NotContains(t, created[0].Binds, "/var/run/docker.sock:/var/run/docker.sock")
}

func TestTrivyRejectsMissingImage(t *testing.T) {
	reg, rt, _ := newTestRegistry(t, "")
	a, _ := reg.Get(engine.KindVulnerability)

	_, err := a.Run(context.Background(), engine.NewTarget("web", "", "127.0.0.1", 8080), time.Second)
	require.ErrorIs(t, err, engine.ErrToolLaunch)
	assert.False(t, engine.IsRetryable(err))
	assert.Empty(t, rt.Created())
}

func TestNmapTargetsExposedPort(t *testing.T) {
	reg, rt, _ := newTestRegistry(t, "")
	a, _ := reg.Get(engine.KindNetworkMap)

	_, err := a.Run(context.Background(), engine.NewTarget("web", "nginx", "10.1.2.3", 443), time.Second)
	require.NoError(t, err)

	created := rt.Created()
	require.Len(t, created, 1)
	assert.Equal(t, []string{"-sV", "-Pn", "-p", "443", "10.1.2.3", "-oX", "-"}, created[0].Cmd)
	assert.Equal(t, "host", created[0].NetworkMode)
}

func TestProfileOverridesImageAndArgs(t *testing.T) {
	dir := t.TempDir()
	profile := `
kind: network_map
description: quick top ports
image: custom/nmap:7
args: ["-Pn", "-p", "{{.Port}}", "{{if .Image}}--reason{{end}}", "{{.Host}}"]
env: ["NMAP_PRIVILEGED=1"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nmap.yaml"), []byte(profile), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	reg, rt, _ := newTestRegistry(t, dir)
	rt.AddImage("custom/nmap:7")
	a, _ := reg.Get(engine.KindNetworkMap)
	assert.Equal(t, "quick top ports", a.Description())
	other, _ := reg.Get(engine.KindVulnerability)
	assert.Equal(t, "Image vulnerability scan with trivy", other.Description())

	_, err := a.Run(context.Background(), engine.NewTarget("db", "", "10.0.0.9", 80), time.Second)
	require.NoError(t, err)

	created := rt.Created()
	require.Len(t, created, 1)
	assert.Equal(t, "custom/nmap:7", created[0].Image)
	// the conditional flag renders empty and is dropped
	assert.Equal(t, []string{"-Pn", "-p", "80", "10.0.0.9"}, created[0].Cmd)
	assert.Equal(t, []string{"NMAP_PRIVILEGED=1"}, created[0].Env)
}

func TestLoadProfilesRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("kind: network_map\nargs: [\"{{.Host\"]\n"), 0o644))
	_, err := LoadProfiles(dir, logger.Discard())
	assert.Error(t, err)

	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unknown.yml"), []byte("kind: gitleaks\n"), 0o644))
	_, err = LoadProfiles(dir, logger.Discard())
	assert.Error(t, err)
}

func TestRenderArgs(t *testing.T) {
	data := NewTemplateData(engine.NewTarget("web", "nginx", "127.0.0.1", 8443), "json")

	out, err := RenderArgs([]string{"{{.URL}}", "{{.Format}}", ""}, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://127.0.0.1:8443", "json"}, out)

	_, err = RenderArgs([]string{"{{.Nope}}"}, data)
	assert.Error(t, err)
}
