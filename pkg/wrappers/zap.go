package wrappers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/portalloc"
)

const (
	zapUser         = "zap"
	zapGatewayHost  = "host.docker.internal"
	zapReadyTimeout = 3 * time.Minute
	zapMaxBackoff   = 30 * time.Second
)

var errPollBudget = errors.New("poll budget exhausted")

// ZapAdapter runs an OWASP ZAP daemon on a leased host port, drives a spider
// and an active scan through its HTTP API, then returns the alerts as JSON.
type ZapAdapter struct {
	base
	ports     *portalloc.Allocator
	portRange config.PortsConfig
	client    *retryablehttp.Client

	// endpoint maps the leased port to the daemon's API base URL
	endpoint func(port int) string
	// readyTimeout bounds how long the daemon may take to answer
	readyTimeout time.Duration
}

func NewZapAdapter(b base, ports *portalloc.Allocator, portRange config.PortsConfig) *ZapAdapter {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = retryLogger{log: b.log}

	return &ZapAdapter{
		base:         b,
		ports:        ports,
		portRange:    portRange,
		client:       client,
		endpoint:     func(port int) string { return fmt.Sprintf("http://127.0.0.1:%d", port) },
		readyTimeout: zapReadyTimeout,
	}
}

func (a *ZapAdapter) Scope() Scope    { return PerTarget }
func (a *ZapAdapter) Exclusive() bool { return false }

func (a *ZapAdapter) Run(ctx context.Context, target engine.Target, timeout time.Duration) (*engine.RawResult, error) {
	lease, err := a.ports.Allocate(a.portRange.Low, a.portRange.High)
	if err != nil {
		return nil, err
	}
	// deferred first so it runs after the unit is gone
	defer lease.Release()

	port := lease.Port
	args, err := a.args([]string{
		"zap.sh", "-daemon",
		"-host", "0.0.0.0",
		"-port", strconv.Itoa(port),
		"-config", "api.disablekey=true",
		"-config", "api.addrs.addr.name=.*",
		"-config", "api.addrs.addr.regex=true",
	}, target)
	if err != nil {
		return nil, err
	}

	log := a.log.WithFields(logrus.Fields{"target": target.ID, "port": port})
	res := &engine.RawResult{StartedAt: time.Now()}
	unit, err := a.exec.Start(ctx, container.Spec{
		Image:        a.image(),
		Cmd:          args,
		Env:          a.env(),
		User:         zapUser,
		PortBindings: map[int]int{port: port},
		ExtraHosts:   []string{zapGatewayHost + ":host-gateway"},
		Labels:       a.labels(target),
	})
	if err != nil {
		return nil, err
	}
	defer unit.Close()

	runCtx, cancel := context.WithTimeout(ctx, a.timeout(timeout))
	defer cancel()

	log.Info("starting active web scan")
	alerts, scanErr := a.scan(runCtx, a.endpoint(port), containerURL(target))
	_, res.Stderr = unit.Logs()
	res.FinishedAt = time.Now()

	switch {
	case scanErr == nil:
		res.Stdout = alerts
		log.WithField("bytes", len(alerts)).Info("active web scan finished")
		return res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(scanErr, errPollBudget) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.WithError(scanErr).Warn("active web scan timed out")
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	default:
		return nil, scanErr
	}
}

func (a *ZapAdapter) scan(ctx context.Context, api, target string) ([]byte, error) {
	if err := a.waitReady(ctx, api); err != nil {
		return nil, err
	}

	q := url.Values{"url": {target}}
	if _, err := a.get(ctx, api, "/JSON/core/action/accessUrl/", q); err != nil {
		a.log.WithError(err).Debug("accessUrl failed, continuing")
	}

	if a.tool.Spider {
		id, err := a.startScan(ctx, api, "/JSON/spider/action/scan/", q)
		if err != nil {
			return nil, fmt.Errorf("spider: %w", err)
		}
		if err := a.pollStatus(ctx, api, "/JSON/spider/view/status/", id); err != nil {
			return nil, fmt.Errorf("spider: %w", err)
		}
	}

	id, err := a.startScan(ctx, api, "/JSON/ascan/action/scan/", url.Values{"url": {target}, "recurse": {"true"}})
	if err != nil {
		return nil, fmt.Errorf("active scan: %w", err)
	}
	if err := a.pollStatus(ctx, api, "/JSON/ascan/view/status/", id); err != nil {
		return nil, fmt.Errorf("active scan: %w", err)
	}

	return a.get(ctx, api, "/JSON/core/view/alerts/", url.Values{"baseurl": {target}})
}

// waitReady polls the version endpoint until the daemon answers
func (a *ZapAdapter) waitReady(ctx context.Context, api string) error {
	ctx, cancel := context.WithTimeout(ctx, a.readyTimeout)
	defer cancel()
	interval := a.pollInterval()
	for {
		if _, err := a.get(ctx, api, "/JSON/core/view/version/", nil); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return engine.LaunchError("zap daemon never became ready", ctx.Err())
			}
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *ZapAdapter) startScan(ctx context.Context, api, path string, q url.Values) (string, error) {
	body, err := a.get(ctx, api, path, q)
	if err != nil {
		return "", err
	}
	var resp struct {
		Scan string `json:"scan"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode scan id: %w", err)
	}
	return resp.Scan, nil
}

// pollStatus waits for a scan to report 100 percent, backing off from the
// configured interval up to zapMaxBackoff for at most MaxPolls requests
func (a *ZapAdapter) pollStatus(ctx context.Context, api, path, id string) error {
	interval := a.pollInterval()
	maxPolls := a.tool.MaxPolls
	if maxPolls <= 0 {
		maxPolls = 360
	}
	for i := 0; i < maxPolls; i++ {
		body, err := a.get(ctx, api, path, url.Values{"scanId": {id}})
		if err != nil {
			return err
		}
		var st struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &st); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		if st.Status == "100" {
			return nil
		}
		a.log.WithFields(logrus.Fields{"path": path, "progress": st.Status}).Debug("scan in progress")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		interval *= 2
		if interval > zapMaxBackoff {
			interval = zapMaxBackoff
		}
	}
	return fmt.Errorf("%w after %d polls", errPollBudget, maxPolls)
}

func (a *ZapAdapter) get(ctx context.Context, api, path string, q url.Values) ([]byte, error) {
	u := api + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %s", path, resp.Status)
	}
	return body, nil
}

func (a *ZapAdapter) pollInterval() time.Duration {
	if a.tool.PollInterval > 0 {
		return a.tool.PollInterval
	}
	return 5 * time.Second
}

// containerURL is the target URL as seen from inside the daemon's container.
// Loopback addresses point at the container itself, so they go through the
// host gateway instead.
func containerURL(t engine.Target) string {
	raw := t.URL()
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Hostname() {
	case "127.0.0.1", "localhost", "::1":
		if port := u.Port(); port != "" {
			u.Host = net.JoinHostPort(zapGatewayHost, port)
		} else {
			u.Host = zapGatewayHost
		}
	}
	return u.String()
}

type retryLogger struct {
	log logrus.FieldLogger
}

func (l retryLogger) Printf(format string, v ...interface{}) {
	l.log.Debugf(format, v...)
}
