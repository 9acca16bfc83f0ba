// Package container runs scanning tools as ephemeral containers and
// guarantees their removal on every exit path.
package container

import (
	"context"
	"errors"
)

// Labels carried by every execution unit the scanner creates
const (
	LabelScan   = "gosec.scan"
	LabelTool   = "gosec.tool"
	LabelTarget = "gosec.target"
)

// ErrNotFound is returned by a Runtime when a container or image is missing
var ErrNotFound = errors.New("not found")

// Spec describes one execution unit
type Spec struct {
	Name         string
	Image        string
	Cmd          []string
	Entrypoint   []string
	Env          []string
	User         string
	WorkingDir   string
	Binds        []string // host:container[:ro|rw]
	Privileged   bool
	NetworkMode  string
	PidMode      string
	UsernsMode   string
	CapAdd       []string
	PortBindings map[int]int // container port -> host port, tcp
	ExtraHosts   []string
	Labels       map[string]string
}

// PortSummary is one published port of a listed container
type PortSummary struct {
	IP          string
	PrivatePort int
	PublicPort  int
	Type        string
}

// Summary is one container from a runtime listing
type Summary struct {
	ID     string
	Names  []string
	Image  string
	State  string
	Labels map[string]string
	Ports  []PortSummary
}

// Runtime is the subset of the container-runtime API the scanner uses
type Runtime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the container stops and returns its exit code
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string) (stdout, stderr []byte, err error)
	Kill(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, labels map[string]string, all bool) ([]Summary, error)
	// Prune removes unused networks and volumes
	Prune(ctx context.Context) error
}
