// Package portalloc hands out free local TCP ports to execution units that
// publish a service, such as the web scanner's control API.
package portalloc

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

const probeTimeout = 200 * time.Millisecond

// Allocator reserves ports in-process and probes the OS before handing them
// out. A reserved port is never given to a second caller until released.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]struct{}
	cursor   int
	host     string
	log      logrus.FieldLogger

	// probe reports whether port is free; replaced in tests
	probe func(host string, port int) bool
}

// Lease is a reserved port. Release it once the process bound to it is gone.
type Lease struct {
	Port int

	once  sync.Once
	alloc *Allocator
}

// New creates an Allocator probing 127.0.0.1
func New(log logrus.FieldLogger) *Allocator {
	return &Allocator{
		reserved: make(map[int]struct{}),
		host:     "127.0.0.1",
		log:      logger.Or(log),
		probe:    probeFree,
	}
}

// Allocate returns a lease on a port in [low, high] that no other caller
// holds and that nothing on the host is bound to or accepting on.
func (a *Allocator) Allocate(low, high int) (*Lease, error) {
	if low < 1 || high > 65535 || low > high {
		return nil, fmt.Errorf("invalid port range %d-%d", low, high)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size := high - low + 1
	start := a.cursor
	if start < low || start > high {
		start = low
	}
	for i := 0; i < size; i++ {
		port := low + (start-low+i)%size
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.probe(a.host, port) {
			a.log.WithField("port", port).Debug("port busy, skipping")
			continue
		}
		a.reserved[port] = struct{}{}
		a.cursor = port + 1
		return &Lease{Port: port, alloc: a}, nil
	}
	return nil, fmt.Errorf("%w in range %d-%d", engine.ErrNoPortAvailable, low, high)
}

// Reserved returns the number of ports currently leased
func (a *Allocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// Release returns the port to the allocator. Safe to call more than once.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.alloc.mu.Lock()
		delete(l.alloc.reserved, l.Port)
		l.alloc.mu.Unlock()
	})
}

// probeFree checks that the port can be bound and is not accepting connections
func probeFree(host string, port int) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if conn, err := net.DialTimeout("tcp", addr, probeTimeout); err == nil {
		conn.Close()
		return false
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
