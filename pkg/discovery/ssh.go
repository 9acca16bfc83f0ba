package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/user/gosec-scan/pkg/config"
	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

// ListCommand is the fixed listing command run on remote hosts
const ListCommand = "docker ps -a --no-trunc --format '{{json .}}'"

const defaultSSHTimeout = 10 * time.Second

// SSHInventory lists containers on a remote host over SSH
type SSHInventory struct {
	host config.HostConfig
	log  logrus.FieldLogger
}

func NewSSHInventory(host config.HostConfig, log logrus.FieldLogger) *SSHInventory {
	return &SSHInventory{host: host, log: logger.Or(log).WithField("host", host.Name)}
}

func (i *SSHInventory) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if i.host.KeyFile != "" {
		key, err := os.ReadFile(i.host.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key %s: %w", i.host.KeyFile, err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse key %s: %w", i.host.KeyFile, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if i.host.Password != "" {
		auth = append(auth, ssh.Password(i.host.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if i.host.KnownHosts != "" {
		cb, err := knownhosts.New(i.host.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		i.log.Warn("known_hosts not configured, host key is not verified")
	}

	timeout := i.host.Timeout
	if timeout <= 0 {
		timeout = defaultSSHTimeout
	}
	return &ssh.ClientConfig{
		User:            i.host.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// Containers runs ListCommand on the host and parses its output
func (i *SSHInventory) Containers(ctx context.Context) ([]Record, error) {
	cfg, err := i.clientConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", engine.ErrDiscovery, i.host.Name, err)
	}
	port := i.host.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(i.host.Address, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", engine.ErrDiscovery, addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	cConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %w", engine.ErrDiscovery, addr, err)
	}
	conn.SetDeadline(time.Time{})
	client := ssh.NewClient(cConn, chans, reqs)
	defer client.Close()

	// cancellation closes the connection, which unblocks the session
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session on %s: %w", engine.ErrDiscovery, addr, err)
	}
	defer session.Close()

	out, err := session.Output(ListCommand)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", engine.ErrDiscovery, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s on %s: %w", engine.ErrDiscovery, ListCommand, addr, err)
	}
	records := ParsePsLines(out, i.log)
	i.log.WithField("containers", len(records)).Debug("remote inventory listed")
	return records, nil
}
