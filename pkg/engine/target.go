package engine

import (
	"fmt"
	"net"
	"strconv"
)

// Target is one scannable workload. Two targets are the same workload when
// their host address and exposed port match, whatever their names.
type Target struct {
	ID             string `json:"id"`
	DisplayName    string `json:"display_name"`
	ImageReference string `json:"image_reference"`
	HostAddress    string `json:"host_address"`
	ExposedPort    int    `json:"exposed_port"`
	ContainerPort  int    `json:"container_port,omitempty"`
	Source         string `json:"source,omitempty"` // inventory host name
}

// TargetKey is the identity of a target
type TargetKey struct {
	Host string
	Port int
}

// NewTarget builds a Target whose ID is derived from its identity
func NewTarget(name, image, host string, port int) Target {
	return Target{
		ID:             net.JoinHostPort(host, strconv.Itoa(port)),
		DisplayName:    name,
		ImageReference: image,
		HostAddress:    host,
		ExposedPort:    port,
	}
}

// HostTarget is the synthetic target used by host-level tools, one per host
func HostTarget(host string) Target {
	return Target{
		ID:          "host:" + host,
		DisplayName: host,
		HostAddress: host,
	}
}

// Key returns the (host_address, exposed_port) identity
func (t Target) Key() TargetKey {
	return TargetKey{Host: t.HostAddress, Port: t.ExposedPort}
}

// URL returns the base URL a web scanner should use for the target
func (t Target) URL() string {
	scheme := "http"
	if t.ExposedPort == 443 || t.ExposedPort == 8443 || t.ContainerPort == 443 {
		scheme = "https"
	}
	if t.ExposedPort == 0 {
		return fmt.Sprintf("%s://%s", scheme, t.HostAddress)
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(t.HostAddress, strconv.Itoa(t.ExposedPort)))
}

func (t Target) String() string {
	if t.DisplayName == "" || t.DisplayName == t.ID {
		return t.ID
	}
	return fmt.Sprintf("%s (%s)", t.DisplayName, t.ID)
}
