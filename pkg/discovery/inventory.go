package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/container"
	"github.com/user/gosec-scan/pkg/engine"
)

// PortMapping is one container port, published on the host when PublicPort > 0
type PortMapping struct {
	IP          string
	PrivatePort int
	PublicPort  int
	Protocol    string
}

// Record is one container from an inventory listing
type Record struct {
	ID    string
	Name  string
	Image string
	State string
	Ports []PortMapping
}

// Inventory lists containers on one host
type Inventory interface {
	Containers(ctx context.Context) ([]Record, error)
}

// RuntimeInventory lists containers through a container runtime API
type RuntimeInventory struct {
	rt container.Runtime
}

func NewRuntimeInventory(rt container.Runtime) *RuntimeInventory {
	return &RuntimeInventory{rt: rt}
}

func (i *RuntimeInventory) Containers(ctx context.Context) ([]Record, error) {
	list, err := i.rt.List(ctx, nil, true)
	if err != nil {
		return nil, fmt.Errorf("%w: list containers: %w", engine.ErrDiscovery, err)
	}
	records := make([]Record, 0, len(list))
	for _, c := range list {
		// our own execution units are never targets
		if c.Labels[container.LabelScan] == "true" {
			continue
		}
		rec := Record{ID: c.ID, Image: c.Image, State: c.State}
		if len(c.Names) > 0 {
			rec.Name = strings.TrimPrefix(c.Names[0], "/")
		}
		for _, p := range c.Ports {
			rec.Ports = append(rec.Ports, PortMapping{IP: p.IP, PrivatePort: p.PrivatePort, PublicPort: p.PublicPort, Protocol: p.Type})
		}
		records = append(records, rec)
	}
	return records, nil
}

// psLine is one line of `docker ps --format '{{json .}}'`
type psLine struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	State  string `json:"State"`
	Ports  string `json:"Ports"`
	Labels string `json:"Labels"`
}

// ParsePsLines parses line-delimited JSON container listings. Lines that
// cannot be parsed are skipped and logged.
func ParsePsLines(out []byte, log logrus.FieldLogger) []Record {
	var records []Record
	for n, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var ps psLine
		if err := json.Unmarshal([]byte(line), &ps); err != nil {
			log.WithField("line", n+1).WithError(err).Warn("skipping unparsable inventory record")
			continue
		}
		if ps.Names == "" {
			log.WithField("line", n+1).Warn("skipping inventory record without a name")
			continue
		}
		if strings.Contains(ps.Labels, container.LabelScan+"=true") {
			continue
		}
		ports, bad := parsePorts(ps.Ports)
		for _, b := range bad {
			log.WithFields(logrus.Fields{"line": n + 1, "ports": b}).Debug("ignoring unparsable port mapping")
		}
		records = append(records, Record{
			ID:    ps.ID,
			Name:  strings.Split(ps.Names, ",")[0],
			Image: ps.Image,
			State: ps.State,
			Ports: ports,
		})
	}
	return records
}

// parsePorts parses the Ports column, e.g.
// "0.0.0.0:8080->80/tcp, :::8080->80/tcp, 9000/tcp"
func parsePorts(s string) ([]PortMapping, []string) {
	var (
		out []PortMapping
		bad []string
	)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		mappings, err := parsePortEntry(part)
		if err != nil {
			bad = append(bad, part)
			continue
		}
		out = append(out, mappings...)
	}
	return out, bad
}

func parsePortEntry(entry string) ([]PortMapping, error) {
	hostSide, containerSide, published := strings.Cut(entry, "->")
	if !published {
		containerSide = entry
	}
	portSpec, proto, _ := strings.Cut(containerSide, "/")
	if proto == "" {
		proto = "tcp"
	}
	cLow, cHigh, err := parseRange(portSpec)
	if err != nil {
		return nil, err
	}
	if !published {
		var out []PortMapping
		for p := cLow; p <= cHigh; p++ {
			out = append(out, PortMapping{PrivatePort: p, Protocol: proto})
		}
		return out, nil
	}

	idx := strings.LastIndex(hostSide, ":")
	if idx < 0 {
		return nil, fmt.Errorf("missing host port in %q", entry)
	}
	ip := strings.Trim(hostSide[:idx], "[]")
	hLow, hHigh, err := parseRange(hostSide[idx+1:])
	if err != nil {
		return nil, err
	}
	if hHigh-hLow != cHigh-cLow {
		return nil, fmt.Errorf("mismatched port ranges in %q", entry)
	}
	var out []PortMapping
	for i := 0; i <= cHigh-cLow; i++ {
		out = append(out, PortMapping{IP: ip, PrivatePort: cLow + i, PublicPort: hLow + i, Protocol: proto})
	}
	return out, nil
}

func parseRange(s string) (int, int, error) {
	lowStr, highStr, isRange := strings.Cut(s, "-")
	low, err := parsePort(lowStr)
	if err != nil {
		return 0, 0, err
	}
	if !isRange {
		return low, low, nil
	}
	high, err := parsePort(highStr)
	if err != nil {
		return 0, 0, err
	}
	if high < low {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	return low, high, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
