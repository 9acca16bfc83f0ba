// Package discovery finds network-exposed workloads on container hosts.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

// Host is one inventory to query. Address is the address scanners use to
// reach published ports; when empty the mapping's bind IP is used.
type Host struct {
	Name      string
	Address   string
	Inventory Inventory
}

// Discoverer turns inventory listings into targets
type Discoverer struct {
	webPorts map[int]struct{}
	log      logrus.FieldLogger
}

// New creates a Discoverer keeping mappings whose container or host port is
// in webPorts.
func New(webPorts []int, log logrus.FieldLogger) *Discoverer {
	set := make(map[int]struct{}, len(webPorts))
	for _, p := range webPorts {
		set[p] = struct{}{}
	}
	return &Discoverer{webPorts: set, log: logger.Or(log)}
}

func (d *Discoverer) isWeb(m PortMapping) bool {
	if m.Protocol != "" && m.Protocol != "tcp" {
		return false
	}
	_, c := d.webPorts[m.PrivatePort]
	_, h := d.webPorts[m.PublicPort]
	return c || h
}

// Discover lists the host's containers and returns the web-facing targets,
// unique by (host address, exposed port) and sorted by ID. No qualifying
// workload is an empty result, not an error.
func (d *Discoverer) Discover(ctx context.Context, host Host) ([]engine.Target, error) {
	log := d.log.WithField("host", host.Name)
	records, err := host.Inventory.Containers(ctx)
	if err != nil {
		if !errors.Is(err, engine.ErrDiscovery) {
			err = fmt.Errorf("%w: %s: %w", engine.ErrDiscovery, host.Name, err)
		}
		return nil, err
	}

	seen := make(map[engine.TargetKey]struct{})
	targets := make([]engine.Target, 0)
	for _, rec := range records {
		if rec.Name == "" {
			log.WithField("container", rec.ID).Warn("skipping container without a name")
			continue
		}
		for _, m := range rec.Ports {
			if m.PublicPort == 0 || !d.isWeb(m) {
				continue
			}
			t := engine.NewTarget(rec.Name, rec.Image, hostAddress(host.Address, m.IP), m.PublicPort)
			t.ContainerPort = m.PrivatePort
			t.Source = host.Name
			if _, dup := seen[t.Key()]; dup {
				continue
			}
			seen[t.Key()] = struct{}{}
			targets = append(targets, t)
			log.WithFields(logrus.Fields{"target": t.ID, "image": t.ImageReference}).Debug("found web workload")
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	log.WithField("targets", len(targets)).Info("discovery finished")
	return targets, nil
}

func hostAddress(descriptor, bindIP string) string {
	if descriptor != "" {
		return descriptor
	}
	switch bindIP {
	case "", "0.0.0.0", "::":
		return "127.0.0.1"
	}
	return bindIP
}

// DiscoverAll queries every host concurrently and merges the results.
// A host failure fails the whole call unless tolerate is set, in which case
// failures are returned alongside the targets of the healthy hosts. When
// every host fails the call fails regardless.
func (d *Discoverer) DiscoverAll(ctx context.Context, hosts []Host, tolerate bool) ([]engine.Target, []error, error) {
	type result struct {
		targets []engine.Target
		err     error
	}
	results := make([]result, len(hosts))
	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		go func(i int, h Host) {
			defer wg.Done()
			t, err := d.Discover(ctx, h)
			results[i] = result{targets: t, err: err}
		}(i, h)
	}
	wg.Wait()

	var failures []error
	seen := make(map[engine.TargetKey]struct{})
	merged := make([]engine.Target, 0)
	for _, r := range results {
		if r.err != nil {
			failures = append(failures, r.err)
			continue
		}
		for _, t := range r.targets {
			if _, dup := seen[t.Key()]; dup {
				continue
			}
			seen[t.Key()] = struct{}{}
			merged = append(merged, t)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	if len(failures) > 0 && (!tolerate || len(failures) == len(hosts)) {
		return nil, failures, errors.Join(failures...)
	}
	return merged, failures, nil
}
