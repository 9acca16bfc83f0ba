package engine

import (
	"fmt"
	"strings"
)

// ToolKind identifies a family of scanning tools
type ToolKind string

const (
	KindComplianceBench ToolKind = "compliance_bench"
	KindVulnerability   ToolKind = "vulnerability"
	KindNetworkMap      ToolKind = "network_map"
	KindActiveWeb       ToolKind = "active_web"
)

// AllToolKinds returns every known tool kind in execution order
func AllToolKinds() []ToolKind {
	return []ToolKind{KindComplianceBench, KindVulnerability, KindNetworkMap, KindActiveWeb}
}

// ParseToolKind converts a user supplied name into a ToolKind
func ParseToolKind(s string) (ToolKind, error) {
	k := ToolKind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllToolKinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown tool kind %q", s)
}

// Severity is the normalized severity of a finding
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
	SeverityUnknown  Severity = "Unknown"
)

// Severities lists severities from most to least severe
func Severities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown}
}

// ParseSeverity maps a vendor severity label onto a Severity.
// Unrecognized labels become SeverityUnknown.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low", "negligible":
		return SeverityLow
	case "info", "informational", "information":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// Rank orders severities, higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Finding represents a normalized security finding from any tool
type Finding struct {
	ToolKind ToolKind `json:"tool_kind"`
	TargetID string   `json:"target_id"`
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
}

// SeverityCounts tallies findings by severity. Every severity is present in the result.
func SeverityCounts(findings []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(Severities()))
	for _, s := range Severities() {
		counts[s] = 0
	}
	for _, f := range findings {
		sev := f.Severity
		if sev.Rank() == 0 {
			sev = SeverityUnknown
		}
		counts[sev]++
	}
	return counts
}
