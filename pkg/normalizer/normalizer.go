// Package normalizer turns raw scanner output into engine.Finding records.
// Parsing is best effort: anomalies are logged and dropped, never returned
// as errors.
package normalizer

import (
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/user/gosec-scan/pkg/engine"
	"github.com/user/gosec-scan/pkg/logger"
)

// Result is the output of one parser
type Result struct {
	Findings  []engine.Finding
	Anomalies []string
}

func (r *Result) add(sev engine.Severity, category, message string) {
	r.Findings = append(r.Findings, engine.Finding{Severity: sev, Category: category, Message: message})
}

func (r *Result) anomaly(s string) {
	r.Anomalies = append(r.Anomalies, s)
}

// Parser extracts findings from one tool's output
type Parser func(data []byte) Result

// Normalizer dispatches raw results to the parser of their tool kind
type Normalizer struct {
	parsers map[engine.ToolKind]Parser
	log     logrus.FieldLogger
}

// New creates a Normalizer with the built-in parsers
func New(log logrus.FieldLogger) *Normalizer {
	return &Normalizer{
		parsers: map[engine.ToolKind]Parser{
			engine.KindComplianceBench: ParseBench,
			engine.KindVulnerability:   ParseTrivy,
			engine.KindNetworkMap:      ParseNmap,
			engine.KindActiveWeb:       ParseZapAlerts,
		},
		log: logger.Or(log),
	}
}

// Register replaces the parser for kind
func (n *Normalizer) Register(kind engine.ToolKind, p Parser) {
	n.parsers[kind] = p
}

// Normalize returns the findings in raw, tagged with kind and targetID.
// It never fails; unparsable output yields fewer (possibly zero) findings.
func (n *Normalizer) Normalize(raw *engine.RawResult, kind engine.ToolKind, targetID string) []engine.Finding {
	findings := make([]engine.Finding, 0)
	if raw == nil {
		return findings
	}
	log := n.log.WithFields(logrus.Fields{"tool": kind, "target": targetID})
	parse, ok := n.parsers[kind]
	if !ok {
		log.Warn("no parser registered")
		return findings
	}

	data := raw.Stdout
	if len(data) == 0 {
		data = raw.Combined()
	}
	res := parse(data)
	for _, a := range res.Anomalies {
		log.WithError(engine.ErrParseAnomaly).WithField("line", a).Debug("dropped unparsable output")
	}
	for _, f := range res.Findings {
		f.ToolKind = kind
		f.TargetID = targetID
		if f.Severity == "" {
			f.Severity = engine.SeverityUnknown
		}
		findings = append(findings, f)
	}
	log.WithFields(logrus.Fields{"findings": len(findings), "anomalies": len(res.Anomalies)}).Debug("normalized")
	return findings
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// StripANSI removes terminal colour and cursor sequences
func StripANSI(b []byte) []byte {
	return ansiPattern.ReplaceAll(b, nil)
}
