package normalizer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/user/gosec-scan/pkg/engine"
)

func lines(data []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(StripANSI(data)))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

var benchTag = regexp.MustCompile(`^\s*\[(WARN|PASS|INFO)\]\s*(.*)$`)

// ParseBench parses docker-bench-security text: one finding per line with a
// WARN, PASS or INFO tag.
func ParseBench(data []byte) Result {
	var res Result
	for _, line := range lines(data) {
		m := benchTag.FindStringSubmatch(line)
		if m == nil {
			if strings.TrimSpace(line) != "" && !strings.HasPrefix(strings.TrimSpace(line), "[NOTE]") {
				res.anomaly(line)
			}
			continue
		}
		sev := engine.SeverityInfo
		if m[1] == "WARN" {
			sev = engine.SeverityMedium
		}
		msg := strings.TrimSpace(m[2])
		if msg == "" {
			msg = m[1]
		}
		res.add(sev, "compliance", msg)
	}
	return res
}

type trivyReport struct {
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

var (
	trivySeverity = regexp.MustCompile(`\b(CRITICAL|HIGH|MEDIUM|LOW|UNKNOWN)\b`)
	trivyTotal    = regexp.MustCompile(`^\s*Total:`)
)

// ParseTrivy parses trivy output, structured JSON when present and free
// text otherwise.
func ParseTrivy(data []byte) Result {
	if res, ok := parseTrivyJSON(data); ok {
		return res
	}
	return parseTrivyText(data)
}

func parseTrivyJSON(data []byte) (Result, bool) {
	var res Result
	start := bytes.IndexByte(data, '{')
	if start < 0 {
		return res, false
	}
	var rep trivyReport
	// trailing log lines after the document are tolerated
	if err := json.NewDecoder(bytes.NewReader(data[start:])).Decode(&rep); err != nil {
		return res, false
	}
	for _, r := range rep.Results {
		for _, v := range r.Vulnerabilities {
			if v.VulnerabilityID == "" {
				res.anomaly(fmt.Sprintf("vulnerability without id in %s", r.Target))
				continue
			}
			msg := fmt.Sprintf("%s in %s %s", v.VulnerabilityID, v.PkgName, v.InstalledVersion)
			if v.FixedVersion != "" {
				msg += fmt.Sprintf(" (fixed in %s)", v.FixedVersion)
			}
			if v.Title != "" {
				msg += ": " + v.Title
			}
			res.add(engine.ParseSeverity(v.Severity), "vulnerability", msg)
		}
	}
	return res, true
}

func parseTrivyText(data []byte) Result {
	var res Result
	for _, line := range lines(data) {
		if trivyTotal.MatchString(line) {
			continue
		}
		for _, m := range trivySeverity.FindAllString(line, -1) {
			res.add(engine.ParseSeverity(m), "vulnerability", strings.TrimSpace(line))
		}
	}
	return res
}

var nmapState = regexp.MustCompile(`\b(open|closed|filtered)\b`)

// ParseNmap parses nmap output, XML (-oX) when present and normal text
// otherwise. Every port state becomes an Info finding.
func ParseNmap(data []byte) Result {
	if res, ok := parseNmapXML(data); ok {
		return res
	}
	var res Result
	for _, line := range lines(data) {
		if nmapState.MatchString(line) {
			res.add(engine.SeverityInfo, "port-state", strings.Join(strings.Fields(line), " "))
		}
	}
	return res
}

func parseNmapXML(data []byte) (Result, bool) {
	var res Result
	start := bytes.Index(data, []byte("<nmaprun"))
	if start < 0 {
		return res, false
	}
	var run nmap.Run
	if err := xml.Unmarshal(data[start:], &run); err != nil {
		return res, false
	}
	for _, host := range run.Hosts {
		addr := ""
		for _, a := range host.Addresses {
			if a.AddrType == "ipv4" || addr == "" {
				addr = a.Addr
			}
		}
		for _, p := range host.Ports {
			msg := fmt.Sprintf("%s %d/%s %s", addr, p.ID, p.Protocol, p.State.State)
			if svc := strings.TrimSpace(strings.Join([]string{p.Service.Name, p.Service.Product, p.Service.Version}, " ")); svc != "" {
				msg += " " + svc
			}
			res.add(engine.SeverityInfo, "port-state", strings.TrimSpace(msg))
		}
	}
	return res, true
}

type zapAlerts struct {
	Alerts []struct {
		Alert      string `json:"alert"`
		Name       string `json:"name"`
		Risk       string `json:"risk"`
		URL        string `json:"url"`
		Param      string `json:"param"`
		CWEID      string `json:"cweid"`
		Confidence string `json:"confidence"`
	} `json:"alerts"`
}

// ParseZapAlerts reads the alert list of the ZAP core API
func ParseZapAlerts(data []byte) Result {
	var res Result
	var doc zapAlerts
	if err := json.Unmarshal(bytes.TrimSpace(data), &doc); err != nil {
		if len(bytes.TrimSpace(data)) > 0 {
			res.anomaly(fmt.Sprintf("alerts document: %v", err))
		}
		return res
	}
	for _, a := range doc.Alerts {
		name := a.Alert
		if name == "" {
			name = a.Name
		}
		if name == "" {
			res.anomaly("alert without a name at " + a.URL)
			continue
		}
		msg := name
		if a.URL != "" {
			msg = fmt.Sprintf("%s at %s", name, a.URL)
		}
		if a.Param != "" {
			msg += fmt.Sprintf(" (param %s)", a.Param)
		}
		res.add(engine.ParseSeverity(a.Risk), "web-alert", msg)
	}
	return res
}
