package playbook

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/internal/ioc"
	"github.com/kelvaris/aegis/internal/signals"
)

// Risk bands.
const (
	riskHigh   = "HIGH"
	riskMedium = "MEDIUM"
	riskLow    = "LOW"

	highThreshold   = 50
	mediumThreshold = 25
)

var riskActions = map[string][]string{
	riskHigh: {
		"IMMEDIATE: Block IOC at perimeter",
		"Search environment for related activity",
		"Open an incident ticket and page on-call",
		"Preserve forensic evidence from affected systems",
	},
	riskMedium: {
		"Add IOC to watchlist",
		"Review recent logs for the indicator",
		"Consider temporary block pending analyst review",
	},
	riskLow: {
		"No immediate action required",
		"Document lookup results for future reference",
	},
}

// intelSource is one lookup node: the tool it calls, the state key it
// fills, and the risk factors its text contributes.
type intelSource struct {
	node    string
	label   string
	tool    string
	key     string
	ipOnly  bool
	factors func(text string) []string
}

func intelSources() []intelSource {
	return []intelSource{
		{
			node: "lookup_virustotal", label: "VirusTotal",
			tool: toolVirusTotal, key: KeyVirusTotal,
			factors: func(text string) []string {
				switch {
				case signals.HasHighRisk(text):
					return []string{"VirusTotal: malicious verdict"}
				case signals.HasMediumRisk(text):
					return []string{"VirusTotal: suspicious verdict"}
				}
				return nil
			},
		},
		{
			node: "lookup_abuseipdb", label: "AbuseIPDB",
			tool: toolAbuseIPDB, key: KeyAbuseIPDB, ipOnly: true,
			factors: func(text string) []string {
				switch {
				case signals.HasHighRisk(text):
					return []string{"AbuseIPDB: high abuse confidence"}
				case signals.HasMediumRisk(text):
					return []string{"AbuseIPDB: moderate abuse confidence"}
				}
				return nil
			},
		},
		{
			node: "lookup_shodan", label: "Shodan",
			tool: toolShodan, key: KeyShodan, ipOnly: true,
			factors: func(text string) []string {
				var out []string
				if signals.HasVulns(text) {
					out = append(out, "Shodan: known vulnerabilities exposed")
				}
				if signals.HasHighRisk(text) {
					out = append(out, "Shodan: high-risk exposure")
				}
				return out
			},
		},
		{
			node: "lookup_recorded_future", label: "Recorded Future",
			tool: toolRecordedFuture, key: KeyRecordedFuture,
			factors: func(text string) []string {
				if n, ok := signals.RecordedFutureScore(text); ok && n > 0 {
					return []string{fmt.Sprintf("Recorded Future: risk score %d/99", n)}
				}
				return nil
			},
		},
	}
}

func (p *Playbooks) buildInvestigation() (*aegis.Workflow, error) {
	sources := intelSources()

	b := aegis.NewWorkflow("ioc_investigation", aegis.WorkflowLogger(p.logger)).
		Accumulate(KeyRiskFactors).
		AddNode("detect_type", p.detectType).
		SetEntry("detect_type")

	prev := "detect_type"
	for _, src := range sources {
		b.AddNode(src.node, p.lookupNode(src))
		b.AddEdge(prev, src.node)
		prev = src.node
	}

	b.AddNode("synthesize_risk", p.synthesizeRisk).
		AddEdge(prev, "synthesize_risk").
		AddNode("search_qradar", p.searchQRadar).
		AddNode("skip_qradar", skipQRadar).
		AddConditional("synthesize_risk", func(s aegis.State) string {
			if s.Int(KeyRiskScore) >= highThreshold {
				return "search_qradar"
			}
			return "skip_qradar"
		}, "search_qradar", "skip_qradar").
		AddNode("generate_report", p.generateInvestigationReport).
		AddEdge("search_qradar", "generate_report").
		AddEdge("skip_qradar", "generate_report").
		AddEdge("generate_report", aegis.End)

	return b.Compile()
}

// detectType classifies the indicator in the query. A pre-seeded value
// (router already classified) passes through untouched.
func (p *Playbooks) detectType(_ context.Context, s aegis.State) (aegis.Delta, error) {
	if s.String(KeyIOCValue) != "" && s.String(KeyIOCType) != "" {
		return nil, nil
	}
	found, ok := p.iocs.Detect(s.String(KeyQuery))
	if !ok {
		return nil, errors.New("no indicator recognised in the request")
	}
	return aegis.Delta{KeyIOCValue: found.Value, KeyIOCType: found.Type}, nil
}

// lookupNode queries one intelligence source. IP-only sources record "N/A"
// for other indicator types without touching the tool.
func (p *Playbooks) lookupNode(src intelSource) aegis.NodeFunc {
	return func(ctx context.Context, s aegis.State) (aegis.Delta, error) {
		value, typ := s.String(KeyIOCValue), s.String(KeyIOCType)
		if value == "" || (src.ipOnly && typ != ioc.TypeIP) {
			return aegis.Delta{src.key: signals.NotAvailable}, nil
		}
		text, err := p.call(ctx, src.tool, map[string]any{"ioc": value, "type": typ})
		if err != nil {
			return nil, err
		}
		delta := aegis.Delta{src.key: text}
		if factors := src.factors(text); len(factors) > 0 {
			delta[KeyRiskFactors] = factors
		}
		return delta, nil
	}
}

// synthesizeRisk adds up the per-source weights, clamps to 100, and picks
// the band and its action list.
func (p *Playbooks) synthesizeRisk(_ context.Context, s aegis.State) (aegis.Delta, error) {
	score := 0

	vt := s.String(KeyVirusTotal)
	switch {
	case signals.HasHighRisk(vt):
		score += 30
	case signals.HasMediumRisk(vt):
		score += 15
	}

	abuse := s.String(KeyAbuseIPDB)
	switch {
	case signals.HasHighRisk(abuse):
		score += 25
	case signals.HasMediumRisk(abuse):
		score += 12
	}

	shodan := s.String(KeyShodan)
	if signals.HasVulns(shodan) {
		score += 15
	}
	if signals.HasHighRisk(shodan) {
		score += 10
	}

	if n, ok := signals.RecordedFutureScore(s.String(KeyRecordedFuture)); ok {
		score += min(30, n/3)
	}

	if score > 100 {
		score = 100
	}

	level := riskLow
	switch {
	case score >= highThreshold:
		level = riskHigh
	case score >= mediumThreshold:
		level = riskMedium
	}

	return aegis.Delta{
		KeyRiskScore: score,
		KeyRiskLevel: level,
		KeyActions:   riskActions[level],
	}, nil
}

// searchQRadar correlates the indicator against SIEM history. Reached only
// when the score crossed the HIGH threshold.
func (p *Playbooks) searchQRadar(ctx context.Context, s aegis.State) (aegis.Delta, error) {
	text, err := p.call(ctx, toolQRadarSearch, map[string]any{"query": s.String(KeyIOCValue)})
	if err != nil {
		return nil, err
	}
	return aegis.Delta{KeyQRadar: text}, nil
}

func skipQRadar(_ context.Context, _ aegis.State) (aegis.Delta, error) {
	return nil, nil
}

// generateInvestigationReport renders the Markdown report. Deliberately
// free of timestamps so reruns over the same evidence are byte-identical.
func (p *Playbooks) generateInvestigationReport(_ context.Context, s aegis.State) (aegis.Delta, error) {
	var b strings.Builder

	b.WriteString("# IOC Investigation Report\n\n")
	b.WriteString("## Indicator\n")
	fmt.Fprintf(&b, "- Value: `%s`\n", orNA(s.String(KeyIOCValue)))
	fmt.Fprintf(&b, "- Type: %s\n\n", orNA(s.String(KeyIOCType)))

	b.WriteString("## Risk Assessment\n")
	fmt.Fprintf(&b, "- Score: %d/100\n", s.Int(KeyRiskScore))
	fmt.Fprintf(&b, "- Level: %s\n\n", orNA(s.String(KeyRiskLevel)))

	b.WriteString("## Intelligence Summary\n")
	for _, src := range intelSources() {
		fmt.Fprintf(&b, "### %s\n%s\n\n", src.label, orNA(s.String(src.key)))
	}

	if qr := s.String(KeyQRadar); qr != "" {
		fmt.Fprintf(&b, "## SIEM Correlation\n%s\n\n", qr)
	}

	b.WriteString("## Risk Factors\n")
	factors := dedupe(s.Strings(KeyRiskFactors))
	if len(factors) == 0 {
		b.WriteString("- None identified\n")
	}
	for _, f := range factors {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n## Recommended Actions\n")
	for i, a := range s.Strings(KeyActions) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}

	if errs := dedupe(s.Strings(KeyErrors)); len(errs) > 0 {
		b.WriteString("\n## Investigation Errors\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	return aegis.Delta{KeyReport: strings.TrimRight(b.String(), "\n") + "\n"}, nil
}

func orNA(v string) string {
	if v == "" {
		return signals.NotAvailable
	}
	return v
}

// dedupe drops repeats while keeping first-seen order.
func dedupe(in []string) []string {
	if len(in) < 2 {
		return in
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
