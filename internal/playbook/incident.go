package playbook

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/internal/signals"
)

// enrichLimit caps VirusTotal enrichment per incident. Tickets routinely
// carry dozens of indicators; the first few carry the verdict.
const enrichLimit = 5

var severityActions = map[string][]string{
	riskHigh: {
		"Isolate affected host via EDR",
		"Reset credentials for the affected user",
		"Escalate to the incident commander",
	},
	riskMedium: {
		"Monitor host for further activity",
		"Review SIEM events for lateral movement",
	},
	riskLow: {
		"Close ticket after verification",
		"No containment action required",
	},
}

var postBackRe = regexp.MustCompile(`\b(?:post|write|update)\b`)

func (p *Playbooks) buildIncident() (*aegis.Workflow, error) {
	hostArgs := func(h string) map[string]any { return map[string]any{"hostname": h} }
	queryArgs := func(h string) map[string]any { return map[string]any{"query": h} }

	nodes := []struct {
		name string
		fn   aegis.NodeFunc
	}{
		{"fetch_ticket", p.fetchTicket},
		{"extract_iocs", p.extractIOCs},
		{"check_edr_containment", p.hostScoped("check_edr_containment", toolEDRContainment, KeyContainment, hostArgs)},
		{"check_edr_detections", p.hostScoped("check_edr_detections", toolEDRDetections, KeyDetections, hostArgs)},
		{"search_siem", p.hostScoped("search_siem", toolQRadarSearch, KeySIEMEvents, queryArgs)},
		{"enrich_iocs", p.enrichIOCs},
		{"synthesize_findings", p.synthesizeFindings},
		{"generate_summary", p.generateIncidentSummary},
		{"optional_post_back", p.optionalPostBack},
	}

	b := aegis.NewWorkflow("incident_response", aegis.WorkflowLogger(p.logger)).
		Accumulate(KeySkipped)
	for _, n := range nodes {
		b.AddNode(n.name, n.fn)
	}
	b.SetEntry(nodes[0].name)
	for i := 0; i+1 < len(nodes); i++ {
		b.AddEdge(nodes[i].name, nodes[i+1].name)
	}
	b.AddEdge(nodes[len(nodes)-1].name, aegis.End)

	return b.Compile()
}

// ticketRef returns the ticket ID from state, falling back to re-parsing
// the original query.
func (p *Playbooks) ticketRef(s aegis.State) string {
	if id := s.String(KeyTicketID); id != "" {
		return id
	}
	if id, ok := signals.ParseTicketID(s.String(KeyQuery)); ok {
		return id
	}
	return ""
}

// fetchTicket pulls the ticket and parses the host fields out of its text.
// Absent fields become "N/A" so later nodes can branch on them.
func (p *Playbooks) fetchTicket(ctx context.Context, s aegis.State) (aegis.Delta, error) {
	id := p.ticketRef(s)
	if id == "" {
		return nil, errors.New("no ticket reference in the request")
	}
	text, err := p.call(ctx, toolTipper, map[string]any{"ticket_id": id})
	if err != nil {
		return nil, err
	}
	return aegis.Delta{
		KeyTicketID:   id,
		KeyTicketText: text,
		KeyHostname:   signals.ExtractHostname(text),
		KeyUsername:   signals.ExtractUsername(text),
		KeyDeviceID:   signals.ExtractDeviceID(text),
	}, nil
}

func (p *Playbooks) extractIOCs(_ context.Context, s aegis.State) (aegis.Delta, error) {
	found := p.iocs.ExtractAll(s.String(KeyTicketText))
	values := make([]string, 0, len(found))
	types := make(map[string]string, len(found))
	for _, i := range found {
		values = append(values, i.Value)
		types[i.Value] = i.Type
	}
	return aegis.Delta{KeyIOCs: values, KeyIOCTypes: types}, nil
}

// hostScoped wraps a node that only makes sense with a hostname. Without
// one it records "N/A", notes itself under skipped_steps, and leaves the
// tool alone.
func (p *Playbooks) hostScoped(node, tool, key string, args func(hostname string) map[string]any) aegis.NodeFunc {
	return func(ctx context.Context, s aegis.State) (aegis.Delta, error) {
		host := s.String(KeyHostname)
		if host == "" || host == signals.NotAvailable {
			return aegis.Delta{key: signals.NotAvailable, KeySkipped: node}, nil
		}
		text, err := p.call(ctx, tool, args(host))
		if err != nil {
			return nil, err
		}
		return aegis.Delta{key: text}, nil
	}
}

// enrichIOCs looks up the first enrichLimit external indicators. A failed
// lookup is recorded against its indicator and never aborts the pass.
func (p *Playbooks) enrichIOCs(ctx context.Context, s aegis.State) (aegis.Delta, error) {
	values := s.Strings(KeyIOCs)
	if len(values) == 0 {
		return nil, nil
	}
	if len(values) > enrichLimit {
		values = values[:enrichLimit]
	}
	types := s.StringMap(KeyIOCTypes)
	enriched := make(map[string]string, len(values))
	for _, v := range values {
		text, err := p.call(ctx, toolVirusTotal, map[string]any{"ioc": v, "type": types[v]})
		if err != nil {
			enriched[v] = "error: " + err.Error()
			continue
		}
		enriched[v] = text
	}
	return aegis.Delta{KeyEnrichment: enriched}, nil
}

// synthesizeFindings derives the severity band: HIGH on a malicious
// indicator or a critical/high detection, MEDIUM on any detections or SIEM
// events, LOW otherwise.
func (p *Playbooks) synthesizeFindings(_ context.Context, s aegis.State) (aegis.Delta, error) {
	malicious := false
	for _, text := range s.StringMap(KeyEnrichment) {
		if strings.HasPrefix(text, "error:") {
			continue
		}
		if signals.HasHighRisk(text) {
			malicious = true
			break
		}
	}

	detections := s.String(KeyDetections)
	hasDetections := signals.HasDetections(detections)
	hasEvents := signals.HasEvents(s.String(KeySIEMEvents))

	severity := riskLow
	switch {
	case malicious || (hasDetections && signals.HasCritical(detections)):
		severity = riskHigh
	case hasDetections || hasEvents:
		severity = riskMedium
	}

	return aegis.Delta{KeySeverity: severity, KeyActions: severityActions[severity]}, nil
}

// generateIncidentSummary renders the executive summary. Sections whose
// inputs are "N/A" are left out entirely; no timestamps appear in the body.
func (p *Playbooks) generateIncidentSummary(_ context.Context, s aegis.State) (aegis.Delta, error) {
	var b strings.Builder

	b.WriteString("# Incident Response Summary\n\n")
	b.WriteString("## Ticket\n")
	fmt.Fprintf(&b, "- ID: #%s\n", orNA(s.String(KeyTicketID)))
	writeField(&b, "Hostname", s.String(KeyHostname))
	writeField(&b, "Username", s.String(KeyUsername))
	writeField(&b, "Device ID", s.String(KeyDeviceID))

	fmt.Fprintf(&b, "\n## Severity\n- Level: %s\n", orNA(s.String(KeySeverity)))

	writeSection(&b, "Endpoint Containment", s.String(KeyContainment))
	writeSection(&b, "Endpoint Detections", s.String(KeyDetections))
	writeSection(&b, "SIEM Events", s.String(KeySIEMEvents))

	iocs := s.Strings(KeyIOCs)
	if len(iocs) > 0 {
		types := s.StringMap(KeyIOCTypes)
		b.WriteString("\n## Indicators\n")
		for _, v := range iocs {
			fmt.Fprintf(&b, "- `%s` (%s)\n", v, types[v])
		}
	}

	if enrichment := s.StringMap(KeyEnrichment); len(enrichment) > 0 {
		b.WriteString("\n## Enrichment\n")
		// Walk the indicator list, not the map, so reruns render identically.
		for _, v := range iocs {
			if text, ok := enrichment[v]; ok {
				fmt.Fprintf(&b, "- `%s`: %s\n", v, text)
			}
		}
	}

	b.WriteString("\n## Recommended Actions\n")
	for i, a := range s.Strings(KeyActions) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}

	if skipped := dedupe(s.Strings(KeySkipped)); len(skipped) > 0 {
		b.WriteString("\n## Skipped Steps\n")
		for _, step := range skipped {
			fmt.Fprintf(&b, "- %s\n", step)
		}
	}

	if errs := dedupe(s.Strings(KeyErrors)); len(errs) > 0 {
		b.WriteString("\n## Errors\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	return aegis.Delta{KeyReport: b.String()}, nil
}

// optionalPostBack appends the summary to the ticket, but only when the
// analyst asked for it ("post", "write", or "update" in the request).
func (p *Playbooks) optionalPostBack(ctx context.Context, s aegis.State) (aegis.Delta, error) {
	if !postBackRe.MatchString(strings.ToLower(s.String(KeyQuery))) {
		return nil, nil
	}
	id := p.ticketRef(s)
	if id == "" {
		return nil, nil
	}
	text, err := p.call(ctx, toolTicketComment, map[string]any{
		"ticket_id": id,
		"comment":   s.String(KeyReport),
	})
	if err != nil {
		return nil, err
	}
	return aegis.Delta{KeyPostBack: text}, nil
}

func writeField(b *strings.Builder, label, v string) {
	if v == "" || v == signals.NotAvailable {
		return
	}
	fmt.Fprintf(b, "- %s: %s\n", label, v)
}

func writeSection(b *strings.Builder, heading, v string) {
	if v == "" || v == signals.NotAvailable {
		return
	}
	fmt.Fprintf(b, "\n## %s\n%s\n", heading, v)
}
