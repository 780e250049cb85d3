// Package playbook builds the investigation workflows the bot can run:
// single-IOC enrichment and full incident response. Nodes call their tools
// through Recovery and read the returned text via the signals package, so
// the graphs stay free of retry loops and string matching.
package playbook

import (
	"context"
	"log/slog"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/internal/ioc"
)

// State keys shared with callers. The dispatcher seeds KeyQuery and reads
// KeyReport; tests inspect the rest.
const (
	KeyQuery    = "query"
	KeyIOCValue = "ioc_value"
	KeyIOCType  = "ioc_type"

	KeyVirusTotal     = "result_virustotal"
	KeyAbuseIPDB      = "result_abuseipdb"
	KeyShodan         = "result_shodan"
	KeyRecordedFuture = "result_recorded_future"
	KeyQRadar         = "result_qradar"

	KeyRiskScore   = "risk_score"
	KeyRiskLevel   = "risk_level"
	KeyRiskFactors = "risk_factors"
	KeyActions     = "recommended_actions"
	KeyErrors      = "errors"
	KeyReport      = "final_report"

	KeyTicketID    = "ticket_id"
	KeyTicketText  = "ticket_text"
	KeyHostname    = "hostname"
	KeyUsername    = "username"
	KeyDeviceID    = "device_id"
	KeyIOCs        = "iocs"
	KeyIOCTypes    = "ioc_types"
	KeyContainment = "containment"
	KeyDetections  = "detections"
	KeySIEMEvents  = "siem_events"
	KeyEnrichment  = "enrichment"
	KeySkipped     = "skipped_steps"
	KeySeverity    = "severity"
	KeyPostBack    = "post_back_result"
)

// Tool names the playbooks invoke. The registry wired at startup must carry
// tools under these names.
const (
	toolVirusTotal     = "virustotal"
	toolAbuseIPDB      = "abuseipdb"
	toolShodan         = "shodan"
	toolRecordedFuture = "recorded_future"
	toolQRadarSearch   = "qradar_search"
	toolTipper         = "tipper"
	toolEDRContainment = "edr_containment"
	toolEDRDetections  = "edr_detections"
	toolTicketComment  = "ticket_comment"
)

// Playbooks holds the two compiled workflows and their dependencies.
type Playbooks struct {
	tools    *aegis.Registry
	recovery *aegis.Recovery
	iocs     *ioc.Extractor
	logger   *slog.Logger

	investigation *aegis.Workflow
	incident      *aegis.Workflow
}

// Option configures Playbooks.
type Option func(*Playbooks)

// WithLogger sets the structured logger. Default: no output.
func WithLogger(l *slog.Logger) Option {
	return func(p *Playbooks) { p.logger = l }
}

// New compiles both workflows. A compile error is a programming error in
// the graph definitions and fails startup.
func New(tools *aegis.Registry, recovery *aegis.Recovery, iocs *ioc.Extractor, opts ...Option) (*Playbooks, error) {
	p := &Playbooks{tools: tools, recovery: recovery, iocs: iocs, logger: aegis.NopLogger()}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	if p.investigation, err = p.buildInvestigation(); err != nil {
		return nil, err
	}
	if p.incident, err = p.buildIncident(); err != nil {
		return nil, err
	}
	return p, nil
}

// Investigate runs the IOC investigation over a free-form query and returns
// the final state; the report is under KeyReport.
func (p *Playbooks) Investigate(ctx context.Context, query string) (aegis.State, error) {
	return p.investigation.Run(ctx, aegis.State{KeyQuery: query})
}

// RespondToIncident runs the incident response workflow; the ticket ID is
// parsed out of the query by the first node.
func (p *Playbooks) RespondToIncident(ctx context.Context, query string) (aegis.State, error) {
	return p.incident.Run(ctx, aegis.State{KeyQuery: query})
}

// call resolves a tool and invokes it through the recovery policy for its
// class. Only the rendered text travels back into workflow state.
func (p *Playbooks) call(ctx context.Context, name string, args map[string]any) (string, error) {
	t, err := p.tools.Get(name)
	if err != nil {
		return "", err
	}
	return p.recovery.Run(ctx, t.Class(), func(ctx context.Context) (string, error) {
		out, err := t.Invoke(ctx, args)
		if err != nil {
			return "", err
		}
		return out.Text, nil
	})
}
