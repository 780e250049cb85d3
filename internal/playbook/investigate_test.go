package playbook

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/internal/ioc"
)

type stubTool struct {
	name  string
	class string
	calls int
	fn    func(args map[string]any) (string, error)
}

func (t *stubTool) Name() string                 { return t.name }
func (t *stubTool) Description() string          { return t.name + " stub" }
func (t *stubTool) InputSchema() json.RawMessage { return nil }
func (t *stubTool) Class() string                { return t.class }

func (t *stubTool) Invoke(_ context.Context, args map[string]any) (aegis.ToolOutput, error) {
	t.calls++
	text, err := t.fn(args)
	return aegis.ToolOutput{Text: text}, err
}

func staticTool(name, class, text string) *stubTool {
	return &stubTool{name: name, class: class, fn: func(map[string]any) (string, error) {
		return text, nil
	}}
}

// fastRecovery keeps the retry counts but drops the delays so failing-tool
// tests finish instantly.
func fastRecovery() *aegis.Recovery {
	instant := aegis.Policy{MaxRetries: 2, InitialDelay: 0, BackoffFactor: 1, Timeout: time.Second}
	return aegis.NewRecovery(
		aegis.RecoveryPolicy(aegis.ClassDefault, instant),
		aegis.RecoveryPolicy(aegis.ClassEDR, instant),
		aegis.RecoveryPolicy(aegis.ClassSIEM, instant),
	)
}

const (
	cleanVT     = "0 of 94 engines flagged this indicator."
	cleanAbuse  = "Abuse confidence 0%. 0 reports in the last 90 days."
	cleanShodan = "Open ports: 53. No known vulnerabilities."
	cleanRF     = "No intelligence card for this indicator."
)

type investigateFixture struct {
	vt, abuse, shodan, rf, qradar *stubTool
	p                             *Playbooks
}

func newInvestigateFixture(t *testing.T, vtText, abuseText, shodanText, rfText string) *investigateFixture {
	t.Helper()
	f := &investigateFixture{
		vt:     staticTool("virustotal", aegis.ClassDefault, vtText),
		abuse:  staticTool("abuseipdb", aegis.ClassDefault, abuseText),
		shodan: staticTool("shodan", aegis.ClassDefault, shodanText),
		rf:     staticTool("recorded_future", aegis.ClassDefault, rfText),
		qradar: staticTool("qradar_search", aegis.ClassSIEM, "No offenses correlated with the indicator."),
	}
	reg := aegis.NewRegistry()
	for _, tool := range []*stubTool{f.vt, f.abuse, f.shodan, f.rf, f.qradar} {
		reg.Register(tool)
	}
	if err := reg.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	p, err := New(reg, fastRecovery(), ioc.New("acme.com"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.p = p
	return f
}

func TestInvestigateBenign(t *testing.T) {
	f := newInvestigateFixture(t, cleanVT, cleanAbuse, cleanShodan, cleanRF)

	state, err := f.p.Investigate(context.Background(), "workflow investigate 8.8.8.8")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	if got := state.Int(KeyRiskScore); got != 0 {
		t.Errorf("risk score = %d, want 0", got)
	}
	if got := state.String(KeyRiskLevel); got != "LOW" {
		t.Errorf("risk level = %q, want LOW", got)
	}
	if f.qradar.calls != 0 {
		t.Errorf("qradar called %d times on a benign indicator", f.qradar.calls)
	}
	for _, tool := range []*stubTool{f.vt, f.abuse, f.shodan, f.rf} {
		if tool.calls != 1 {
			t.Errorf("%s called %d times, want 1", tool.name, tool.calls)
		}
	}
	report := state.String(KeyReport)
	if !strings.Contains(report, "No immediate action required") {
		t.Errorf("LOW report missing the no-action line:\n%s", report)
	}
	if !strings.Contains(report, "- None identified") {
		t.Errorf("benign report should list no risk factors:\n%s", report)
	}
}

func TestInvestigateMalicious(t *testing.T) {
	f := newInvestigateFixture(t, "Threat Level: HIGH MALICIOUS", cleanAbuse, cleanShodan, "Risk Score: 80/99")

	state, err := f.p.Investigate(context.Background(), "workflow investigate 185.220.101.1")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	if got := state.Int(KeyRiskScore); got != 56 {
		t.Errorf("risk score = %d, want 56 (30 VT + 26 RF)", got)
	}
	if got := state.String(KeyRiskLevel); got != "HIGH" {
		t.Errorf("risk level = %q, want HIGH", got)
	}
	if f.qradar.calls != 1 {
		t.Errorf("qradar called %d times, want 1", f.qradar.calls)
	}
	actions := state.Strings(KeyActions)
	if len(actions) == 0 || actions[0] != "IMMEDIATE: Block IOC at perimeter" {
		t.Errorf("HIGH actions = %v", actions)
	}
	factors := state.Strings(KeyRiskFactors)
	wantFactors := []string{"VirusTotal: malicious verdict", "Recorded Future: risk score 80/99"}
	for _, w := range wantFactors {
		found := false
		for _, got := range factors {
			if got == w {
				found = true
			}
		}
		if !found {
			t.Errorf("risk factors %v missing %q", factors, w)
		}
	}
	if !strings.Contains(state.String(KeyReport), "## SIEM Correlation") {
		t.Error("HIGH report missing the SIEM section")
	}
}

func TestInvestigateScoreClamped(t *testing.T) {
	f := newInvestigateFixture(t,
		"Threat Level: HIGH MALICIOUS",
		"Abuse confidence 100%. Reported as malicious by 500 sources.",
		"Vulnerabilities: CVE-2021-44228. High risk exposure on 445, 3389.",
		"Risk Score: 99/99",
	)

	state, err := f.p.Investigate(context.Background(), "workflow investigate 185.220.101.1")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	// 30 + 25 + 25 + 30 sums past the ceiling.
	if got := state.Int(KeyRiskScore); got != 100 {
		t.Errorf("risk score = %d, want 100", got)
	}
	if got := state.String(KeyRiskLevel); got != "HIGH" {
		t.Errorf("risk level = %q, want HIGH", got)
	}
}

func TestInvestigateDomainSkipsIPOnlySources(t *testing.T) {
	f := newInvestigateFixture(t, cleanVT, cleanAbuse, cleanShodan, cleanRF)

	state, err := f.p.Investigate(context.Background(), "workflow investigate files.evil-cdn.net")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	if f.abuse.calls != 0 || f.shodan.calls != 0 {
		t.Errorf("ip-only sources called for a domain: abuse=%d shodan=%d", f.abuse.calls, f.shodan.calls)
	}
	if got := state.String(KeyAbuseIPDB); got != "N/A" {
		t.Errorf("abuseipdb result = %q, want N/A", got)
	}
	if got := state.String(KeyShodan); got != "N/A" {
		t.Errorf("shodan result = %q, want N/A", got)
	}
	if f.vt.calls != 1 || f.rf.calls != 1 {
		t.Errorf("type-agnostic sources skipped: vt=%d rf=%d", f.vt.calls, f.rf.calls)
	}
}

func TestInvestigateNoIndicator(t *testing.T) {
	f := newInvestigateFixture(t, cleanVT, cleanAbuse, cleanShodan, cleanRF)

	state, err := f.p.Investigate(context.Background(), "workflow investigate please")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	errs := state.Strings(KeyErrors)
	if len(errs) != 1 || !strings.HasPrefix(errs[0], "detect_type:") {
		t.Errorf("errors = %v, want one detect_type entry", errs)
	}
	if f.vt.calls != 0 {
		t.Errorf("lookups ran without an indicator: vt=%d", f.vt.calls)
	}
	if !strings.Contains(state.String(KeyReport), "## Investigation Errors") {
		t.Error("report missing the errors section")
	}
}

func TestInvestigateToolFailureRecorded(t *testing.T) {
	f := newInvestigateFixture(t, cleanVT, cleanAbuse, cleanShodan, cleanRF)
	f.shodan.fn = func(map[string]any) (string, error) {
		return "", errors.New("shodan quota exceeded")
	}

	state, err := f.p.Investigate(context.Background(), "workflow investigate 185.220.101.1")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}
	if f.shodan.calls != 3 {
		t.Errorf("shodan attempts = %d, want 3 (1 + 2 retries)", f.shodan.calls)
	}
	errs := state.Strings(KeyErrors)
	if len(errs) != 1 || !strings.Contains(errs[0], "lookup_shodan: shodan quota exceeded") {
		t.Errorf("errors = %v", errs)
	}
	if got := state.String(KeyRiskLevel); got != "LOW" {
		t.Errorf("risk level = %q, want LOW from the remaining clean sources", got)
	}
}

func TestInvestigateDeterministicReport(t *testing.T) {
	run := func() string {
		f := newInvestigateFixture(t, "Threat Level: HIGH MALICIOUS", cleanAbuse, cleanShodan, "Risk Score: 80/99")
		state, err := f.p.Investigate(context.Background(), "workflow investigate 185.220.101.1")
		if err != nil {
			t.Fatalf("Investigate: %v", err)
		}
		return state.String(KeyReport)
	}
	if first, second := run(), run(); first != second {
		t.Errorf("reports differ between identical runs:\n%s\n---\n%s", first, second)
	}
}
