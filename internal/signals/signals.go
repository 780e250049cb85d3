// Package signals parses evidence out of free-form security-tool output.
//
// The upstream tools return formatted text, not structured payloads. Every
// heuristic that pulls a hostname, a risk marker, or a ticket ID out of that
// text lives here so playbook nodes never do their own string matching and
// the heuristics can change in one place.
package signals

import (
	"regexp"
	"strconv"
	"strings"
)

// NotAvailable is the canonical placeholder for a field the tool output did
// not carry. Playbooks branch on it, so it must never vary in spelling.
const NotAvailable = "N/A"

var (
	hostnameRe = regexp.MustCompile(`(?i)hostname\s*:\s*([^\n\r]+)`)
	usernameRe = regexp.MustCompile(`(?i)username\s*:\s*([^\n\r]+)`)
	deviceIDRe = regexp.MustCompile(`(?i)device\s*id\s*:\s*([^\n\r]+)`)

	highRe     = regexp.MustCompile(`(?i)\b(?:malicious|high(?:\s+risk)?)\b`)
	mediumRe   = regexp.MustCompile(`(?i)\b(?:suspicious|medium)\b`)
	vulnRe     = regexp.MustCompile(`(?i)(?:\bCVE-\d{4}-\d+\b|\bvulnerab\w*|\bvulns?\b)`)
	criticalRe = regexp.MustCompile(`(?i)\b(?:critical|high)\b`)

	rfScoreRe    = regexp.MustCompile(`Risk Score:\s*(\d+)/99`)
	ticketWordRe = regexp.MustCompile(`(?i)\bticket\s*#?\s*(\d+)\b`)
	ticketHashRe = regexp.MustCompile(`#(\d{6,})\b`)
)

// ExtractHostname returns the value after a "Hostname:" label, or
// NotAvailable when the label is missing or empty.
func ExtractHostname(text string) string { return labelValue(hostnameRe, text) }

// ExtractUsername returns the value after a "Username:" label, or
// NotAvailable when the label is missing or empty.
func ExtractUsername(text string) string { return labelValue(usernameRe, text) }

// ExtractDeviceID returns the value after a "Device ID:" label, or
// NotAvailable when the label is missing or empty.
func ExtractDeviceID(text string) string { return labelValue(deviceIDRe, text) }

func labelValue(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return NotAvailable
	}
	v := strings.Trim(m[1], " \t*`,")
	if v == "" || strings.EqualFold(v, NotAvailable) {
		return NotAvailable
	}
	return v
}

// HasHighRisk reports whether the text carries a high-severity verdict
// marker (MALICIOUS, HIGH, HIGH RISK). Word-bounded, so "highway" does not
// trip it.
func HasHighRisk(text string) bool { return highRe.MatchString(text) }

// HasMediumRisk reports a medium-severity marker (SUSPICIOUS, MEDIUM).
func HasMediumRisk(text string) bool { return mediumRe.MatchString(text) }

// HasVulns reports whether the text names vulnerabilities (CVE identifiers
// or vuln words). Common negated phrasings are checked first so "no known
// vulnerabilities" stays quiet.
func HasVulns(text string) bool {
	low := strings.ToLower(text)
	if strings.Contains(low, "no known vulnerabilities") || strings.Contains(low, "no vulnerabilities") {
		return false
	}
	return vulnRe.MatchString(text)
}

// HasCritical reports a critical- or high-severity detection marker.
func HasCritical(text string) bool { return criticalRe.MatchString(text) }

// HasDetections reports whether detection output describes at least one
// detection, treating placeholders and "none found" phrasings as empty.
func HasDetections(text string) bool {
	return hasContent(text, "no detections", "no recent detections", "0 detections", "no results")
}

// HasEvents reports whether SIEM output describes at least one event.
func HasEvents(text string) bool {
	return hasContent(text, "no events", "no matching events", "0 events", "no results")
}

func hasContent(text string, nonePhrases ...string) bool {
	t := strings.TrimSpace(text)
	if t == "" || t == NotAvailable {
		return false
	}
	low := strings.ToLower(t)
	for _, p := range nonePhrases {
		if strings.Contains(low, p) {
			return false
		}
	}
	return true
}

// RecordedFutureScore parses the numeric score out of a "Risk Score: N/99"
// marker. The second return is false when the marker is absent.
func RecordedFutureScore(text string) (int, bool) {
	m := rfScoreRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseTicketID finds a ticket reference: "ticket 123" / "ticket #123" in
// any casing, or a bare "#123456" with six or more digits. Returns the
// digits only.
func ParseTicketID(text string) (string, bool) {
	if m := ticketWordRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	if m := ticketHashRe.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	return "", false
}
