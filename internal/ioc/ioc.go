// Package ioc extracts indicators of compromise from free-form text. The
// router and the playbooks share this one extractor so a value classifies
// the same way everywhere.
package ioc

import (
	"regexp"
	"strconv"
	"strings"
)

// Indicator types.
const (
	TypeIP     = "ip"
	TypeDomain = "domain"
	TypeHash   = "hash"
	TypeURL    = "url"
)

// IOC is one extracted indicator.
type IOC struct {
	Value string `json:"value"`
	Type  string `json:"type"`
}

var (
	urlRe    = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)
	sha256Re = regexp.MustCompile(`(?i)\b[a-f0-9]{64}\b`)
	sha1Re   = regexp.MustCompile(`(?i)\b[a-f0-9]{40}\b`)
	md5Re    = regexp.MustCompile(`(?i)\b[a-f0-9]{32}\b`)
	ipRe     = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	// TLD allow-list keeps prose like "e.g." and filenames out.
	domainRe = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+(?:com|net|org|io|co|info|biz|xyz)\b`)
	hostRe   = regexp.MustCompile(`(?i)^https?://([^/:?#]+)`)
)

const urlTrailingPunct = `.,;:!?)"'>]}`

// Extractor finds and classifies IOCs. Company domains given at construction
// are suppressed: the bot should never flag its own infrastructure.
type Extractor struct {
	companyDomains []string
}

// New builds an Extractor. companyDomains are matched case-insensitively as
// exact names or parent domains of the candidate.
func New(companyDomains ...string) *Extractor {
	e := &Extractor{companyDomains: make([]string, 0, len(companyDomains))}
	for _, d := range companyDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			e.companyDomains = append(e.companyDomains, d)
		}
	}
	return e
}

// Detect returns the highest-precedence IOC in the text: URL over hash over
// IP over domain, first occurrence within a class. The second return is
// false when nothing qualifies.
func (e *Extractor) Detect(text string) (IOC, bool) {
	all := e.ExtractAll(text)
	if len(all) == 0 {
		return IOC{}, false
	}
	return all[0], true
}

// ExtractAll returns every qualifying IOC, deduplicated, ordered by class
// precedence and then by position. Private and loopback IPv4, company
// domains, and anything inside an already-claimed URL span are dropped.
//
// TODO: refang defanged indicators (hxxp://, [.]) before matching once the
// intake ticket formats settle.
func (e *Extractor) ExtractAll(text string) []IOC {
	var out []IOC
	var claimed [][2]int
	seen := make(map[string]bool)

	add := func(value, typ string, lo, hi int) {
		claimed = append(claimed, [2]int{lo, hi})
		key := typ + ":" + strings.ToLower(value)
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, IOC{Value: value, Type: typ})
	}

	for _, m := range urlRe.FindAllStringIndex(text, -1) {
		v := strings.TrimRight(text[m[0]:m[1]], urlTrailingPunct)
		if e.isCompanyDomain(urlHost(v)) {
			claimed = append(claimed, [2]int{m[0], m[0] + len(v)})
			continue
		}
		add(v, TypeURL, m[0], m[0]+len(v))
	}
	for _, re := range []*regexp.Regexp{sha256Re, sha1Re, md5Re} {
		for _, m := range re.FindAllStringIndex(text, -1) {
			if overlaps(claimed, m[0], m[1]) {
				continue
			}
			add(text[m[0]:m[1]], TypeHash, m[0], m[1])
		}
	}
	for _, m := range ipRe.FindAllStringIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		v := text[m[0]:m[1]]
		if !validOctets(v) || isExcludedIP(v) {
			continue
		}
		add(v, TypeIP, m[0], m[1])
	}
	for _, m := range domainRe.FindAllStringIndex(text, -1) {
		if overlaps(claimed, m[0], m[1]) {
			continue
		}
		v := strings.ToLower(text[m[0]:m[1]])
		if e.isCompanyDomain(v) {
			continue
		}
		add(v, TypeDomain, m[0], m[1])
	}
	return out
}

func (e *Extractor) isCompanyDomain(d string) bool {
	if d == "" {
		return false
	}
	d = strings.ToLower(d)
	for _, c := range e.companyDomains {
		if d == c || strings.HasSuffix(d, "."+c) {
			return true
		}
	}
	return false
}

func urlHost(rawURL string) string {
	m := hostRe.FindStringSubmatch(rawURL)
	if m == nil {
		return ""
	}
	host := m[1]
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func overlaps(claimed [][2]int, lo, hi int) bool {
	for _, c := range claimed {
		if lo < c[1] && hi > c[0] {
			return true
		}
	}
	return false
}

func validOctets(ip string) bool {
	for _, p := range strings.Split(ip, ".") {
		n, err := strconv.Atoi(p)
		if err != nil || n > 255 {
			return false
		}
	}
	return true
}

// isExcludedIP drops RFC 1918 and loopback ranges. 172.15.x.x and 172.32.x.x
// sit outside the 172.16/12 block and stay in.
func isExcludedIP(ip string) bool {
	parts := strings.Split(ip, ".")
	a, _ := strconv.Atoi(parts[0])
	b, _ := strconv.Atoi(parts[1])
	switch {
	case a == 10 || a == 127:
		return true
	case a == 172 && b >= 16 && b <= 31:
		return true
	case a == 192 && b == 168:
		return true
	}
	return false
}
