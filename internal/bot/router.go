// Package bot routes chat messages to handlers: fixed commands, the two
// investigation workflows, session management, and the free-form LLM path.
// The Router only classifies; the Dispatcher owns side effects; the
// ChatAdapter bridges the transport.
package bot

import (
	"regexp"
	"strings"

	"github.com/kelvaris/aegis/internal/ioc"
	"github.com/kelvaris/aegis/internal/signals"
)

// RouteKind names the handler a message is sent to.
type RouteKind int

const (
	RouteWorkflowInvestigate RouteKind = iota
	RouteWorkflowIncident
	RouteWorkflowHelp
	RouteHelp
	RouteTipper
	RouteRules
	RouteContacts
	RouteExecSum
	RouteFalcon
	RouteSessionClear
	RouteGreeting
	RouteFreeForm
)

func (k RouteKind) String() string {
	switch k {
	case RouteWorkflowInvestigate:
		return "workflow_investigate"
	case RouteWorkflowIncident:
		return "workflow_incident"
	case RouteWorkflowHelp:
		return "workflow_help"
	case RouteHelp:
		return "help"
	case RouteTipper:
		return "tipper"
	case RouteRules:
		return "rules"
	case RouteContacts:
		return "contacts"
	case RouteExecSum:
		return "execsum"
	case RouteFalcon:
		return "falcon"
	case RouteSessionClear:
		return "session_clear"
	case RouteGreeting:
		return "greeting"
	default:
		return "free_form"
	}
}

// Route is one classification: the handler kind and its argument (ticket
// ID, query, or remainder, depending on the kind).
type Route struct {
	Kind RouteKind
	Arg  string
}

var (
	tipperRe   = regexp.MustCompile(`(?i)^(?:analyze\s+)?tipper\s+#?(\d+)$`)
	rulesRe    = regexp.MustCompile(`(?i)^rules?\s+(?:search\s+)?(.+)$`)
	contactsRe = regexp.MustCompile(`(?i)^contacts\s+(.+)$`)
	execsumRe  = regexp.MustCompile(`(?i)^execsum\s+#?(\d+)$`)
)

var helpPhrases = []string{
	"help", "help me", "how do i use", "what can you do",
	"usage", "instructions", "commands",
}

var greetings = map[string]bool{
	"hi":              true,
	"status":          true,
	"health":          true,
	"are you working": true,
}

var (
	clearVerbs = map[string]bool{
		"clear": true, "reset": true, "delete": true,
		"forget": true, "erase": true, "remove": true,
	}
	clearNouns = map[string]bool{
		"conversation": true, "chat": true, "history": true,
		"session": true, "context": true, "messages": true,
		"memory": true, "talked": true,
	}
	freshStartPhrases = []string{
		"start fresh", "start a new session", "new conversation",
		"begin again", "start over",
	}
)

var falconPrefixes = []string{"falcon ", "crowdstrike ", "cs "}

// Router classifies preprocessed message text. It is stateless and safe
// for concurrent use.
type Router struct {
	aliasRes []*regexp.Regexp
	iocs     *ioc.Extractor
}

// NewRouter builds a router that strips the given bot aliases during
// preprocessing and uses the shared extractor for workflow classification.
func NewRouter(aliases []string, iocs *ioc.Extractor) *Router {
	r := &Router{iocs: iocs}
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		r.aliasRes = append(r.aliasRes, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(a)))
	}
	return r
}

// Preprocess strips bot aliases, collapses whitespace, and trims stray
// commas left behind by mentions ("Aegis, tipper 12345" -> "tipper 12345").
// The caller keeps the raw text for logging.
func (r *Router) Preprocess(text string) string {
	for _, re := range r.aliasRes {
		text = re.ReplaceAllString(text, " ")
	}
	text = strings.Join(strings.Fields(text), " ")
	return strings.Trim(text, ", ")
}

// Classify picks the handler for a preprocessed message. The first match
// in priority order wins; exactly one handler runs per message.
func (r *Router) Classify(text string) Route {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if rest, ok := strings.CutPrefix(lower, "workflow"); ok && (rest == "" || rest[0] == ' ') {
		remainder := strings.TrimSpace(trimmed[len("workflow"):])
		return r.classifyWorkflow(remainder)
	}

	if isHelp(lower) {
		return Route{Kind: RouteHelp}
	}

	if m := tipperRe.FindStringSubmatch(trimmed); m != nil {
		return Route{Kind: RouteTipper, Arg: m[1]}
	}

	if m := rulesRe.FindStringSubmatch(trimmed); m != nil {
		q := strings.TrimSpace(m[1])
		if l := strings.ToLower(q); l != "sync" && l != "stats" {
			return Route{Kind: RouteRules, Arg: q}
		}
	}

	if m := contactsRe.FindStringSubmatch(trimmed); m != nil {
		return Route{Kind: RouteContacts, Arg: strings.TrimSpace(m[1])}
	}

	if m := execsumRe.FindStringSubmatch(trimmed); m != nil {
		return Route{Kind: RouteExecSum, Arg: m[1]}
	}

	for _, p := range falconPrefixes {
		if strings.HasPrefix(lower, p) {
			return Route{Kind: RouteFalcon, Arg: strings.TrimSpace(trimmed[len(p):])}
		}
	}

	if isSessionClear(lower) {
		return Route{Kind: RouteSessionClear}
	}

	if greetings[strings.TrimRight(lower, "!.?")] {
		return Route{Kind: RouteGreeting}
	}

	return Route{Kind: RouteFreeForm, Arg: trimmed}
}

// classifyWorkflow picks between the two workflows by scanning the
// remainder: a ticket reference means incident response, a recognisable
// IOC means investigation, anything else gets the usage text.
func (r *Router) classifyWorkflow(remainder string) Route {
	if remainder == "" {
		return Route{Kind: RouteWorkflowHelp}
	}
	if _, ok := signals.ParseTicketID(remainder); ok {
		return Route{Kind: RouteWorkflowIncident, Arg: remainder}
	}
	if _, ok := r.iocs.Detect(remainder); ok {
		return Route{Kind: RouteWorkflowInvestigate, Arg: remainder}
	}
	return Route{Kind: RouteWorkflowHelp}
}

func isHelp(lower string) bool {
	for _, p := range helpPhrases {
		if lower == p || strings.HasPrefix(lower, p+" ") || strings.HasSuffix(lower, " "+p) {
			return true
		}
	}
	return false
}

func isSessionClear(lower string) bool {
	for _, p := range freshStartPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	verb, noun := false, false
	for _, tok := range strings.Fields(lower) {
		tok = strings.Trim(tok, ".,!?;:'\"")
		if clearVerbs[tok] {
			verb = true
		}
		if clearNouns[tok] {
			noun = true
		}
	}
	return verb && noun
}
