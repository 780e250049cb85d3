package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelvaris/aegis"
	"github.com/kelvaris/aegis/internal/playbook"
)

// Tool names the dispatcher invokes directly for fixed commands. The
// workflow tools live in internal/playbook.
const (
	toolTipper      = "tipper"
	toolRulesSearch = "rules_search"
	toolContacts    = "contacts"
	toolExecSum     = "execsum"
	toolFalcon      = "falcon"
)

const (
	greetingReply = "System online and ready"

	clearedReply = "Conversation history cleared. Starting fresh."
	nothingReply = "No conversation history to clear. Starting fresh anyway."

	apologyReply = "Sorry, something went wrong on my side while handling that. Please try again."

	workflowUsage = "Usage: `workflow <indicator or ticket reference>`\n\n" +
		"- `workflow 185.220.101.44` runs an IOC investigation (IP, domain, URL, or file hash)\n" +
		"- `workflow ticket 482913` runs incident response against a ticket"

	slowWarnAfter = 25 * time.Second
)

// DispatcherConfig wires a Dispatcher. Guard, Sessions, Router, Playbooks,
// Loop, Tools, and Recovery are required; the rest default sensibly.
type DispatcherConfig struct {
	Guard     *aegis.InputGuard
	Sessions  aegis.SessionStore
	Router    *Router
	Playbooks *playbook.Playbooks
	Loop      *aegis.ToolLoop
	Tools     *aegis.Registry
	Recovery  *aegis.Recovery

	// TicketURL is the base URL tipper links point at, without a
	// trailing slash.
	TicketURL string
	// HelpHeading titles the command list. Defaults to "Commands".
	HelpHeading string

	Logger *slog.Logger
	// Now overrides the clock for session sweeps. Defaults to time.Now.
	Now func() time.Time

	// Tracer wraps each dispatch in a span. Defaults to aegis.NopTracer.
	Tracer aegis.Tracer
	// OnDispatch, when set, observes every completed dispatch with its
	// route, "ok" or "error" status, and elapsed wall time.
	OnDispatch func(route, status string, elapsed time.Duration)
}

// Dispatcher turns one inbound message into one reply. It screens input,
// sweeps expired sessions, classifies the message, and runs exactly one
// handler. Fixed commands and workflows bypass the LLM loop entirely.
type Dispatcher struct {
	guard     *aegis.InputGuard
	sessions  aegis.SessionStore
	router    *Router
	playbooks *playbook.Playbooks
	loop      *aegis.ToolLoop
	tools     *aegis.Registry
	recovery  *aegis.Recovery
	ticketURL string
	helpText  string
	logger    *slog.Logger
	now       func() time.Time

	tracer     aegis.Tracer
	onDispatch func(route, status string, elapsed time.Duration)
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = aegis.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HelpHeading == "" {
		cfg.HelpHeading = "Commands"
	}
	if cfg.Tracer == nil {
		cfg.Tracer = aegis.NopTracer()
	}
	return &Dispatcher{
		guard:      cfg.Guard,
		sessions:   cfg.Sessions,
		router:     cfg.Router,
		playbooks:  cfg.Playbooks,
		loop:       cfg.Loop,
		tools:      cfg.Tools,
		recovery:   cfg.Recovery,
		ticketURL:  strings.TrimRight(cfg.TicketURL, "/"),
		helpText:   buildHelpText(cfg.HelpHeading),
		logger:     cfg.Logger,
		now:        cfg.Now,
		tracer:     cfg.Tracer,
		onDispatch: cfg.OnDispatch,
	}
}

func buildHelpText(heading string) string {
	return "## " + heading + "\n\n" +
		"- `tipper <id>` fetches and links a tipper ticket\n" +
		"- `rules <query>` searches detection rules\n" +
		"- `contacts <team or region>` looks up an escalation contact\n" +
		"- `execsum <ticket>` generates an executive summary document\n" +
		"- `falcon <request>` runs an EDR action (approved rooms only)\n" +
		"- `workflow <indicator>` runs an IOC investigation\n" +
		"- `workflow ticket <id>` runs incident response\n" +
		"- `clear chat` forgets this conversation\n" +
		"\nAnything else goes to the assistant with your recent conversation as context."
}

// Ask handles one message from userID in roomID and returns the reply.
// Validation failures surface as *aegis.ValidationError; handler panics are
// contained and surface as *aegis.InternalError with an apology Result so
// the adapter always has something safe to post.
func (d *Dispatcher) Ask(ctx context.Context, userID, roomID, text string) (res *aegis.Result, err error) {
	start := d.now()
	routeName := "rejected"
	ctx, span := d.tracer.Start(ctx, "dispatch",
		aegis.StringAttr("user", userID), aegis.StringAttr("room", roomID))
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("dispatch panic", "panic", r, "user", userID, "room", roomID)
			res = &aegis.Result{Content: apologyReply}
			err = &aegis.InternalError{Err: fmt.Errorf("dispatch panic: %v", r)}
		}
		elapsed := d.now().Sub(start)
		if elapsed > slowWarnAfter {
			d.logger.Warn("slow dispatch", "elapsed", elapsed, "user", userID, "room", roomID)
		}
		status := "ok"
		if err != nil {
			status = "error"
			span.Error(err)
		}
		span.SetAttr(aegis.StringAttr("route", routeName), aegis.StringAttr("status", status))
		span.End()
		if d.onDispatch != nil {
			d.onDispatch(routeName, status, elapsed)
		}
	}()

	cleaned, err := d.guard.Screen(text)
	if err != nil {
		return nil, err
	}

	key := aegis.SessionKey(userID, roomID)

	// Opportunistic sweep; staleness is tolerable, so failures only warn.
	if n, serr := d.sessions.SweepExpired(ctx, d.now()); serr != nil {
		d.logger.Warn("session sweep failed", "error", serr)
	} else if n > 0 {
		d.logger.Debug("swept expired sessions", "count", n)
	}

	convo, cerr := d.sessions.Context(ctx, key)
	if cerr != nil {
		d.logger.Warn("session context unavailable", "session", key, "error", cerr)
		convo = ""
	}

	pre := d.router.Preprocess(cleaned)
	route := d.router.Classify(pre)
	routeName = route.Kind.String()
	d.logger.Info("message routed",
		"route", routeName, "user", userID, "room", roomID, "raw_len", len(text))

	switch route.Kind {
	case RouteHelp:
		return &aegis.Result{Content: d.helpText}, nil
	case RouteGreeting:
		return &aegis.Result{Content: greetingReply}, nil
	case RouteWorkflowHelp:
		return &aegis.Result{Content: workflowUsage}, nil
	case RouteSessionClear:
		return d.clearSession(ctx, key)
	case RouteTipper:
		return d.tipper(ctx, route.Arg)
	case RouteRules:
		return d.command(ctx, toolRulesSearch, map[string]any{"query": route.Arg}, "search")
	case RouteContacts:
		return d.command(ctx, toolContacts, map[string]any{"query": route.Arg}, "")
	case RouteExecSum:
		return d.command(ctx, toolExecSum, map[string]any{"ticket_id": route.Arg}, "details")
	case RouteFalcon:
		return d.command(ctx, toolFalcon, map[string]any{"request": route.Arg}, "status")
	case RouteWorkflowInvestigate:
		return d.workflow(ctx, key, pre, route.Arg, d.playbooks.Investigate)
	case RouteWorkflowIncident:
		return d.workflow(ctx, key, pre, route.Arg, d.playbooks.RespondToIncident)
	default:
		return d.freeForm(ctx, key, convo, pre)
	}
}

// clearSession drops the conversation. It never writes to the session, so
// the confirmation itself does not seed a fresh one.
func (d *Dispatcher) clearSession(ctx context.Context, key string) (*aegis.Result, error) {
	existed, err := d.sessions.Delete(ctx, key)
	if err != nil {
		return nil, err
	}
	if existed {
		return &aegis.Result{Content: clearedReply}, nil
	}
	return &aegis.Result{Content: nothingReply}, nil
}

// tipper fetches a ticket and prefixes the reply with a markdown link to
// it, so the ticket ID stays clickable in the room.
func (d *Dispatcher) tipper(ctx context.Context, id string) (*aegis.Result, error) {
	t, err := d.tools.Get(toolTipper)
	if err != nil {
		return nil, err
	}
	text, _, rerr := d.invoke(ctx, t, map[string]any{"ticket_id": id})
	if rerr != nil {
		d.logger.Warn("tipper lookup failed", "ticket", id, "error", rerr)
		return &aegis.Result{Content: d.recovery.Fallback(t.Class(), "details")}, nil
	}
	content := fmt.Sprintf("[#%s](%s/%s)\n\n%s", id, d.ticketURL, id, text)
	return &aegis.Result{Content: content}, nil
}

// command runs one fixed-command tool through recovery. Failures degrade
// to the class fallback line instead of an error reply.
func (d *Dispatcher) command(ctx context.Context, name string, args map[string]any, hint string) (*aegis.Result, error) {
	t, err := d.tools.Get(name)
	if err != nil {
		return nil, err
	}
	text, artifact, rerr := d.invoke(ctx, t, args)
	if rerr != nil {
		d.logger.Warn("command failed", "tool", name, "error", rerr)
		return &aegis.Result{Content: d.recovery.Fallback(t.Class(), hint)}, nil
	}
	return &aegis.Result{Content: text, ArtifactPath: artifact}, nil
}

// invoke runs one tool call under the recovery policy for its class,
// keeping the artifact path from the last successful attempt.
func (d *Dispatcher) invoke(ctx context.Context, t aegis.Tool, args map[string]any) (string, string, error) {
	var artifact string
	text, err := d.recovery.Run(ctx, t.Class(), func(ctx context.Context) (string, error) {
		out, err := t.Invoke(ctx, args)
		if err != nil {
			return "", err
		}
		artifact = out.ArtifactPath
		return out.Text, nil
	})
	if err != nil {
		return "", "", err
	}
	return text, artifact, nil
}

// workflow runs one of the two playbooks and appends the exchange to the
// session so follow-up questions can reference the report.
func (d *Dispatcher) workflow(ctx context.Context, key, userText, arg string, run func(context.Context, string) (aegis.State, error)) (*aegis.Result, error) {
	state, err := run(ctx, arg)
	if err != nil {
		return nil, err
	}
	report := state.String(playbook.KeyReport)
	if report == "" {
		report = apologyReply
	}
	d.appendExchange(ctx, key, userText, report)
	return &aegis.Result{Content: report}, nil
}

// freeForm sends the message to the tool loop with the stored conversation
// prepended, then records both sides of the exchange.
func (d *Dispatcher) freeForm(ctx context.Context, key, convo, text string) (*aegis.Result, error) {
	prompt := text
	if convo != "" {
		prompt = convo + " " + text
	}
	res, err := d.loop.Run(ctx, prompt)
	if err != nil {
		return res, err
	}
	d.appendExchange(ctx, key, text, res.Content)
	return res, nil
}

// appendExchange stores a user/assistant pair. Append failures lose
// context for later turns but never fail the current reply.
func (d *Dispatcher) appendExchange(ctx context.Context, key, user, assistant string) {
	if err := d.sessions.Append(ctx, key, aegis.UserMessage(user)); err != nil {
		d.logger.Warn("session append failed", "session", key, "role", "user", "error", err)
		return
	}
	if err := d.sessions.Append(ctx, key, aegis.AssistantMessage(assistant)); err != nil {
		d.logger.Warn("session append failed", "session", key, "role", "assistant", "error", err)
	}
}
