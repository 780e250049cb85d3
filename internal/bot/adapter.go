package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kelvaris/aegis"
)

const (
	defaultMaxMessageChars = 7000
	truncationSuffix       = "\n\n*(message truncated)*"

	thinkingInterval = 15 * time.Second
	maxThinkingEdits = 9

	doneReply = "Done!"
)

var thinkingPhrases = []string{
	"Working on it...",
	"Checking sources...",
	"Still digging...",
	"Correlating results...",
	"Almost there...",
}

// AdapterConfig wires a ChatAdapter. Transport, Dispatcher, and Router are
// required. Empty allowlists admit everything except EDRRooms, which gates
// falcon commands and admits nothing when empty.
type AdapterConfig struct {
	Transport  aegis.ChatTransport
	Dispatcher *Dispatcher
	Router     *Router

	// SelfID is the bot's own person ID, used to drop echoes of its
	// own messages.
	SelfID          string
	ApprovedDomains []string
	ApprovedRooms   []string
	EDRRooms        []string
	MaxMessageChars int
	Logger          *slog.Logger
}

// ChatAdapter bridges the transport event stream and the Dispatcher: it
// filters inbound events, posts a thinking placeholder while a dispatch
// runs, and renders results as threaded replies.
type ChatAdapter struct {
	transport aegis.ChatTransport
	dispatch  *Dispatcher
	router    *Router
	selfID    string
	domains   map[string]bool
	rooms     map[string]bool
	edrRooms  map[string]bool
	maxChars  int
	logger    *slog.Logger

	wg sync.WaitGroup
}

func NewChatAdapter(cfg AdapterConfig) *ChatAdapter {
	if cfg.Logger == nil {
		cfg.Logger = aegis.NopLogger()
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = defaultMaxMessageChars
	}
	domains := make(map[string]bool, len(cfg.ApprovedDomains))
	for _, d := range cfg.ApprovedDomains {
		domains[strings.ToLower(strings.TrimSpace(d))] = true
	}
	return &ChatAdapter{
		transport: cfg.Transport,
		dispatch:  cfg.Dispatcher,
		router:    cfg.Router,
		selfID:    cfg.SelfID,
		domains:   domains,
		rooms:     toSet(cfg.ApprovedRooms),
		edrRooms:  toSet(cfg.EDRRooms),
		maxChars:  cfg.MaxMessageChars,
		logger:    cfg.Logger,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.TrimSpace(it)] = true
	}
	return set
}

// Run consumes transport events until ctx is cancelled or the event
// channel closes. Each admitted event is handled on its own goroutine;
// Run waits for in-flight handlers before returning.
func (a *ChatAdapter) Run(ctx context.Context) error {
	events := a.transport.Events()
	for {
		select {
		case <-ctx.Done():
			a.wg.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				a.wg.Wait()
				return nil
			}
			if !a.admit(ev) {
				continue
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handle(ctx, ev)
			}()
		}
	}
}

// admit filters one inbound event: only freshly created messages from
// human senders in approved domains and rooms, never the bot's own.
func (a *ChatAdapter) admit(ev aegis.Event) bool {
	if ev.Resource != "messages" || ev.Verb != "created" {
		return false
	}
	if ev.PersonID == a.selfID {
		return false
	}
	if ev.PersonType != "person" {
		return false
	}
	if len(a.domains) > 0 && !a.domains[emailDomain(ev.PersonEmail)] {
		a.logger.Debug("sender domain not approved", "email", ev.PersonEmail)
		return false
	}
	if len(a.rooms) > 0 && !a.rooms[ev.RoomID] {
		a.logger.Debug("room not approved", "room", ev.RoomID)
		return false
	}
	return true
}

func emailDomain(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return strings.ToLower(email[i+1:])
	}
	return ""
}

func (a *ChatAdapter) handle(ctx context.Context, ev aegis.Event) {
	parentID := ev.ParentID
	if parentID == "" {
		parentID = ev.MessageID
	}

	// EDR commands outside an approved room are dropped without any
	// reply, so the capability stays invisible there.
	if route := a.router.Classify(a.router.Preprocess(ev.Text)); route.Kind == RouteFalcon && !a.edrRooms[ev.RoomID] {
		a.logger.Info("edr command outside approved room", "room", ev.RoomID, "user", ev.PersonEmail)
		return
	}

	start := time.Now()
	think := a.startThinking(ctx, ev.RoomID, parentID)

	res, err := a.dispatch.Ask(ctx, ev.PersonID, ev.RoomID, ev.Text)

	if think != nil {
		var m aegis.Metrics
		if res != nil {
			m = res.Metrics
		}
		think.finish(ctx, completionLine(m, time.Since(start)))
	}

	if err != nil {
		a.replyError(ctx, ev.RoomID, parentID, res, err)
		return
	}
	a.reply(ctx, ev.RoomID, parentID, res)
}

// reply posts the result as a threaded markdown message, attaching and
// then removing the artifact file when one was produced.
func (a *ChatAdapter) reply(ctx context.Context, roomID, parentID string, res *aegis.Result) {
	content := truncate(res.Content, a.maxChars)
	var files []string
	if res.ArtifactPath != "" {
		files = []string{res.ArtifactPath}
	}
	if _, err := a.transport.SendMessage(ctx, roomID, parentID, content, files); err != nil {
		a.logger.Error("reply failed", "room", roomID, "error", err)
	}
	if res.ArtifactPath != "" {
		if err := os.Remove(res.ArtifactPath); err != nil {
			a.logger.Warn("artifact cleanup failed", "path", res.ArtifactPath, "error", err)
		}
	}
}

// replyError posts a short threaded apology. Raw error detail goes to the
// log, never to the room.
func (a *ChatAdapter) replyError(ctx context.Context, roomID, parentID string, res *aegis.Result, err error) {
	msg := apologyReply
	var verr *aegis.ValidationError
	switch {
	case errors.As(err, &verr):
		msg = "I couldn't read that message: " + verr.Message
	case res != nil && res.Content != "":
		msg = res.Content
	}
	a.logger.Error("dispatch failed", "room", roomID, "kind", aegis.ErrorKind(err), "error", err)
	if _, serr := a.transport.SendMessage(ctx, roomID, parentID, msg, nil); serr != nil {
		a.logger.Error("error reply failed", "room", roomID, "error", serr)
	}
}

func truncate(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	keep := max - len([]rune(truncationSuffix))
	return string(runes[:keep]) + truncationSuffix
}

func completionLine(m aegis.Metrics, elapsed time.Duration) string {
	if m.IsZero() {
		return fmt.Sprintf("%s ⚡ Response time: %.1fs", doneReply, elapsed.Seconds())
	}
	return fmt.Sprintf("%s ⚡ Time: %.1fs (%.1fs prompt + %.1fs gen) | Tokens: %d→%d | Speed: %.1f tok/s",
		doneReply, elapsed.Seconds(), m.PromptTime.Seconds(), m.GenTime.Seconds(),
		m.InputTokens, m.OutputTokens, m.TokensPerSec)
}

// thinkingMessage is the placeholder reply posted while a dispatch runs.
// All edits to it are serialised so the rotating updater and the final
// completion edit never race at the API.
type thinkingMessage struct {
	transport aegis.ChatTransport
	roomID    string
	id        string
	logger    *slog.Logger

	mu   sync.Mutex
	done chan struct{}
	once sync.Once
}

// startThinking posts the placeholder and starts the rotating updater.
// Returns nil when the placeholder itself could not be posted; the
// dispatch proceeds without progress UI in that case.
func (a *ChatAdapter) startThinking(ctx context.Context, roomID, parentID string) *thinkingMessage {
	id, err := a.transport.SendMessage(ctx, roomID, parentID, thinkingPhrases[0], nil)
	if err != nil {
		a.logger.Warn("thinking message failed", "room", roomID, "error", err)
		return nil
	}
	t := &thinkingMessage{
		transport: a.transport,
		roomID:    roomID,
		id:        id,
		logger:    a.logger,
		done:      make(chan struct{}),
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t.rotate(ctx)
	}()
	return t
}

// rotate edits the placeholder with a fresh phrase every interval, at most
// maxThinkingEdits times, stopping on completion or the first edit failure.
func (t *thinkingMessage) rotate(ctx context.Context) {
	ticker := time.NewTicker(thinkingInterval)
	defer ticker.Stop()
	for i := 1; i <= maxThinkingEdits; i++ {
		select {
		case <-t.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		err := t.transport.EditMessage(ctx, t.id, t.roomID, thinkingPhrases[i%len(thinkingPhrases)])
		t.mu.Unlock()
		if err != nil {
			t.logger.Debug("thinking edit failed", "message", t.id, "error", err)
			return
		}
	}
}

// finish stops the updater and replaces the placeholder with the
// completion line.
func (t *thinkingMessage) finish(ctx context.Context, line string) {
	t.once.Do(func() { close(t.done) })
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.transport.EditMessage(ctx, t.id, t.roomID, line); err != nil {
		t.logger.Debug("completion edit failed", "message", t.id, "error", err)
	}
}
