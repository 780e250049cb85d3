package bot

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kelvaris/aegis"
)

type sentMessage struct {
	roomID   string
	parentID string
	markdown string
	files    []string
}

type editRecord struct {
	messageID string
	roomID    string
	markdown  string
}

// fakeTransport records outbound traffic and feeds inbound events from a
// plain channel the test closes when done.
type fakeTransport struct {
	mu     sync.Mutex
	events chan aegis.Event
	sent   []sentMessage
	edits  []editRecord
	nextID int
}

func newFakeTransport(buf int) *fakeTransport {
	return &fakeTransport{events: make(chan aegis.Event, buf)}
}

func (f *fakeTransport) SendMessage(_ context.Context, roomID, parentID, markdown string, files []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, sentMessage{roomID: roomID, parentID: parentID, markdown: markdown, files: files})
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeTransport) EditMessage(_ context.Context, messageID, roomID, markdown string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editRecord{messageID: messageID, roomID: roomID, markdown: markdown})
	return nil
}

func (f *fakeTransport) Events() <-chan aegis.Event { return f.events }

func (f *fakeTransport) sentTo(roomID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.roomID == roomID {
			out = append(out, m)
		}
	}
	return out
}

func personEvent(roomID, messageID, text string) aegis.Event {
	return aegis.Event{
		RoomID:      roomID,
		MessageID:   messageID,
		Text:        text,
		PersonID:    "person-1",
		PersonEmail: "analyst@acme.com",
		PersonType:  "person",
		Resource:    "messages",
		Verb:        "created",
		Created:     time.Now(),
	}
}

type adapterFixture struct {
	adapter    *ChatAdapter
	transport  *fakeTransport
	dispatcher *dispatcherFixture
}

func newAdapterFixture(t *testing.T, cfg AdapterConfig, tools ...*stubTool) *adapterFixture {
	t.Helper()
	df := newDispatcherFixture(t, tools...)
	ft := newFakeTransport(16)
	cfg.Transport = ft
	cfg.Dispatcher = df.d
	cfg.Router = testRouter()
	if cfg.SelfID == "" {
		cfg.SelfID = "bot-self"
	}
	return &adapterFixture{
		adapter:    NewChatAdapter(cfg),
		transport:  ft,
		dispatcher: df,
	}
}

// run feeds the queued events, closes the stream, and waits for the
// adapter to drain all in-flight handlers.
func (a *adapterFixture) run(t *testing.T, events ...aegis.Event) {
	t.Helper()
	for _, ev := range events {
		a.transport.events <- ev
	}
	close(a.transport.events)
	done := make(chan error, 1)
	go func() { done <- a.adapter.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("adapter did not drain events")
	}
}

func TestAdapterThreadsReplyUnderOriginal(t *testing.T) {
	f := newAdapterFixture(t, AdapterConfig{})
	f.run(t, personEvent("room-1", "msg-orig", "status"))

	sent := f.transport.sentTo("room-1")
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want thinking + reply", len(sent))
	}
	if sent[0].parentID != "msg-orig" || sent[1].parentID != "msg-orig" {
		t.Errorf("replies threaded under %q / %q, want msg-orig", sent[0].parentID, sent[1].parentID)
	}
	if sent[0].markdown != thinkingPhrases[0] {
		t.Errorf("first message = %q, want thinking phrase", sent[0].markdown)
	}
	if sent[1].markdown != "System online and ready" {
		t.Errorf("reply = %q", sent[1].markdown)
	}

	if len(f.transport.edits) != 1 {
		t.Fatalf("edits = %d, want one completion edit", len(f.transport.edits))
	}
	edit := f.transport.edits[0]
	if !strings.HasPrefix(edit.markdown, doneReply+" ⚡ Response time:") {
		t.Errorf("completion line = %q", edit.markdown)
	}
}

// An event that already has a parent threads under that parent, never
// reply-to-reply.
func TestAdapterKeepsExistingThread(t *testing.T) {
	f := newAdapterFixture(t, AdapterConfig{})
	ev := personEvent("room-1", "msg-child", "hi")
	ev.ParentID = "msg-root"
	f.run(t, ev)

	for _, m := range f.transport.sentTo("room-1") {
		if m.parentID != "msg-root" {
			t.Errorf("reply threaded under %q, want msg-root", m.parentID)
		}
	}
}

func TestAdapterFilters(t *testing.T) {
	f := newAdapterFixture(t, AdapterConfig{
		ApprovedDomains: []string{"acme.com"},
		ApprovedRooms:   []string{"room-ok"},
	})

	self := personEvent("room-ok", "m1", "status")
	self.PersonID = "bot-self"

	bot := personEvent("room-ok", "m2", "status")
	bot.PersonType = "bot"

	membership := personEvent("room-ok", "m3", "status")
	membership.Resource = "memberships"

	deleted := personEvent("room-ok", "m4", "status")
	deleted.Verb = "deleted"

	outsider := personEvent("room-ok", "m5", "status")
	outsider.PersonEmail = "who@evil.example"

	wrongRoom := personEvent("room-other", "m6", "status")

	good := personEvent("room-ok", "m7", "status")

	f.run(t, self, bot, membership, deleted, outsider, wrongRoom, good)

	if n := len(f.transport.sent); n != 2 {
		t.Fatalf("sent %d messages, want 2 for the single admitted event", n)
	}
	if f.transport.sent[0].parentID != "m7" {
		t.Errorf("handled event parent = %q, want m7", f.transport.sent[0].parentID)
	}
}

// Falcon commands outside an approved EDR room are dropped without any
// reply at all.
func TestAdapterEDRRoomGate(t *testing.T) {
	falcon := staticTool(toolFalcon, "Containment request submitted.")
	f := newAdapterFixture(t, AdapterConfig{EDRRooms: []string{"room-edr"}}, falcon)

	f.run(t,
		personEvent("room-plain", "m1", "falcon contain WS-FIN-0421"),
		personEvent("room-edr", "m2", "falcon contain WS-FIN-0421"),
	)

	if got := f.transport.sentTo("room-plain"); len(got) != 0 {
		t.Errorf("unapproved room got %d messages, want silence", len(got))
	}
	sent := f.transport.sentTo("room-edr")
	if len(sent) != 2 {
		t.Fatalf("approved room got %d messages, want 2", len(sent))
	}
	if sent[1].markdown != "Containment request submitted." {
		t.Errorf("falcon reply = %q", sent[1].markdown)
	}
	if falcon.calls != 1 {
		t.Errorf("falcon tool called %d times, want 1", falcon.calls)
	}
}

func TestAdapterTruncatesLongReplies(t *testing.T) {
	long := staticTool(toolRulesSearch, strings.Repeat("a", 8000))
	f := newAdapterFixture(t, AdapterConfig{MaxMessageChars: 7000}, long)

	f.run(t, personEvent("room-1", "m1", "rules noisy beacons"))

	sent := f.transport.sentTo("room-1")
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	reply := sent[1].markdown
	if n := len([]rune(reply)); n != 7000 {
		t.Errorf("reply length = %d runes, want 7000", n)
	}
	if !strings.HasSuffix(reply, truncationSuffix) {
		t.Errorf("reply missing truncation suffix")
	}
}

func TestAdapterAttachesAndRemovesArtifact(t *testing.T) {
	tmp, err := os.CreateTemp(t.TempDir(), "execsum-*.docx")
	if err != nil {
		t.Fatal(err)
	}
	path := tmp.Name()
	tmp.Close()

	exec := &stubTool{
		name:  toolExecSum,
		class: aegis.ClassDefault,
		fn: func(map[string]any) (aegis.ToolOutput, error) {
			return aegis.ToolOutput{Text: "Summary attached.", ArtifactPath: path}, nil
		},
	}
	f := newAdapterFixture(t, AdapterConfig{}, exec)

	f.run(t, personEvent("room-1", "m1", "execsum 482913"))

	sent := f.transport.sentTo("room-1")
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if len(sent[1].files) != 1 || sent[1].files[0] != path {
		t.Errorf("reply files = %v, want the artifact", sent[1].files)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("artifact still on disk after reply")
	}
}

func TestAdapterCompletionMetrics(t *testing.T) {
	f := newAdapterFixture(t, AdapterConfig{})
	f.dispatcher.provider.responses = []aegis.InvokeResponse{{
		Content: "short take",
		Metrics: aegis.Metrics{
			InputTokens:  12,
			OutputTokens: 5,
			PromptTime:   200 * time.Millisecond,
			GenTime:      500 * time.Millisecond,
			TokensPerSec: 10,
		},
	}}

	f.run(t, personEvent("room-1", "m1", "summarize the last incident trends"))

	if len(f.transport.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(f.transport.edits))
	}
	line := f.transport.edits[0].markdown
	if !strings.Contains(line, "Tokens: 12→5") {
		t.Errorf("completion line missing token counts: %q", line)
	}
	if !strings.Contains(line, "tok/s") {
		t.Errorf("completion line missing speed: %q", line)
	}
}

// Validation failures come back as a readable apology, not a stack trace.
func TestAdapterValidationApology(t *testing.T) {
	f := newAdapterFixture(t, AdapterConfig{})
	f.run(t, personEvent("room-1", "m1", "​​"))

	sent := f.transport.sentTo("room-1")
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want thinking + apology", len(sent))
	}
	if !strings.HasPrefix(sent[1].markdown, "I couldn't read that message:") {
		t.Errorf("apology = %q", sent[1].markdown)
	}
}
