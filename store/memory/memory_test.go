package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kelvaris/aegis"
)

func TestAppendAndContext(t *testing.T) {
	s := New(aegis.DefaultLimits())
	ctx := context.Background()

	s.Append(ctx, "a_r", aegis.UserMessage("hello"))
	s.Append(ctx, "a_r", aegis.AssistantMessage("hi"))

	got, err := s.Context(ctx, "a_r")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if got != "User: hello\nAssistant: hi" {
		t.Errorf("unexpected context: %q", got)
	}
}

func TestEviction(t *testing.T) {
	limits := aegis.DefaultLimits()
	limits.MaxMessages = 2
	s := New(limits)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		s.Append(ctx, "a_r", aegis.UserMessage(fmt.Sprintf("m%d", i)))
	}

	got, _ := s.Context(ctx, "a_r")
	if strings.Contains(got, "m1") || strings.Contains(got, "m2") {
		t.Errorf("oldest messages should be evicted, got %q", got)
	}
	if !strings.Contains(got, "m3") || !strings.Contains(got, "m4") {
		t.Errorf("newest messages should remain, got %q", got)
	}
}

func TestDelete(t *testing.T) {
	s := New(aegis.DefaultLimits())
	ctx := context.Background()

	if existed, _ := s.Delete(ctx, "a_r"); existed {
		t.Error("delete of unknown session reported existed=true")
	}

	s.Append(ctx, "a_r", aegis.UserMessage("x"))
	if existed, _ := s.Delete(ctx, "a_r"); !existed {
		t.Error("delete of live session reported existed=false")
	}
	if got, _ := s.Context(ctx, "a_r"); got != "" {
		t.Errorf("context after delete should be empty, got %q", got)
	}
}

func TestSweepExpired(t *testing.T) {
	limits := aegis.DefaultLimits()
	limits.TTL = time.Hour
	s := New(limits)
	ctx := context.Background()

	stale := aegis.UserMessage("old")
	stale.CreatedAt = time.Now().Add(-2 * time.Hour)
	s.Append(ctx, "old_r", stale)
	s.Append(ctx, "new_r", aegis.UserMessage("new"))

	n, err := s.SweepExpired(ctx, time.Now())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 swept, got %d", n)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 session left, got %d", s.Len())
	}
}
