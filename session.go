package aegis

import (
	"context"
	"strings"
	"time"
)

// SessionKey derives the storage key for one (user, room) conversation.
func SessionKey(userID, roomID string) string {
	return userID + "_" + roomID
}

// Limits bounds what a session may hold.
type Limits struct {
	MaxMessages     int           // transcript length cap; oldest drop first
	MaxContextChars int           // rendered context budget for the LLM
	TTL             time.Duration // idle lifetime before a sweep removes the session
}

// DefaultLimits returns the stock limits: 30 messages, ~4000 context
// characters, 24h idle TTL.
func DefaultLimits() Limits {
	return Limits{MaxMessages: 30, MaxContextChars: 4000, TTL: 24 * time.Hour}
}

// SessionStore is durable per-conversation message history. Appends for one
// key are serialised and atomic; independent sessions proceed concurrently;
// contents survive process restarts.
type SessionStore interface {
	// Append adds one message, evicting the oldest past MaxMessages,
	// and touches the session.
	Append(ctx context.Context, key string, msg Message) error
	// Context renders the transcript into a single prompt prefix bounded
	// by MaxContextChars. Messages drop from the front; one is never
	// split. Empty string when the session does not exist.
	Context(ctx context.Context, key string) (string, error)
	// Delete removes the session and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// SweepExpired removes sessions idle past the TTL and returns how
	// many were removed. Cost is proportional to the number expired.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// AssembleContext renders messages as "Role: content" lines, newest last,
// dropping whole messages from the front until the result fits maxChars.
// Shared by every SessionStore implementation so truncation behaves
// identically across backends.
func AssembleContext(msgs []Message, maxChars int) string {
	if len(msgs) == 0 || maxChars <= 0 {
		return ""
	}
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = contextLine(m)
	}
	// Walk backwards so the newest turns always survive truncation.
	total := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := len(lines[i])
		if start < len(lines) {
			n++ // joining newline
		}
		if total+n > maxChars {
			break
		}
		total += n
		start = i
	}
	if start == len(lines) {
		return ""
	}
	return strings.Join(lines[start:], "\n")
}

func contextLine(m Message) string {
	return roleLabel(m.Role) + ": " + m.Content
}

func roleLabel(role string) string {
	switch role {
	case "user":
		return "User"
	case "assistant":
		return "Assistant"
	case "system":
		return "System"
	case "tool":
		return "Tool"
	default:
		return role
	}
}
