package aegis

import "context"

// ChatTransport abstracts the chat platform: sending and editing threaded
// messages, attaching files, and surfacing inbound events.
type ChatTransport interface {
	// SendMessage posts a Markdown message to a room, threaded under
	// parentID when non-empty. files are local paths to attach. Returns
	// the new message's ID for later editing.
	SendMessage(ctx context.Context, roomID, parentID, markdown string, files []string) (string, error)
	// EditMessage replaces an existing message's content.
	EditMessage(ctx context.Context, messageID, roomID, markdown string) error
	// Events returns the inbound event stream. The channel closes when the
	// transport shuts down.
	Events() <-chan Event
}
