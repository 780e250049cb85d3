package webex

import "time"

// Message is the wire shape of a message resource. Outbound posts fill
// roomId/parentId/markdown/text; responses carry the rest.
type Message struct {
	ID          string    `json:"id,omitempty"`
	RoomID      string    `json:"roomId,omitempty"`
	ParentID    string    `json:"parentId,omitempty"`
	Text        string    `json:"text,omitempty"`
	Markdown    string    `json:"markdown,omitempty"`
	PersonID    string    `json:"personId,omitempty"`
	PersonEmail string    `json:"personEmail,omitempty"`
	Created     time.Time `json:"created,omitzero"`
}

// Person is the authenticated bot's identity from /people/me.
type Person struct {
	ID          string   `json:"id"`
	Emails      []string `json:"emails"`
	DisplayName string   `json:"displayName"`
	Type        string   `json:"type"` // "person" or "bot"
}

// webhookEnvelope is the notification body Webex posts to the webhook URL.
// The data block identifies the message but omits its text; the receiver
// fetches the full message before emitting an event.
type webhookEnvelope struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Resource string      `json:"resource"` // "messages", "memberships", ...
	Event    string      `json:"event"`    // "created", "deleted", ...
	Data     webhookData `json:"data"`
}

type webhookData struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomId"`
	ParentID    string    `json:"parentId"`
	PersonID    string    `json:"personId"`
	PersonEmail string    `json:"personEmail"`
	Created     time.Time `json:"created,omitzero"`
}
