package webex

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/kelvaris/aegis"
)

// signatureHeader carries the hex HMAC-SHA1 of the raw body, keyed with the
// webhook's shared secret.
const signatureHeader = "X-Spark-Signature"

// webhookBodyLimit caps how much of a notification body is read.
const webhookBodyLimit = 1 << 20

// WebhookHandler returns the HTTP handler that receives message
// notifications. When secret is non-empty every request's signature is
// verified before decoding. Notification payloads omit the message text,
// so the handler fetches the full message and then emits an aegis.Event
// on the client's event channel. A full channel drops the event with an
// error log rather than stalling the webhook endpoint.
func (c *Client) WebhookHandler(secret string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		if secret != "" && !verifySignature(secret, body, r.Header.Get(signatureHeader)) {
			c.logger.Warn("webhook signature mismatch", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		var env webhookEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		// Only new messages become events; membership changes, deletions
		// and the rest are acknowledged and dropped here.
		if env.Resource != "messages" || env.Event != "created" {
			c.logger.Debug("ignoring webhook", "resource", env.Resource, "event", env.Event)
			w.WriteHeader(http.StatusOK)
			return
		}

		msg, err := c.GetMessage(r.Context(), env.Data.ID)
		if err != nil {
			c.logger.Error("fetch webhook message", "message_id", env.Data.ID, "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}

		ev := aegis.Event{
			RoomID:      msg.RoomID,
			MessageID:   msg.ID,
			ParentID:    msg.ParentID,
			Text:        msg.Text,
			PersonID:    msg.PersonID,
			PersonEmail: msg.PersonEmail,
			PersonType:  personTypeFor(msg.PersonEmail),
			Resource:    env.Resource,
			Verb:        env.Event,
			Created:     msg.Created,
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Error("event buffer full, dropping message", "room", ev.RoomID, "message_id", ev.MessageID)
		}
		w.WriteHeader(http.StatusOK)
	})
}

// verifySignature checks the hex HMAC-SHA1 of body against the header value.
func verifySignature(secret string, body []byte, header string) bool {
	if header == "" {
		return false
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(header)))
}

// personTypeFor classifies the sender: machine accounts get bot-suffixed
// addresses, and notification payloads carry no explicit type field.
func personTypeFor(email string) string {
	e := strings.ToLower(email)
	if strings.HasSuffix(e, "@webex.bot") || strings.HasSuffix(e, "@sparkbot.io") {
		return "bot"
	}
	return "person"
}
