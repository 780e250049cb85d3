// Package webex implements aegis.ChatTransport against a Webex-style
// messages API: threaded Markdown posts, message edits, one optional file
// attachment per message, and a signed-webhook event stream.
package webex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kelvaris/aegis"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://webexapis.com/v1"

// errBodyLimit caps how much of an error response body rides along in an
// ErrHTTP.
const errBodyLimit = 512

// Client talks to the messages API and implements aegis.ChatTransport.
// Writes pass through a client-side rate limiter so bursts of thinking
// edits cannot trip the server-side quota.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	events    chan aegis.Event
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API root, e.g. a test
// server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithRateLimit overrides the default write rate (5 requests/second,
// burst 5).
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithEventBuffer sets the inbound event channel capacity (default 64).
// Events arriving while the buffer is full are dropped with an error log.
func WithEventBuffer(n int) Option {
	return func(c *Client) { c.events = make(chan aegis.Event, n) }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client authenticating with the given bot token.
func New(token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.events == nil {
		c.events = make(chan aegis.Event, 64)
	}
	if c.logger == nil {
		c.logger = aegis.NopLogger()
	}
	return c
}

// SendMessage posts a Markdown message to roomID, threaded under parentID
// when non-empty. The first file (the API takes one attachment per
// message) is uploaded alongside; extras are logged and skipped. Returns
// the created message's ID.
func (c *Client) SendMessage(ctx context.Context, roomID, parentID, markdown string, files []string) (string, error) {
	if len(files) > 1 {
		c.logger.Warn("message API accepts one attachment, skipping extras", "skipped", len(files)-1)
	}

	var resp *http.Response
	var err error
	if len(files) == 0 {
		resp, err = c.do(ctx, http.MethodPost, "/messages", Message{
			RoomID:   roomID,
			ParentID: parentID,
			Markdown: markdown,
			Text:     PlainText(markdown),
		})
	} else {
		resp, err = c.postMultipart(ctx, roomID, parentID, markdown, files[0])
	}
	if err != nil {
		return "", fmt.Errorf("webex: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", httpErr(resp)
	}
	var m Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return "", fmt.Errorf("webex: decode send response: %w", err)
	}
	return m.ID, nil
}

// EditMessage replaces messageID's content. The API rejects edits whose
// markdown matches the current content; that rejection is swallowed since
// an identical message is already the desired state.
func (c *Client) EditMessage(ctx context.Context, messageID, roomID, markdown string) error {
	resp, err := c.do(ctx, http.MethodPut, "/messages/"+messageID, Message{
		RoomID:   roomID,
		Markdown: markdown,
		Text:     PlainText(markdown),
	})
	if err != nil {
		return fmt.Errorf("webex: edit message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := httpErr(resp)
		if isUnchanged(err) {
			return nil
		}
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// GetMessage fetches a message by ID. Webhook payloads omit the text, so
// the receiver round-trips through here before emitting an event.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/messages/"+messageID, nil)
	if err != nil {
		return nil, fmt.Errorf("webex: get message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}
	var m Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("webex: decode message: %w", err)
	}
	return &m, nil
}

// Me returns the authenticated bot's identity. Hosts call it once at
// startup for the self-ID used to drop the bot's own messages.
func (c *Client) Me(ctx context.Context) (*Person, error) {
	resp, err := c.do(ctx, http.MethodGet, "/people/me", nil)
	if err != nil {
		return nil, fmt.Errorf("webex: get identity: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}
	var p Person
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("webex: decode identity: %w", err)
	}
	return &p, nil
}

// Events returns the inbound event stream fed by the webhook handler.
// The channel closes on Close.
func (c *Client) Events() <-chan aegis.Event {
	return c.events
}

// Close shuts the event stream down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.events) })
}

// do sends one rate-limited JSON request.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.httpClient.Do(req)
}

// postMultipart uploads one attachment alongside the message fields.
func (c *Client) postMultipart(ctx context.Context, roomID, parentID, markdown, file string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := map[string]string{
		"roomId":   roomID,
		"markdown": markdown,
		"text":     PlainText(markdown),
	}
	if parentID != "" {
		fields["parentId"] = parentID
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write field %s: %w", k, err)
		}
	}

	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	part, err := mw.CreateFormFile("files", filepath.Base(file))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy attachment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.httpClient.Do(req)
}

// isUnchanged reports the API's "edit matches current content" rejection.
func isUnchanged(err error) bool {
	var e *aegis.ErrHTTP
	if !errors.As(err, &e) {
		return false
	}
	if e.Status != http.StatusBadRequest && e.Status != http.StatusConflict {
		return false
	}
	b := strings.ToLower(e.Body)
	return strings.Contains(b, "unchanged") || strings.Contains(b, "identical") || strings.Contains(b, "not changed")
}

// httpErr converts a non-2xx response into an ErrHTTP with a body excerpt.
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))
	return &aegis.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: aegis.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ aegis.ChatTransport = (*Client)(nil)
