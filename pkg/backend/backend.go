package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wurt83ow/orgkeeper/pkg/appcontext"
	"github.com/wurt83ow/orgkeeper/pkg/models"
)

var (
	// ErrTransient marks failures worth retrying: network errors, timeouts,
	// 5xx and 429 responses.
	ErrTransient = errors.New("backend unavailable")
	// ErrNotFound is returned by Update when the remote row does not exist.
	ErrNotFound = errors.New("remote row not found")
)

// RejectedError is a permanent refusal by the backend, such as a failed
// validation or a missing permission.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend rejected request: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend rejected request: %d %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Backend is the shared remote store. Every call is scoped to one owner:
// Fetch and Delete by parameter, Insert and Update by the record's owner_id.
type Backend interface {
	// Fetch returns ownerID's rows of table, only those changed at or after
	// since when it is not nil.
	Fetch(ctx context.Context, table, ownerID string, since *time.Time) ([]models.Record, error)
	// Insert creates or replaces the row with the record's id.
	Insert(ctx context.Context, table string, rec models.Record) error
	// Update overwrites the given fields of an existing row.
	Update(ctx context.Context, table string, id int64, rec models.Record) error
	// Delete removes a row; deleting a missing row succeeds.
	Delete(ctx context.Context, table, ownerID string, id int64) error
}

// HTTP implements Backend over the REST API.
type HTTP struct {
	client  *ClientWithResponses
	timeout time.Duration
}

// Option configures HTTP.
type Option func(*options)

type options struct {
	timeout time.Duration
	client  HttpRequestDoer
}

// WithTimeout bounds every remote call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDoer replaces the underlying *http.Client.
func WithDoer(doer HttpRequestDoer) Option {
	return func(o *options) { o.client = doer }
}

func NewHTTP(serverURL string, opts ...Option) (*HTTP, error) {
	o := options{timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := []ClientOption{WithRequestEditorFn(authorize)}
	if o.client != nil {
		clientOpts = append(clientOpts, WithHTTPClient(o.client))
	}
	client, err := NewClientWithResponses(serverURL, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}
	return &HTTP{client: client, timeout: o.timeout}, nil
}

// authorize stamps the session token and a request id on every request.
func authorize(ctx context.Context, req *http.Request) error {
	if token, ok := appcontext.Token(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Request-ID", uuid.NewString())
	if cycle := appcontext.CycleID(ctx); cycle != "" {
		req.Header.Set("X-Sync-Cycle", cycle)
	}
	return nil
}

func (h *HTTP) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.timeout)
}

func (h *HTTP) Fetch(ctx context.Context, table, ownerID string, since *time.Time) ([]models.Record, error) {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	params := &GetRowsParams{OwnerId: ownerID}
	if since != nil {
		s := models.FormatTime(*since)
		params.Since = &s
	}
	rsp, err := h.client.GetRowsWithResponse(ctx, table, params)
	if err != nil {
		return nil, transport("fetch", table, err)
	}
	if err := classify("fetch", table, rsp); err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(rsp.Body, &raw); err != nil {
		return nil, fmt.Errorf("fetch %s: decode body: %w", table, err)
	}
	out := make([]models.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := models.DecodeRecord(r)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (h *HTTP) Insert(ctx context.Context, table string, rec models.Record) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	rsp, err := h.client.UpsertRowWithResponse(ctx, table, UpsertRowJSONRequestBody(rec))
	if err != nil {
		return transport("insert", table, err)
	}
	return classify("insert", table, rsp)
}

func (h *HTTP) Update(ctx context.Context, table string, id int64, rec models.Record) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	rsp, err := h.client.PatchRowWithResponse(ctx, table, id, &PatchRowParams{OwnerId: rec.OwnerID()}, PatchRowJSONRequestBody(rec))
	if err != nil {
		return transport("update", table, err)
	}
	if rsp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("update %s/%d: %w", table, id, ErrNotFound)
	}
	return classify("update", table, rsp)
}

func (h *HTTP) Delete(ctx context.Context, table, ownerID string, id int64) error {
	ctx, cancel := h.withTimeout(ctx)
	defer cancel()

	rsp, err := h.client.DeleteRowWithResponse(ctx, table, id, &DeleteRowParams{OwnerId: ownerID})
	if err != nil {
		return transport("delete", table, err)
	}
	if rsp.StatusCode() == http.StatusNotFound {
		// already gone
		return nil
	}
	return classify("delete", table, rsp)
}

func transport(op, table string, err error) error {
	return fmt.Errorf("%s %s: %w: %v", op, table, ErrTransient, err)
}

func classify(op, table string, rsp *RowResponse) error {
	code := rsp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%s %s: %w: %s", op, table, ErrTransient, rsp.Status())
	}
	return fmt.Errorf("%s %s: %w", op, table, &RejectedError{StatusCode: code, Message: message(rsp.Body)})
}

// message extracts {"error": "..."} bodies, falling back to the raw text.
func message(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return string(bytes.TrimSpace(body))
}
