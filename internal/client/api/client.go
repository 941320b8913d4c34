// Package api is the HTTP client for the message store REST surface.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qpoint/qpmsg/internal/client/debug"
	"github.com/qpoint/qpmsg/internal/client/metrics"
	"github.com/qpoint/qpmsg/internal/client/models"
)

const maxBodyBytes = 4 << 20

// TransportError is a failed REST call: either the store was unreachable (Status 0)
// or it answered with a non-2xx status.
type TransportError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("%s: store unreachable: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	default:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the store rejected the credential.
func (e *TransportError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Unauthorized reports whether err, however wrapped, means the store rejected the credential.
func Unauthorized(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Unauthorized()
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithTimeout bounds every request. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    http.DefaultClient,
		logger:  debug.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/chat/conversations", nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Conversation{}
	}
	return out, nil
}

func (c *Client) FetchThread(ctx context.Context, otherUserID int64) ([]models.Message, error) {
	var out []models.Message
	path := "/api/chat/messages/" + strconv.FormatInt(otherUserID, 10)
	if err := c.do(ctx, "fetch_thread", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

// Send posts a message and returns the store's acknowledgment.
func (c *Client) Send(ctx context.Context, req models.SendRequest) (models.Message, error) {
	var out models.Message
	if err := c.do(ctx, "send", http.MethodPost, "/api/chat/send", req, &out); err != nil {
		return models.Message{}, err
	}
	if !out.HasID() {
		return models.Message{}, &TransportError{Op: "send", Status: http.StatusOK, Message: "acknowledgment carries no message id"}
	}
	return out, nil
}

func (c *Client) MarkRead(ctx context.Context, otherUserID int64) error {
	path := "/api/chat/read/" + strconv.FormatInt(otherUserID, 10)
	return c.do(ctx, "mark_read", http.MethodPut, path, struct{}{}, nil)
}

func (c *Client) CurrentUser(ctx context.Context) (models.Principal, error) {
	var out models.Principal
	if err := c.do(ctx, "current_user", http.MethodGet, "/api/users/me", nil, &out); err != nil {
		return models.Principal{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	log := c.logger.With(zap.String("op", op), zap.String("request_id", requestID))
	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RESTRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RESTRequestsTotal.WithLabelValues(op, "error").Inc()
		log.Warn("store request failed", zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	metrics.RESTRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb models.ErrorBody
		_ = json.Unmarshal(data, &eb)
		if eb.Message == "" {
			eb.Message = "request failed"
		}
		log.Warn("store returned error", zap.Int("status", resp.StatusCode), zap.String("message", eb.Message))
		return &TransportError{Op: op, Status: resp.StatusCode, Message: eb.Message}
	}

	log.Debug("store request ok", zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Op: op, Status: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return nil
}
