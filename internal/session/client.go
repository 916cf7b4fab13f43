// Package session is the REST abstraction over server-held session
// records: identity lookup plus fetch/create/update of one record
// keyed by numeric id.
package session

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
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrTransport = errors.New("transport failure")
)

// TransportError is a network or HTTP failure talking to the session
// server. GetRecord callers are expected to translate it into the
// legacy sentinel record plus a status message; it is never swallowed
// here.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Identity is fetched once per page load. UserID zero is the sentinel
// for "not authenticated".
type Identity struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func (id Identity) Authenticated() bool {
	return id.UserID != 0
}

// Record is the server-held session record. The wire field names are
// fixed by the existing HTTP API.
type Record struct {
	ID           int64          `json:"id"`
	OwnerID      int64          `json:"person_id"`
	Comment      string         `json:"comments"`
	LastModified string         `json:"user_date"`
	Document     map[string]any `json:"neuroglancer_state"`
}

// SentinelRecord is the historical zero record shown when a fetch
// fails, so the UI can render "record missing" instead of crashing.
func SentinelRecord(err error) Record {
	comment := ""
	if err != nil {
		comment = err.Error()
	}
	return Record{
		ID:           0,
		OwnerID:      0,
		Comment:      comment,
		LastModified: "0",
		Document:     map[string]any{},
	}
}

// API is what the sync engine needs from the session server.
type API interface {
	GetIdentity(ctx context.Context) (Identity, error)
	GetRecord(ctx context.Context, id int64) (Record, error)
	CreateRecord(ctx context.Context, record Record) (Record, error)
	UpdateRecord(ctx context.Context, id int64, record Record) (Record, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *Client) GetIdentity(ctx context.Context) (Identity, error) {
	var out Identity
	if err := c.doJSON(ctx, http.MethodGet, "/session", nil, &out); err != nil {
		return Identity{}, err
	}
	return out, nil
}

func (c *Client) GetRecord(ctx context.Context, id int64) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodGet, "/neuroglancer/"+strconv.FormatInt(id, 10), nil, &out)
	if err != nil {
		return Record{}, err
	}
	if out.Document == nil {
		out.Document = map[string]any{}
	}
	return out, nil
}

func (c *Client) CreateRecord(ctx context.Context, record Record) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPost, "/neuroglancer", record, &out)
	if err != nil {
		return Record{}, err
	}
	if out.Document == nil {
		out.Document = map[string]any{}
	}
	return out, nil
}

func (c *Client) UpdateRecord(ctx context.Context, id int64, record Record) (Record, error) {
	var out Record
	err := c.doJSON(ctx, http.MethodPut, "/neuroglancer/"+strconv.FormatInt(id, 10), record, &out)
	if err != nil {
		return Record{}, err
	}
	if out.Document == nil {
		out.Document = map[string]any{}
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	op := method + " " + requestPath
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return &TransportError{Op: op, Err: err}
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &TransportError{Op: op, Err: waitErr}
				}
				continue
			}
			return &TransportError{Op: op, Err: err}
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &TransportError{Op: op, Err: readErr}
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return &TransportError{Op: op, Err: err}
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &TransportError{Op: op, Err: waitErr}
			}
			continue
		}

		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func correlationID() string {
	return "state_" + uuid.NewString()
}
