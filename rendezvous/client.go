package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a published code stays valid.
	DefaultTTL = 5 * time.Minute
	// DefaultCodeLength is the rendezvous code length.
	DefaultCodeLength = 6
	// DefaultWatchInterval is the status poll interval.
	DefaultWatchInterval = 2 * time.Second

	// StatusConnected is the literal stored once the handshake is accepted.
	StatusConnected = "connected"

	codeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	// ErrNotFound indicates no record exists under the code.
	ErrNotFound = errors.New("rendezvous: code not found")
	// ErrExpired indicates the record's expiry has passed. The record is
	// deleted before this is returned.
	ErrExpired = errors.New("rendezvous: code expired")
)

// Record is the stored value under peers/{code}.
type Record struct {
	SignalPayload string `json:"signalPayload"`
	Expiry        int64  `json:"expiry"`
}

// Client talks to the rendezvous key-value store. It performs no retries;
// callers surface its errors directly.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithClock overrides the expiry clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a store client for the given base URL.
func NewClient(baseURL string, options ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("rendezvous: base URL is required")
	}

	client := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		now:        time.Now,
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}

// GenerateCode returns a short random lowercase-alphanumeric code.
// Collisions are accepted as a low-probability risk, not deduplicated.
func GenerateCode() string {
	out := make([]byte, DefaultCodeLength)
	for i := range out {
		out[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(out)
}

// Publish stores the session-establishment payload under code with an
// absolute expiry ttl from now.
func (c *Client) Publish(ctx context.Context, code, payload string, ttl time.Duration) error {
	if code == "" {
		return errors.New("rendezvous: code is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	record := Record{
		SignalPayload: payload,
		Expiry:        c.now().Add(ttl).UnixMilli(),
	}
	return c.put(ctx, c.recordURL(code), record)
}

// Fetch retrieves the payload published under code. Expired records are
// deleted before ErrExpired is returned, so a subsequent Fetch of the same
// code yields ErrNotFound.
func (c *Client) Fetch(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", errors.New("rendezvous: code is required")
	}

	body, err := c.get(ctx, c.recordURL(code))
	if err != nil {
		return "", err
	}

	var record Record
	if err := json.Unmarshal(body, &record); err != nil {
		return "", fmt.Errorf("rendezvous: decode record for %q: %w", code, err)
	}
	if record.SignalPayload == "" {
		return "", ErrNotFound
	}

	if c.now().UnixMilli() > record.Expiry {
		if err := c.delete(ctx, c.recordURL(code)); err != nil {
			return "", err
		}
		return "", ErrExpired
	}

	return record.SignalPayload, nil
}

// MarkAccepted writes the connected status under the peer's code so the
// publisher's status watch fires.
func (c *Client) MarkAccepted(ctx context.Context, code string) error {
	if code == "" {
		return errors.New("rendezvous: code is required")
	}
	return c.put(ctx, c.statusURL(code), StatusConnected)
}

// FetchStatus reads the status value under code.
func (c *Client) FetchStatus(ctx context.Context, code string) (string, error) {
	body, err := c.get(ctx, c.statusURL(code))
	if err != nil {
		return "", err
	}

	var status string
	if err := json.Unmarshal(body, &status); err != nil {
		return "", fmt.Errorf("rendezvous: decode status for %q: %w", code, err)
	}
	if status == "" {
		return "", ErrNotFound
	}
	return status, nil
}

// StatusWatch polls a code's status path until it reports connected.
type StatusWatch struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// WatchStatus polls the status path for code every interval and invokes
// onConnected once it reads the connected literal, then stops itself. The
// returned watch must be stopped when the session is torn down so no
// notification is delivered into a dead session.
func (c *Client) WatchStatus(code string, interval time.Duration, onConnected func()) *StatusWatch {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	watch := &StatusWatch{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(watch.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status, err := c.FetchStatus(ctx, code)
				if err != nil {
					continue
				}
				if status == StatusConnected {
					onConnected()
					return
				}
			}
		}
	}()

	return watch
}

// Stop cancels the watch. Safe to call multiple times.
func (w *StatusWatch) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		<-w.done
	})
}

func (c *Client) recordURL(code string) string {
	return c.baseURL + "/peers/" + code + ".json"
}

func (c *Client) statusURL(code string) string {
	return c.baseURL + "/peers/" + code + "/status.json"
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: fetch %s: %w", url, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rendezvous: fetch %s: unexpected status %d", url, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: read response: %w", err)
	}
	if isNullBody(body) {
		return nil, ErrNotFound
	}
	return body, nil
}

func (c *Client) put(ctx context.Context, url string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal value: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rendezvous: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("rendezvous: publish %s: %w", url, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous: publish %s: unexpected status %d", url, response.StatusCode)
	}
	return nil
}

func (c *Client) delete(ctx context.Context, url string) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("rendezvous: build request: %w", err)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("rendezvous: delete %s: %w", url, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusNotFound {
		return fmt.Errorf("rendezvous: delete %s: unexpected status %d", url, response.StatusCode)
	}
	return nil
}

func isNullBody(body []byte) bool {
	return len(bytes.TrimSpace(body)) == 0 || bytes.Equal(bytes.TrimSpace(body), []byte("null"))
}
