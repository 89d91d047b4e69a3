package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// storeServer is an in-memory stand-in for the rendezvous key-value store.
type storeServer struct {
	mu     sync.Mutex
	values map[string]json.RawMessage
}

func newStoreServer() *storeServer {
	return &storeServer{values: make(map[string]json.RawMessage)}
}

func (s *storeServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")

		s.mu.Lock()
		defer s.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			value, ok := s.values[key]
			if !ok {
				_, _ = w.Write([]byte("null"))
				return
			}
			_, _ = w.Write(value)
		case http.MethodPut:
			var value json.RawMessage
			if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.values[key] = value
			_, _ = w.Write(value)
		case http.MethodDelete:
			delete(s.values, key)
			// Delete the subtree too, matching store semantics.
			for stored := range s.values {
				if strings.HasPrefix(stored, key+"/") {
					delete(s.values, stored)
				}
			}
			_, _ = w.Write([]byte("null"))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func newTestClient(t *testing.T, now func() time.Time) (*Client, *storeServer) {
	t.Helper()

	store := newStoreServer()
	server := httptest.NewServer(store.handler())
	t.Cleanup(server.Close)

	options := []Option{WithHTTPClient(server.Client())}
	if now != nil {
		options = append(options, WithClock(now))
	}
	client, err := NewClient(server.URL, options...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, store
}

func TestPublishAndFetch(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	if err := client.Publish(ctx, "abc123", "offer-sdp-payload", DefaultTTL); err != nil {
		t.Fatalf("publish: %v", err)
	}

	payload, err := client.Fetch(ctx, "abc123")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if payload != "offer-sdp-payload" {
		t.Fatalf("fetched payload mismatch: %q", payload)
	}
}

func TestFetchUnknownCode(t *testing.T) {
	client, _ := newTestClient(t, nil)

	if _, err := client.Fetch(context.Background(), "nosuch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiredCodeDeletedThenNotFound(t *testing.T) {
	current := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	client, _ := newTestClient(t, now)
	ctx := context.Background()

	if err := client.Publish(ctx, "oldone", "stale-payload", DefaultTTL); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	current = current.Add(DefaultTTL + time.Second)
	mu.Unlock()

	if _, err := client.Fetch(ctx, "oldone"); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if _, err := client.Fetch(ctx, "oldone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry delete, got %v", err)
	}
}

func TestMarkAcceptedAndFetchStatus(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	if err := client.Publish(ctx, "zz9qqa", "payload", DefaultTTL); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := client.FetchStatus(ctx, "zz9qqa"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before accept, got %v", err)
	}

	if err := client.MarkAccepted(ctx, "zz9qqa"); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}

	status, err := client.FetchStatus(ctx, "zz9qqa")
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	if status != StatusConnected {
		t.Fatalf("status mismatch: %q", status)
	}
}

func TestWatchStatusFiresOnceConnected(t *testing.T) {
	client, _ := newTestClient(t, nil)
	ctx := context.Background()

	connected := make(chan struct{})
	watch := client.WatchStatus("watchme", 20*time.Millisecond, func() {
		close(connected)
	})
	defer watch.Stop()

	select {
	case <-connected:
		t.Fatal("watch fired before status was written")
	case <-time.After(80 * time.Millisecond):
	}

	if err := client.MarkAccepted(ctx, "watchme"); err != nil {
		t.Fatalf("mark accepted: %v", err)
	}

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never fired after status was written")
	}
}

func TestWatchStatusStopIsIdempotent(t *testing.T) {
	client, _ := newTestClient(t, nil)

	watch := client.WatchStatus("stopme", 20*time.Millisecond, func() {
		t.Error("callback fired for never-connected code")
	})
	watch.Stop()
	watch.Stop()
}

func TestGenerateCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		code := GenerateCode()
		if len(code) != DefaultCodeLength {
			t.Fatalf("code %q has length %d", code, len(code))
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains invalid rune %q", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Fatal("codes do not look random")
	}
}
