package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerlink/protocol"
)

const (
	// DefaultChunkSize is the per-chunk byte budget.
	DefaultChunkSize = 64 * 1024
	// DefaultAckTimeout bounds each wait for a chunk acknowledgment.
	DefaultAckTimeout = 5 * time.Second
	// DefaultMaxRetries is the total number of send attempts per chunk.
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the fixed pause between chunk send attempts.
	DefaultRetryDelay = time.Second
)

var (
	// ErrCancelled indicates the transfer was cancelled cooperatively.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrRetriesExhausted indicates a chunk was never acknowledged within
	// the retry budget.
	ErrRetriesExhausted = errors.New("transfer: chunk retries exhausted")
	// ErrUnknownTransfer indicates no transfer is registered for the fileId.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
)

// Sender writes one opaque message to the channel. channel.Link satisfies
// it; tests substitute in-memory fakes.
type Sender interface {
	Send(payload []byte) error
}

// Completed describes one finished transfer and its assembled artifact.
type Completed struct {
	FileID     string
	Name       string
	StoredName string
	Size       int64
	Direction  Direction
	Data       []byte
}

// Options configures a Registry.
type Options struct {
	Sender Sender

	ChunkSize  int
	AckTimeout time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// OnProgress fires after every acknowledged or applied chunk.
	OnProgress func(Snapshot)
	// OnCompleted fires once per transfer reaching completed.
	OnCompleted func(Completed)
	// OnRemoved fires when a transfer leaves the registry without
	// completing, so observers can drop any speculative reference.
	OnRemoved func(Snapshot)
	// OnError, when set, receives asynchronous engine errors instead of
	// the Errors channel.
	OnError func(error)
}

type outboundRequest struct {
	transfer *Transfer
	source   io.ReaderAt
}

// Registry tracks all concurrent transfers by fileId, serializes outbound
// initiation through a single FIFO worker, and retains completed artifacts
// until the session resets. Receive-side transfers are driven directly by
// envelope arrival order and have no such serialization.
type Registry struct {
	options Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	transfers map[string]*Transfer
	completed map[string]*Completed
	closers   map[string]io.Closer

	queue chan *outboundRequest

	errors   chan error
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts its outbound queue worker.
func NewRegistry(options Options) (*Registry, error) {
	if options.Sender == nil {
		return nil, errors.New("transfer: sender is required")
	}
	if options.ChunkSize <= 0 {
		options.ChunkSize = DefaultChunkSize
	}
	if options.AckTimeout <= 0 {
		options.AckTimeout = DefaultAckTimeout
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = DefaultRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := &Registry{
		options:   options,
		ctx:       ctx,
		cancel:    cancel,
		transfers: make(map[string]*Transfer),
		completed: make(map[string]*Completed),
		queue:     make(chan *outboundRequest, 64),
		errors:    make(chan error, 64),
	}

	registry.wg.Add(1)
	go registry.queueWorker()

	return registry, nil
}

// Stop cancels all in-flight activity and waits for the worker to exit.
// Active transfers end cancelled. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		r.cancel()

		r.mu.Lock()
		for _, transfer := range r.transfers {
			if !transfer.currentStatus().terminal() {
				transfer.markCancelled()
			}
		}
		r.mu.Unlock()

		r.wg.Wait()
	})
}

// Errors returns asynchronous engine errors.
func (r *Registry) Errors() <-chan error {
	return r.errors
}

// DropActive cancels and removes every non-completed transfer without
// notifying the peer. The session controller calls this on teardown, when
// the channel is already gone.
func (r *Registry) DropActive() {
	r.mu.Lock()
	var dropped []*Transfer
	for fileID, transfer := range r.transfers {
		if transfer.currentStatus() == StatusCompleted {
			continue
		}
		transfer.markCancelled()
		delete(r.transfers, fileID)
		dropped = append(dropped, transfer)
	}
	r.mu.Unlock()

	for _, transfer := range dropped {
		r.closeSource(transfer.fileID)
		if r.options.OnRemoved != nil {
			r.options.OnRemoved(transfer.snapshot())
		}
	}
}

// Enqueue appends an outbound file to the FIFO queue and returns its
// fileId. Chunk transmission begins only after every earlier queued
// transfer reaches a terminal state.
func (r *Registry) Enqueue(originalName string, source io.ReaderAt, size int64) (string, error) {
	return r.enqueue(originalName, source, size, nil)
}

// enqueue registers the transfer and its source closer before the request
// is visible to the queue worker, so the worker's terminal cleanup always
// finds the closer no matter how quickly the transfer ends.
func (r *Registry) enqueue(originalName string, source io.ReaderAt, size int64, closer io.Closer) (string, error) {
	if originalName == "" {
		return "", errors.New("transfer: file name is required")
	}
	if size < 0 {
		return "", errors.New("transfer: negative file size")
	}

	fileID := uuid.NewString()
	totalChunks := chunkCount(size, r.options.ChunkSize)

	r.mu.Lock()
	storedName := r.disambiguateLocked(originalName)
	transfer := newSendTransfer(fileID, storedName, originalName, size, totalChunks)
	r.transfers[fileID] = transfer
	if closer != nil {
		if r.closers == nil {
			r.closers = make(map[string]io.Closer)
		}
		r.closers[fileID] = closer
	}
	r.mu.Unlock()

	select {
	case r.queue <- &outboundRequest{transfer: transfer, source: source}:
	case <-r.ctx.Done():
		r.closeSource(fileID)
		r.remove(fileID)
		return "", r.ctx.Err()
	}

	return fileID, nil
}

// EnqueuePath stats and enqueues a file on disk. The file is read chunk by
// chunk during transmission, not loaded whole.
func (r *Registry) EnqueuePath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("transfer: stat source file: %w", err)
	}
	if info.IsDir() {
		return "", errors.New("transfer: source path must be a file")
	}

	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("transfer: open source file: %w", err)
	}

	// The registry owns the handle from here; it is closed when the
	// transfer reaches a terminal state.
	return r.enqueue(filepath.Base(path), file, info.Size(), file)
}

// Cancel cooperatively cancels a non-completed transfer, notifies the
// peer, and removes the transfer from the registry. Completion is terminal:
// cancelling a completed transfer is a no-op.
func (r *Registry) Cancel(fileID string) error {
	r.mu.Lock()
	transfer := r.transfers[fileID]
	r.mu.Unlock()
	if transfer == nil {
		return ErrUnknownTransfer
	}
	if transfer.currentStatus() == StatusCompleted {
		return nil
	}

	transfer.markCancelled()
	if err := r.sendEnvelope(protocol.CancelTransfer{FileID: fileID}); err != nil {
		r.reportError(fmt.Errorf("notify peer of cancelled transfer %q: %w", fileID, err))
	}

	r.remove(fileID)
	return nil
}

// Snapshots returns a copy of all tracked transfers.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.transfers))
	for _, transfer := range r.transfers {
		out = append(out, transfer.snapshot())
	}
	return out
}

// Lookup returns the snapshot for one fileId.
func (r *Registry) Lookup(fileID string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	transfer := r.transfers[fileID]
	if transfer == nil {
		return Snapshot{}, false
	}
	return transfer.snapshot(), true
}

// CompletedFile returns the assembled artifact for a completed transfer.
// Completed transfers are retained until the session resets.
func (r *Registry) CompletedFile(fileID string) (*Completed, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	artifact, ok := r.completed[fileID]
	return artifact, ok
}

// CompletedFiles lists all retained artifacts.
func (r *Registry) CompletedFiles() []*Completed {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Completed, 0, len(r.completed))
	for _, artifact := range r.completed {
		out = append(out, artifact)
	}
	return out
}

func (r *Registry) lookupTransfer(fileID string) *Transfer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transfers[fileID]
}

// remove drops a non-completed transfer from the registry and tells
// observers to discard any speculative reference to it.
func (r *Registry) remove(fileID string) {
	r.mu.Lock()
	transfer := r.transfers[fileID]
	if transfer != nil {
		delete(r.transfers, fileID)
	}
	r.mu.Unlock()

	if transfer != nil && r.options.OnRemoved != nil {
		r.options.OnRemoved(transfer.snapshot())
	}
}

func (r *Registry) finishCompleted(transfer *Transfer, data []byte) {
	transfer.markCompleted()

	artifact := &Completed{
		FileID:     transfer.fileID,
		Name:       transfer.originalName,
		StoredName: transfer.storedName,
		Size:       transfer.size,
		Direction:  transfer.direction,
		Data:       data,
	}

	r.mu.Lock()
	r.completed[transfer.fileID] = artifact
	r.mu.Unlock()

	if r.options.OnCompleted != nil {
		r.options.OnCompleted(*artifact)
	}
}

// disambiguateLocked resolves stored-name collisions among concurrently
// known transfers with a counter suffix. The chat-visible name stays the
// original.
func (r *Registry) disambiguateLocked(name string) string {
	inUse := func(candidate string) bool {
		for _, transfer := range r.transfers {
			if transfer.snapshot().StoredName == candidate {
				return true
			}
		}
		for _, artifact := range r.completed {
			if artifact.StoredName == candidate {
				return true
			}
		}
		return false
	}

	if !inUse(name) {
		return name
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		if !inUse(candidate) {
			return candidate
		}
	}
}

func (r *Registry) sendEnvelope(envelope protocol.Envelope) error {
	payload, err := protocol.Encode(envelope)
	if err != nil {
		return err
	}
	return r.options.Sender.Send(payload)
}

func (r *Registry) emitProgress(transfer *Transfer) {
	if r.options.OnProgress != nil {
		r.options.OnProgress(transfer.snapshot())
	}
}

func (r *Registry) reportError(err error) {
	if err == nil {
		return
	}
	if r.options.OnError != nil {
		r.options.OnError(err)
		return
	}
	select {
	case r.errors <- err:
	default:
	}
}

func (r *Registry) closeSource(fileID string) {
	r.mu.Lock()
	closer := r.closers[fileID]
	delete(r.closers, fileID)
	r.mu.Unlock()
	if closer != nil {
		_ = closer.Close()
	}
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
