package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"peerlink/channel"
	"peerlink/protocol"
	"peerlink/rendezvous"
	"peerlink/storage"
	"peerlink/transfer"
)

// State is the session-level connection state.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingRendezvous State = "awaiting-rendezvous"
	StateConnecting         State = "connecting"
	StateConnected          State = "connected"
	StateDisconnected       State = "disconnected"
)

// Mode selects the local role for a rendezvous cycle.
type Mode string

const (
	ModeNone  Mode = ""
	ModeStart Mode = "start"
	ModeJoin  Mode = "join"
)

const (
	// signalTimeout bounds local signal gathering plus the rendezvous
	// publish round trip.
	signalTimeout = 30 * time.Second
	fetchTimeout  = 10 * time.Second
)

var (
	// ErrNoSession indicates no rendezvous cycle is active.
	ErrNoSession = errors.New("session: no active session")
	// ErrNotConnected indicates the channel is not open.
	ErrNotConnected = errors.New("session: not connected")
	// ErrPeerNotReady indicates the initiator tried to connect before the
	// responder's handshake was reported accepted.
	ErrPeerNotReady = errors.New("session: peer has not accepted yet")
)

// Link is the point-to-point channel surface the controller drives.
// channel.Link satisfies it; tests substitute in-memory pairs.
type Link interface {
	LocalSignal(ctx context.Context) (string, error)
	ApplyRemote(payload string) error
	Send(payload []byte) error
	Events() <-chan channel.Event
	State() channel.State
	Close() error
}

// Options configures a Controller.
type Options struct {
	Rendezvous *rendezvous.Client
	NewLink    func(role channel.Role) (Link, error)

	// Store, when set, persists chat history and completed transfers.
	Store *storage.Store
	// FilesDir, when set, receives the assembled artifact of every
	// completed inbound transfer under its stored name.
	FilesDir string

	Logger *slog.Logger

	StatusPollInterval time.Duration

	// Transfer engine tuning. Zero values take the engine defaults.
	ChunkSize  int
	AckTimeout time.Duration
	MaxRetries int
	RetryDelay time.Duration

	OnChatEntry        func(Entry)
	OnTransferProgress func(transfer.Snapshot)
	OnStateChange      func(State)
	OnPeerConnected    func()
}

// Controller is the top-level session orchestrator. It owns the channel
// and the transfer registry for the current rendezvous cycle, drains the
// channel's event stream, and routes inbound envelopes to the transfer
// engine or the chat log.
type Controller struct {
	options Options
	logger  *slog.Logger

	mu            sync.Mutex
	state         State
	mode          Mode
	localCode     string
	remoteCode    string
	peerConnected bool
	link          Link
	registry      *transfer.Registry
	watch         *rendezvous.StatusWatch
	// generation increments on every teardown so callbacks and event
	// loops from a previous cycle cannot mutate the new session.
	generation int

	chat *ChatLog

	wg     sync.WaitGroup
	errors chan error
}

// NewController creates a controller with validated configuration.
func NewController(options Options) (*Controller, error) {
	if options.Rendezvous == nil {
		return nil, errors.New("session: rendezvous client is required")
	}
	if options.NewLink == nil {
		return nil, errors.New("session: link factory is required")
	}
	if options.StatusPollInterval <= 0 {
		options.StatusPollInterval = rendezvous.DefaultWatchInterval
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		options: options,
		logger:  logger,
		state:   StateIdle,
		chat:    NewChatLog(),
		errors:  make(chan error, 64),
	}, nil
}

// SetMode resets any session in progress, then starts a fresh rendezvous
// cycle in the given role. ModeNone resets to idle without starting one.
// In start mode the local signal is published immediately and the
// returned code's status is watched for the responder's acceptance.
func (c *Controller) SetMode(mode Mode) error {
	c.mu.Lock()
	c.resetLocked(StateIdle)

	if mode == ModeNone {
		c.mu.Unlock()
		c.notifyState(StateIdle)
		return nil
	}

	var role channel.Role
	switch mode {
	case ModeStart:
		role = channel.RoleInitiator
	case ModeJoin:
		role = channel.RoleResponder
	default:
		c.mu.Unlock()
		return fmt.Errorf("session: unknown mode %q", mode)
	}

	link, err := c.options.NewLink(role)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create channel: %w", err)
	}
	registry, err := transfer.NewRegistry(transfer.Options{
		Sender:      link,
		ChunkSize:   c.options.ChunkSize,
		AckTimeout:  c.options.AckTimeout,
		MaxRetries:  c.options.MaxRetries,
		RetryDelay:  c.options.RetryDelay,
		OnProgress:  c.handleTransferProgress,
		OnCompleted: c.handleTransferCompleted,
		OnRemoved:   c.handleTransferRemoved,
		OnError:     c.reportError,
	})
	if err != nil {
		_ = link.Close()
		c.mu.Unlock()
		return err
	}

	c.link = link
	c.registry = registry
	c.mode = mode
	c.state = StateAwaitingRendezvous
	generation := c.generation

	c.wg.Add(1)
	go c.dispatchLoop(generation, link, registry)
	c.mu.Unlock()
	c.notifyState(StateAwaitingRendezvous)

	if mode == ModeStart {
		if err := c.publishLocalSignal(generation, link); err != nil {
			c.Reset()
			return err
		}
	}
	return nil
}

// publishLocalSignal gathers the local session-establishment payload,
// publishes it under a fresh code, and watches that code's status so the
// peer-connected flag flips once the responder accepts.
func (c *Controller) publishLocalSignal(generation int, link Link) error {
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	payload, err := link.LocalSignal(ctx)
	if err != nil {
		return fmt.Errorf("gather local signal: %w", err)
	}

	code := rendezvous.GenerateCode()
	if err := c.options.Rendezvous.Publish(ctx, code, payload, rendezvous.DefaultTTL); err != nil {
		return fmt.Errorf("publish rendezvous code: %w", err)
	}

	watch := c.options.Rendezvous.WatchStatus(code, c.options.StatusPollInterval, func() {
		c.markPeerConnected(generation)
	})

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		watch.Stop()
		return nil
	}
	c.localCode = code
	c.watch = watch
	c.mu.Unlock()
	return nil
}

// Connect supplies the remote rendezvous code and drives the handshake.
// The responder fetches the initiator's payload, publishes its own answer
// under a fresh local code, and marks the initiator's code accepted. The
// initiator, gated on the peer-connected flag, fetches the responder's
// answer and applies it.
func (c *Controller) Connect(remoteCode string) error {
	c.mu.Lock()
	mode := c.mode
	link := c.link
	generation := c.generation
	peerConnected := c.peerConnected
	c.mu.Unlock()

	if link == nil || mode == ModeNone {
		return ErrNoSession
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	switch mode {
	case ModeStart:
		if !peerConnected {
			return ErrPeerNotReady
		}
		payload, err := c.options.Rendezvous.Fetch(ctx, remoteCode)
		if err != nil {
			return fmt.Errorf("fetch peer signal: %w", err)
		}
		c.enterConnecting(generation, remoteCode)
		if err := link.ApplyRemote(payload); err != nil {
			return fmt.Errorf("apply peer signal: %w", err)
		}

	case ModeJoin:
		payload, err := c.options.Rendezvous.Fetch(ctx, remoteCode)
		if err != nil {
			return fmt.Errorf("fetch peer signal: %w", err)
		}
		if err := link.ApplyRemote(payload); err != nil {
			return fmt.Errorf("apply peer signal: %w", err)
		}
		answer, err := link.LocalSignal(ctx)
		if err != nil {
			return fmt.Errorf("gather local signal: %w", err)
		}
		code := rendezvous.GenerateCode()
		if err := c.options.Rendezvous.Publish(ctx, code, answer, rendezvous.DefaultTTL); err != nil {
			return fmt.Errorf("publish rendezvous code: %w", err)
		}
		if err := c.options.Rendezvous.MarkAccepted(ctx, remoteCode); err != nil {
			return fmt.Errorf("mark handshake accepted: %w", err)
		}
		c.mu.Lock()
		if c.generation == generation {
			c.localCode = code
		}
		c.mu.Unlock()
		c.enterConnecting(generation, remoteCode)
	}
	return nil
}

// SendText sends free-form chat text and appends it to the local log.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	state := c.state
	link := c.link
	c.mu.Unlock()
	if state != StateConnected || link == nil {
		return ErrNotConnected
	}

	payload, err := protocol.Encode(protocol.Text{Content: text})
	if err != nil {
		return err
	}
	if err := link.Send(payload); err != nil {
		return fmt.Errorf("send text: %w", err)
	}

	entry := c.chat.Append(Entry{Sender: SenderLocal, Kind: EntryText, Text: text})
	c.notifyChat(entry)
	c.persistEntry(entry)
	return nil
}

// SendFile queues a file from disk for outbound transfer and returns its
// fileId. Transmission starts once every earlier queued transfer has
// reached a terminal state.
func (c *Controller) SendFile(path string) (string, error) {
	c.mu.Lock()
	state := c.state
	registry := c.registry
	c.mu.Unlock()
	if state != StateConnected || registry == nil {
		return "", ErrNotConnected
	}
	return registry.EnqueuePath(path)
}

// SendFileReader queues an in-memory or stream-backed outbound transfer.
func (c *Controller) SendFileReader(name string, source io.ReaderAt, size int64) (string, error) {
	c.mu.Lock()
	state := c.state
	registry := c.registry
	c.mu.Unlock()
	if state != StateConnected || registry == nil {
		return "", ErrNotConnected
	}
	return registry.Enqueue(name, source, size)
}

// CancelTransfer cooperatively cancels a transfer in either direction.
func (c *Controller) CancelTransfer(fileID string) error {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return ErrNoSession
	}
	return registry.Cancel(fileID)
}

// Disconnect sends a best-effort disconnect envelope to the peer, then
// performs a full reset and leaves the session in the disconnected state.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	link := c.link
	generation := c.generation
	c.mu.Unlock()
	if link == nil {
		return ErrNoSession
	}

	if payload, err := protocol.Encode(protocol.Disconnect{}); err == nil {
		// Best effort; the reset below happens regardless.
		_ = link.Send(payload)
	}

	c.mu.Lock()
	if c.generation == generation {
		c.resetLocked(StateDisconnected)
	}
	c.mu.Unlock()
	c.notifyState(StateDisconnected)
	return nil
}

// Reset tears down the channel, clears transfers and chat, and returns to
// idle. Idempotent; safe to call at any time.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.resetLocked(StateIdle)
	c.mu.Unlock()
	c.notifyState(StateIdle)
}

// Close resets the session and waits for the event loop to exit.
func (c *Controller) Close() {
	c.Reset()
	c.wg.Wait()
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the current role selection.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// LocalCode returns the published local rendezvous code, if any.
func (c *Controller) LocalCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localCode
}

// PeerConnected reports whether the rendezvous store has reported the
// responder's handshake as accepted.
func (c *Controller) PeerConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerConnected
}

// ChatEntries returns the chat log in append order.
func (c *Controller) ChatEntries() []Entry {
	return c.chat.Entries()
}

// Transfers returns snapshots of all tracked transfers.
func (c *Controller) Transfers() []transfer.Snapshot {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.Snapshots()
}

// CompletedFile resolves a completed transfer's artifact by fileId.
func (c *Controller) CompletedFile(fileID string) (*transfer.Completed, bool) {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return nil, false
	}
	return registry.CompletedFile(fileID)
}

// CompletedFiles lists all retained completed artifacts.
func (c *Controller) CompletedFiles() []*transfer.Completed {
	c.mu.Lock()
	registry := c.registry
	c.mu.Unlock()
	if registry == nil {
		return nil
	}
	return registry.CompletedFiles()
}

// Errors returns asynchronous session and transfer faults.
func (c *Controller) Errors() <-chan error {
	return c.errors
}

// dispatchLoop drains one channel's event stream. Envelopes are handled
// one at a time; the loop exits when the channel reaches closed or its
// event stream ends.
func (c *Controller) dispatchLoop(generation int, link Link, registry *transfer.Registry) {
	defer c.wg.Done()
	for event := range link.Events() {
		switch event.Kind {
		case channel.EventState:
			switch event.State {
			case channel.StateOpen:
				c.setStateIf(generation, StateConnected)
			case channel.StateClosed:
				c.handleChannelClosed(generation, event.Err)
				return
			}
		case channel.EventMessage:
			c.handleInbound(generation, registry, event.Message)
		}
	}
	// The stream ended without delivering a terminal state event. The
	// channel is gone either way.
	c.handleChannelClosed(generation, nil)
}

// handleInbound decodes one channel message and routes it. File and ack
// envelopes go to the transfer engine; a disconnect tears the session
// down; plain text lands in the chat log tagged as remote.
func (c *Controller) handleInbound(generation int, registry *transfer.Registry, payload []byte) {
	envelope, err := protocol.Decode(payload)
	if err != nil {
		// Malformed reserved-prefix token. Dropped, never chat.
		c.logger.Debug("dropping undecodable message", "error", err)
		return
	}

	switch msg := envelope.(type) {
	case protocol.Text:
		entry := c.chat.Append(Entry{Sender: SenderRemote, Kind: EntryText, Text: msg.Content})
		c.notifyChat(entry)
		c.persistEntry(entry)
	case protocol.Disconnect:
		c.logger.Info("peer disconnected")
		c.mu.Lock()
		if c.generation == generation {
			c.resetLocked(StateDisconnected)
		}
		c.mu.Unlock()
		c.notifyState(StateDisconnected)
	default:
		registry.HandleEnvelope(envelope)
	}
}

// handleChannelClosed performs the full reset a channel-level failure
// demands. A close caused by our own teardown is recognized by its stale
// generation and ignored.
func (c *Controller) handleChannelClosed(generation int, cause error) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.resetLocked(StateDisconnected)
	c.mu.Unlock()

	if cause != nil {
		c.reportError(fmt.Errorf("channel closed: %w", cause))
	}
	c.notifyState(StateDisconnected)
}

// resetLocked tears down the current cycle and moves to next. Callers
// hold c.mu. Idempotent: every resource release tolerates being already
// released.
func (c *Controller) resetLocked(next State) {
	c.generation++

	if c.watch != nil {
		c.watch.Stop()
		c.watch = nil
	}
	if c.registry != nil {
		c.registry.Stop()
		c.registry.DropActive()
		c.registry = nil
	}
	if c.link != nil {
		_ = c.link.Close()
		c.link = nil
	}

	c.chat.Clear()
	c.mode = ModeNone
	c.localCode = ""
	c.remoteCode = ""
	c.peerConnected = false
	c.state = next
}

func (c *Controller) enterConnecting(generation int, remoteCode string) {
	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		return
	}
	c.remoteCode = remoteCode
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)
}

func (c *Controller) setStateIf(generation int, state State) {
	c.mu.Lock()
	if c.generation != generation || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.notifyState(state)
}

func (c *Controller) markPeerConnected(generation int) {
	c.mu.Lock()
	if c.generation != generation || c.peerConnected {
		c.mu.Unlock()
		return
	}
	c.peerConnected = true
	c.mu.Unlock()

	c.logger.Info("peer handshake accepted")
	if c.options.OnPeerConnected != nil {
		c.options.OnPeerConnected()
	}
}

func (c *Controller) handleTransferProgress(snapshot transfer.Snapshot) {
	if c.options.OnTransferProgress != nil {
		c.options.OnTransferProgress(snapshot)
	}
}

// handleTransferCompleted appends the transfer's single chat entry,
// writes inbound artifacts to the files dir, and records both durably.
func (c *Controller) handleTransferCompleted(artifact transfer.Completed) {
	sender := SenderLocal
	text := fmt.Sprintf("sent %s", artifact.Name)
	var path string

	if artifact.Direction == transfer.DirectionReceive {
		sender = SenderRemote
		text = fmt.Sprintf("received %s", artifact.Name)
		if c.options.FilesDir != "" {
			path = filepath.Join(c.options.FilesDir, artifact.StoredName)
			if err := writeArtifact(path, artifact.Data); err != nil {
				c.reportError(fmt.Errorf("store received file %q: %w", artifact.Name, err))
				path = ""
			}
		}
	}

	entry := c.chat.Append(Entry{
		Sender:   sender,
		Kind:     EntryFile,
		Text:     text,
		FileID:   artifact.FileID,
		FileName: artifact.Name,
	})
	c.notifyChat(entry)
	c.persistEntry(entry)

	if c.options.Store != nil {
		record := storage.FileRecord{
			FileID:      artifact.FileID,
			Name:        artifact.Name,
			StoredName:  artifact.StoredName,
			Size:        artifact.Size,
			Direction:   string(artifact.Direction),
			Status:      string(transfer.StatusCompleted),
			Path:        path,
			CompletedAt: time.Now().UnixMilli(),
		}
		if err := c.options.Store.SaveFileRecord(record); err != nil {
			c.reportError(fmt.Errorf("persist file record: %w", err))
		}
	}
}

// handleTransferRemoved unwinds a cancelled or failed transfer's chat
// trace, in memory and in the durable history.
func (c *Controller) handleTransferRemoved(snapshot transfer.Snapshot) {
	c.chat.RemoveFileReference(snapshot.FileID)
	if c.options.Store != nil {
		if err := c.options.Store.DeleteMessagesByFileID(snapshot.FileID); err != nil {
			c.reportError(fmt.Errorf("discard persisted file entries: %w", err))
		}
	}
	c.logger.Info("transfer removed",
		"fileId", snapshot.FileID,
		"name", snapshot.Name,
		"status", string(snapshot.Status))
}

func (c *Controller) notifyState(state State) {
	if c.options.OnStateChange != nil {
		c.options.OnStateChange(state)
	}
}

func (c *Controller) notifyChat(entry Entry) {
	if c.options.OnChatEntry != nil {
		c.options.OnChatEntry(entry)
	}
}

func (c *Controller) persistEntry(entry Entry) {
	if c.options.Store == nil {
		return
	}
	message := storage.Message{
		MessageID: entry.ID,
		Sender:    string(entry.Sender),
		Kind:      string(entry.Kind),
		Content:   entry.Text,
		FileID:    entry.FileID,
		Timestamp: entry.Timestamp.UnixMilli(),
	}
	if err := c.options.Store.SaveMessage(message); err != nil {
		c.reportError(fmt.Errorf("persist chat entry: %w", err))
	}
}

func (c *Controller) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case c.errors <- err:
	default:
	}
}

func writeArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
