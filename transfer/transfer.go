// Package transfer implements the chunked file transfer engine: chunking,
// sequencing, acknowledgment, retry, reassembly, cancellation, and the
// outbound queue. One Transfer tracks one file moving in one direction;
// the Registry tracks all of them and serializes outbound initiation.
package transfer

import (
	"sync"
)

// Direction of a transfer relative to this endpoint.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Status of a transfer. completed, failed, and cancelled are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether a status ends the transfer.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transfer is the engine-managed state for one file. The chunk slot array
// is mutated only by the engine instance driving this transfer.
type Transfer struct {
	mu sync.Mutex

	fileID       string
	storedName   string
	originalName string
	size         int64
	totalChunks  int

	chunks   [][]byte
	filled   int
	progress float64

	direction Direction
	status    Status
	retries   int

	// infoAck fires when the peer acknowledges FileInfo. Send direction
	// only; there is no timeout on this wait.
	infoAck chan struct{}
	// chunkAcks carries acknowledged chunk indexes to the send loop.
	chunkAcks chan int
	// cancelled fires on cooperative cancellation. Checked before each
	// chunk send; an in-flight ack wait still completes or times out first.
	cancelled   chan struct{}
	cancelOnce  sync.Once
	ackInfoOnce sync.Once
}

func newSendTransfer(fileID, storedName, originalName string, size int64, totalChunks int) *Transfer {
	return &Transfer{
		fileID:       fileID,
		storedName:   storedName,
		originalName: originalName,
		size:         size,
		totalChunks:  totalChunks,
		direction:    DirectionSend,
		status:       StatusPending,
		infoAck:      make(chan struct{}),
		chunkAcks:    make(chan int, 64),
		cancelled:    make(chan struct{}),
	}
}

func newReceiveTransfer(fileID, storedName, originalName string, size int64, totalChunks int) *Transfer {
	return &Transfer{
		fileID:       fileID,
		storedName:   storedName,
		originalName: originalName,
		size:         size,
		totalChunks:  totalChunks,
		chunks:       make([][]byte, totalChunks),
		direction:    DirectionReceive,
		status:       StatusPending,
		cancelled:    make(chan struct{}),
	}
}

// Snapshot is a point-in-time copy of a transfer for observers.
type Snapshot struct {
	FileID       string
	Name         string
	StoredName   string
	Size         int64
	TotalChunks  int
	Progress     float64
	Direction    Direction
	Status       Status
	Retries      int
}

func (t *Transfer) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		FileID:      t.fileID,
		Name:        t.originalName,
		StoredName:  t.storedName,
		Size:        t.size,
		TotalChunks: t.totalChunks,
		Progress:    t.progress,
		Direction:   t.direction,
		Status:      t.status,
		Retries:     t.retries,
	}
}

func (t *Transfer) currentStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transfer) setStatus(status Status) {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
}

func (t *Transfer) markCancelled() {
	t.cancelOnce.Do(func() {
		close(t.cancelled)
	})
	t.mu.Lock()
	if !t.status.terminal() {
		t.status = StatusCancelled
	}
	t.chunks = nil
	t.mu.Unlock()
}

func (t *Transfer) isCancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

// fillSlot places chunk bytes into the slot array. Re-delivery of an
// already-filled index is a no-op so progress stays correct.
func (t *Transfer) fillSlot(index int, data []byte) (filled, total int, duplicate bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if index < 0 || index >= len(t.chunks) {
		return t.filled, t.totalChunks, true
	}
	if t.chunks[index] != nil {
		return t.filled, t.totalChunks, true
	}

	t.chunks[index] = data
	t.filled++
	t.progress = float64(t.filled) / float64(t.totalChunks) * 100
	t.status = StatusInProgress
	return t.filled, t.totalChunks, false
}

// assemble concatenates the slots in index order.
func (t *Transfer) assemble() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]byte, 0, t.size)
	for _, chunk := range t.chunks {
		out = append(out, chunk...)
	}
	return out
}

func (t *Transfer) markCompleted() {
	t.mu.Lock()
	t.status = StatusCompleted
	t.progress = 100
	t.mu.Unlock()
}

func (t *Transfer) setProgressAfterChunk(chunkIndex int) {
	t.mu.Lock()
	t.progress = float64(chunkIndex+1) / float64(t.totalChunks) * 100
	t.status = StatusInProgress
	t.mu.Unlock()
}

func (t *Transfer) recordRetry() {
	t.mu.Lock()
	t.retries++
	t.mu.Unlock()
}

func (t *Transfer) signalInfoAck() {
	t.ackInfoOnce.Do(func() {
		close(t.infoAck)
	})
}
