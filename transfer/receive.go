package transfer

import (
	"fmt"

	"peerlink/protocol"
)

// HandleEnvelope routes one inbound file-transfer envelope to the engine.
// The session controller calls this from its single dispatch loop, so
// handlers run one at a time.
func (r *Registry) HandleEnvelope(envelope protocol.Envelope) {
	switch msg := envelope.(type) {
	case protocol.FileInfo:
		r.handleFileInfo(msg)
	case protocol.FileChunk:
		r.handleFileChunk(msg)
	case protocol.Ack:
		r.handleAck(msg)
	case protocol.CancelTransfer:
		r.handleCancel(msg.FileID)
	case protocol.FileComplete:
		r.handleFileComplete(msg.FileID)
	}
}

// handleFileInfo registers an inbound transfer with an empty slot array and
// acknowledges the announcement. A zero-chunk file completes immediately.
func (r *Registry) handleFileInfo(info protocol.FileInfo) {
	if info.FileID == "" || info.Size < 0 || info.TotalChunks < 0 {
		return
	}

	name := info.Name
	if name == "" {
		name = info.StoredName
	}

	r.mu.Lock()
	if _, exists := r.transfers[info.FileID]; exists {
		r.mu.Unlock()
		// Duplicate announcement; re-ack so a sender whose ack was lost
		// can make progress.
		r.ackFileInfo(info.FileID)
		return
	}
	transfer := newReceiveTransfer(info.FileID, info.StoredName, name, info.Size, info.TotalChunks)
	r.transfers[info.FileID] = transfer
	r.mu.Unlock()

	r.ackFileInfo(info.FileID)

	if info.TotalChunks == 0 {
		r.finishCompleted(transfer, nil)
	}
}

// handleFileChunk fills the chunk's slot, acknowledges it, and completes
// the transfer once every slot is filled. Local completeness is
// authoritative; the sender's FileComplete is advisory confirmation.
func (r *Registry) handleFileChunk(chunk protocol.FileChunk) {
	transfer := r.lookupTransfer(chunk.FileID)
	if transfer == nil || transfer.direction != DirectionReceive {
		// Inconsistent peer; nothing to unwind.
		return
	}
	status := transfer.currentStatus()
	if status == StatusCancelled || status == StatusFailed {
		return
	}

	filled, total, duplicate := transfer.fillSlot(chunk.ChunkIndex, chunk.Chunk)

	if err := r.sendEnvelope(protocol.Ack{
		Kind:       protocol.AckChunk,
		FileID:     chunk.FileID,
		ChunkIndex: chunk.ChunkIndex,
	}); err != nil {
		r.reportError(fmt.Errorf("ack chunk %d of %q: %w", chunk.ChunkIndex, chunk.FileID, err))
	}

	if !duplicate {
		r.emitProgress(transfer)
	}
	if filled == total && transfer.currentStatus() != StatusCompleted {
		r.finishCompleted(transfer, transfer.assemble())
	}
}

// handleAck resolves a send-side wait. Acks never reach the chat log.
func (r *Registry) handleAck(ack protocol.Ack) {
	transfer := r.lookupTransfer(ack.FileID)
	if transfer == nil || transfer.direction != DirectionSend {
		return
	}

	switch ack.Kind {
	case protocol.AckFileInfo:
		transfer.signalInfoAck()
	case protocol.AckChunk:
		select {
		case transfer.chunkAcks <- ack.ChunkIndex:
		default:
		}
	}
}

// handleCancel unwinds a peer-cancelled transfer. Completion is terminal:
// a cancellation arriving after completed is ignored.
func (r *Registry) handleCancel(fileID string) {
	transfer := r.lookupTransfer(fileID)
	if transfer == nil {
		return
	}
	if transfer.currentStatus() == StatusCompleted {
		return
	}

	transfer.markCancelled()
	r.remove(fileID)
}

// handleFileComplete confirms a completed inbound transfer. If the slots
// are already all filled the transfer completed locally and this is a
// no-op; a FileComplete for a transfer with missing slots is ignored as
// inconsistent.
func (r *Registry) handleFileComplete(fileID string) {
	transfer := r.lookupTransfer(fileID)
	if transfer == nil || transfer.direction != DirectionReceive {
		return
	}
	if transfer.currentStatus() == StatusCompleted {
		return
	}

	transfer.mu.Lock()
	complete := transfer.totalChunks == 0 || transfer.filled == transfer.totalChunks
	transfer.mu.Unlock()
	if !complete {
		return
	}

	r.finishCompleted(transfer, transfer.assemble())
}

func (r *Registry) ackFileInfo(fileID string) {
	if err := r.sendEnvelope(protocol.Ack{Kind: protocol.AckFileInfo, FileID: fileID}); err != nil {
		r.reportError(fmt.Errorf("ack file-info %q: %w", fileID, err))
	}
}
