package transfer

import (
	"errors"
	"fmt"
	"io"
	"time"

	"peerlink/protocol"
)

// queueWorker drains the outbound queue strictly sequentially: the next
// transfer does not begin chunk transmission until the previous one reaches
// a terminal state. This bounds send-side concurrency to one in-flight
// transfer so a large send cannot starve chat or other transfers.
func (r *Registry) queueWorker() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case request := <-r.queue:
			r.runOutbound(request)
		}
	}
}

func (r *Registry) runOutbound(request *outboundRequest) {
	transfer := request.transfer
	defer r.closeSource(transfer.fileID)

	if transfer.isCancelled() {
		r.remove(transfer.fileID)
		return
	}

	err := r.sendFileInChunks(transfer, request.source)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, ErrCancelled):
		// Cancel already removed the transfer and notified the peer.
	default:
		transfer.setStatus(StatusFailed)
		r.reportError(fmt.Errorf("file transfer %q: %w", transfer.fileID, err))
		r.remove(transfer.fileID)
	}
}

// sendFileInChunks runs the stop-and-wait send loop: announce, wait for the
// file-info acknowledgment, then send one chunk at a time, each confirmed
// before the next is read. Single-chunk-in-flight bounds memory and gives
// the receiver's slot filling its ordering guarantee.
func (r *Registry) sendFileInChunks(transfer *Transfer, source io.ReaderAt) error {
	info := protocol.FileInfo{
		FileID:      transfer.fileID,
		StoredName:  transfer.storedName,
		Name:        transfer.originalName,
		Size:        transfer.size,
		TotalChunks: transfer.totalChunks,
	}
	if err := r.sendEnvelope(info); err != nil {
		return err
	}

	// No timeout here: an absent peer leaves the transfer pending until it
	// is cancelled or the session resets.
	select {
	case <-transfer.infoAck:
	case <-transfer.cancelled:
		return ErrCancelled
	case <-r.ctx.Done():
		return ErrCancelled
	}

	for chunkIndex := 0; chunkIndex < transfer.totalChunks; chunkIndex++ {
		if transfer.isCancelled() {
			return ErrCancelled
		}

		chunk, err := readChunk(source, chunkIndex, r.options.ChunkSize, transfer.size)
		if err != nil {
			return err
		}

		if err := r.deliverChunk(transfer, chunkIndex, chunk); err != nil {
			return err
		}

		transfer.setProgressAfterChunk(chunkIndex)
		r.emitProgress(transfer)
	}

	if err := r.sendEnvelope(protocol.FileComplete{FileID: transfer.fileID}); err != nil {
		return err
	}

	r.finishCompleted(transfer, nil)
	return nil
}

// deliverChunk sends one chunk and waits for its acknowledgment, retrying
// on timeout up to the attempt budget with a fixed delay between attempts.
func (r *Registry) deliverChunk(transfer *Transfer, chunkIndex int, chunk []byte) error {
	for attempt := 0; attempt < r.options.MaxRetries; attempt++ {
		if attempt > 0 {
			transfer.recordRetry()
			select {
			case <-time.After(r.options.RetryDelay):
			case <-transfer.cancelled:
				return ErrCancelled
			case <-r.ctx.Done():
				return ErrCancelled
			}
		}

		envelope := protocol.FileChunk{
			FileID:     transfer.fileID,
			ChunkIndex: chunkIndex,
			Chunk:      protocol.ByteSlice(chunk),
		}
		if err := r.sendEnvelope(envelope); err != nil {
			return err
		}

		acked, err := r.awaitChunkAck(transfer, chunkIndex)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
	}

	return fmt.Errorf("%w: chunk %d of %q after %d attempts",
		ErrRetriesExhausted, chunkIndex, transfer.fileID, r.options.MaxRetries)
}

// awaitChunkAck races the acknowledgment against the ack timeout. Whichever
// resolves first determines the next action; false means timeout.
func (r *Registry) awaitChunkAck(transfer *Transfer, chunkIndex int) (bool, error) {
	timer := time.NewTimer(r.options.AckTimeout)
	defer timer.Stop()

	for {
		select {
		case acked := <-transfer.chunkAcks:
			if acked == chunkIndex {
				return true, nil
			}
			// Stale ack from an earlier retry of a previous chunk.
		case <-timer.C:
			return false, nil
		case <-transfer.cancelled:
			return false, ErrCancelled
		case <-r.ctx.Done():
			return false, ErrCancelled
		}
	}
}

func readChunk(source io.ReaderAt, chunkIndex, chunkSize int, fileSize int64) ([]byte, error) {
	offset := int64(chunkIndex) * int64(chunkSize)
	length := int64(chunkSize)
	if offset+length > fileSize {
		length = fileSize - offset
	}

	buffer := make([]byte, length)
	if _, err := source.ReadAt(buffer, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	return buffer, nil
}
