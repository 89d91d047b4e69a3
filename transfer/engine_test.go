package transfer

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"peerlink/protocol"
)

// pipeSender delivers every encoded envelope straight into the peer
// registry's dispatch path, mimicking the channel's ordered delivery.
type pipeSender struct {
	mu   sync.Mutex
	peer *Registry
	log  []protocol.Envelope
	drop func(protocol.Envelope) bool
}

func (p *pipeSender) Send(payload []byte) error {
	envelope, err := protocol.Decode(payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.log = append(p.log, envelope)
	peer := p.peer
	drop := p.drop
	p.mu.Unlock()

	if drop != nil && drop(envelope) {
		return nil
	}
	if peer != nil {
		peer.HandleEnvelope(envelope)
	}
	return nil
}

func (p *pipeSender) sent() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]protocol.Envelope, len(p.log))
	copy(out, p.log)
	return out
}

type testPeer struct {
	registry  *Registry
	sender    *pipeSender
	completed chan Completed
	removed   chan Snapshot
}

func newTestPair(t *testing.T, tune func(*Options)) (*testPeer, *testPeer) {
	t.Helper()

	senderA := &pipeSender{}
	senderB := &pipeSender{}

	build := func(sender *pipeSender) *testPeer {
		peer := &testPeer{
			sender:    sender,
			completed: make(chan Completed, 8),
			removed:   make(chan Snapshot, 8),
		}
		options := Options{
			Sender: sender,
			OnCompleted: func(c Completed) {
				peer.completed <- c
			},
			OnRemoved: func(s Snapshot) {
				peer.removed <- s
			},
		}
		if tune != nil {
			tune(&options)
		}
		registry, err := NewRegistry(options)
		if err != nil {
			t.Fatalf("new registry: %v", err)
		}
		t.Cleanup(registry.Stop)
		peer.registry = registry
		return peer
	}

	a := build(senderA)
	b := build(senderB)
	senderA.peer = b.registry
	senderB.peer = a.registry
	return a, b
}

func awaitCompleted(t *testing.T, peer *testPeer, timeout time.Duration) Completed {
	t.Helper()
	select {
	case c := <-peer.completed:
		return c
	case <-time.After(timeout):
		t.Fatal("timed out waiting for completed transfer")
		return Completed{}
	}
}

func awaitRemoved(t *testing.T, peer *testPeer, timeout time.Duration) Snapshot {
	t.Helper()
	select {
	case s := <-peer.removed:
		return s
	case <-time.After(timeout):
		t.Fatal("timed out waiting for transfer removal")
		return Snapshot{}
	}
}

func TestSendAndReassemble200000Bytes(t *testing.T) {
	a, b := newTestPair(t, nil)

	data := make([]byte, 200000)
	for i := range data {
		data[i] = byte(i % 251)
	}

	fileID, err := a.registry.Enqueue("sample.bin", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sent := awaitCompleted(t, a, 10*time.Second)
	if sent.FileID != fileID {
		t.Fatalf("sender completed %q, want %q", sent.FileID, fileID)
	}

	received := awaitCompleted(t, b, 10*time.Second)
	if received.FileID != fileID {
		t.Fatalf("receiver completed %q, want %q", received.FileID, fileID)
	}
	if !bytes.Equal(received.Data, data) {
		t.Fatal("reassembled bytes differ from original")
	}

	var chunks, completes int
	for _, envelope := range a.sender.sent() {
		switch envelope.(type) {
		case protocol.FileChunk:
			chunks++
		case protocol.FileComplete:
			completes++
		}
	}
	if chunks != 4 {
		t.Fatalf("sent %d chunks, want 4", chunks)
	}
	if completes != 1 {
		t.Fatalf("sent %d completion envelopes, want 1", completes)
	}

	snapshot, ok := b.registry.Lookup(fileID)
	if !ok {
		t.Fatal("completed transfer missing from receiver registry")
	}
	if snapshot.Status != StatusCompleted || snapshot.Progress != 100 {
		t.Fatalf("receiver snapshot: %+v", snapshot)
	}
}

func TestZeroByteFileCompletesImmediately(t *testing.T) {
	a, b := newTestPair(t, nil)

	fileID, err := a.registry.Enqueue("empty.txt", bytes.NewReader(nil), 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sent := awaitCompleted(t, a, 5*time.Second)
	received := awaitCompleted(t, b, 5*time.Second)
	if sent.FileID != fileID || received.FileID != fileID {
		t.Fatal("completion fileId mismatch")
	}
	if len(received.Data) != 0 {
		t.Fatalf("zero-byte transfer produced %d bytes", len(received.Data))
	}

	for _, envelope := range a.sender.sent() {
		if _, ok := envelope.(protocol.FileChunk); ok {
			t.Fatal("zero-byte transfer sent a chunk")
		}
	}
}

func TestDuplicateChunkIsIdempotent(t *testing.T) {
	a, b := newTestPair(t, nil)

	data := []byte("idempotency payload that spans a couple of chunks at least")
	fileID, err := a.registry.Enqueue("dup.bin", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	awaitCompleted(t, a, 5*time.Second)
	received := awaitCompleted(t, b, 5*time.Second)

	// Re-deliver the first chunk after completion.
	b.registry.HandleEnvelope(protocol.FileChunk{
		FileID:     fileID,
		ChunkIndex: 0,
		Chunk:      protocol.ByteSlice(data),
	})

	snapshot, ok := b.registry.Lookup(fileID)
	if !ok {
		t.Fatal("transfer missing after duplicate chunk")
	}
	if snapshot.Progress != 100 || snapshot.Status != StatusCompleted {
		t.Fatalf("duplicate chunk disturbed snapshot: %+v", snapshot)
	}
	if artifact, ok := b.registry.CompletedFile(fileID); !ok || !bytes.Equal(artifact.Data, received.Data) {
		t.Fatal("duplicate chunk disturbed the assembled artifact")
	}
}

func TestRetriesExhaustedFailsDeterministically(t *testing.T) {
	a, b := newTestPair(t, func(options *Options) {
		options.AckTimeout = 50 * time.Millisecond
		options.RetryDelay = 10 * time.Millisecond
	})

	// Drop every chunk so no ack ever returns.
	a.sender.drop = func(envelope protocol.Envelope) bool {
		_, isChunk := envelope.(protocol.FileChunk)
		return isChunk
	}
	_ = b

	data := bytes.Repeat([]byte("x"), 1024)
	fileID, err := a.registry.Enqueue("lost.bin", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed := awaitRemoved(t, a, 5*time.Second)
	if removed.FileID != fileID {
		t.Fatalf("removed %q, want %q", removed.FileID, fileID)
	}
	if removed.Status != StatusFailed {
		t.Fatalf("removed status %q, want %q", removed.Status, StatusFailed)
	}
	if removed.Retries != DefaultMaxRetries-1 {
		t.Fatalf("recorded %d retries, want %d", removed.Retries, DefaultMaxRetries-1)
	}

	var chunkSends int
	for _, envelope := range a.sender.sent() {
		if _, ok := envelope.(protocol.FileChunk); ok {
			chunkSends++
		}
	}
	if chunkSends != DefaultMaxRetries {
		t.Fatalf("sent chunk %d times, want exactly %d attempts", chunkSends, DefaultMaxRetries)
	}

	select {
	case err := <-a.registry.Errors():
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("reported error %v, want ErrRetriesExhausted", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no error reported for exhausted retries")
	}

	if _, ok := a.registry.Lookup(fileID); ok {
		t.Fatal("failed transfer still in registry")
	}
}

func TestSingleChunkLossRecoversWithRetry(t *testing.T) {
	a, b := newTestPair(t, func(options *Options) {
		options.AckTimeout = 100 * time.Millisecond
		options.RetryDelay = 10 * time.Millisecond
	})

	// Drop only the first transmission of chunk 0; the resend goes through.
	var dropMu sync.Mutex
	dropped := false
	a.sender.drop = func(envelope protocol.Envelope) bool {
		chunk, isChunk := envelope.(protocol.FileChunk)
		if !isChunk || chunk.ChunkIndex != 0 {
			return false
		}
		dropMu.Lock()
		defer dropMu.Unlock()
		if dropped {
			return false
		}
		dropped = true
		return true
	}

	data := bytes.Repeat([]byte("r"), DefaultChunkSize+512)
	fileID, err := a.registry.Enqueue("flaky.bin", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	sent := awaitCompleted(t, a, 10*time.Second)
	if sent.FileID != fileID {
		t.Fatalf("sender completed %q, want %q", sent.FileID, fileID)
	}
	received := awaitCompleted(t, b, 10*time.Second)
	if !bytes.Equal(received.Data, data) {
		t.Fatal("reassembled bytes differ after retry")
	}

	snapshot, ok := a.registry.Lookup(fileID)
	if !ok {
		t.Fatal("completed transfer missing from sender registry")
	}
	if snapshot.Status != StatusCompleted || snapshot.Retries != 1 {
		t.Fatalf("sender snapshot after one loss: %+v", snapshot)
	}

	var chunkSends int
	for _, envelope := range a.sender.sent() {
		if _, ok := envelope.(protocol.FileChunk); ok {
			chunkSends++
		}
	}
	if chunkSends != 3 {
		t.Fatalf("sent %d chunk envelopes, want 3 (2 chunks plus 1 resend)", chunkSends)
	}
}

type recordingCloser struct {
	mu     sync.Mutex
	closed bool
}

func (c *recordingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingCloser) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestSourceClosedWhenTransferFailsImmediately(t *testing.T) {
	a, b := newTestPair(t, func(options *Options) {
		options.AckTimeout = 20 * time.Millisecond
		options.RetryDelay = 5 * time.Millisecond
	})
	_ = b

	// Every chunk is lost, so the transfer fails as fast as the retry
	// budget allows. The closer must be released even though the worker
	// can reach the terminal state before Enqueue's caller regains control.
	a.sender.drop = func(envelope protocol.Envelope) bool {
		_, isChunk := envelope.(protocol.FileChunk)
		return isChunk
	}

	closer := &recordingCloser{}
	data := []byte("short-lived transfer")
	fileID, err := a.registry.enqueue("doomed.bin", bytes.NewReader(data), int64(len(data)), closer)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	removed := awaitRemoved(t, a, 5*time.Second)
	if removed.FileID != fileID || removed.Status != StatusFailed {
		t.Fatalf("removed snapshot: %+v", removed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !closer.isClosed() {
		if time.Now().After(deadline) {
			t.Fatal("source closer leaked past the failed transfer")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestOutboundTransfersNeverInterleave(t *testing.T) {
	a, b := newTestPair(t, nil)
	_ = b

	first := bytes.Repeat([]byte("a"), 3*DefaultChunkSize)
	second := bytes.Repeat([]byte("b"), 2*DefaultChunkSize)

	firstID, err := a.registry.Enqueue("first.bin", bytes.NewReader(first), int64(len(first)))
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	secondID, err := a.registry.Enqueue("second.bin", bytes.NewReader(second), int64(len(second)))
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	awaitCompleted(t, a, 10*time.Second)
	awaitCompleted(t, a, 10*time.Second)

	var order []string
	for _, envelope := range a.sender.sent() {
		if chunk, ok := envelope.(protocol.FileChunk); ok {
			order = append(order, chunk.FileID)
		}
	}
	if len(order) != 5 {
		t.Fatalf("sent %d chunks total, want 5", len(order))
	}

	// Transfer B's first chunk must come only after transfer A's last.
	sawSecond := false
	for _, id := range order {
		if id == secondID {
			sawSecond = true
		}
		if sawSecond && id == firstID {
			t.Fatal("chunk transmission interleaved across transfers")
		}
	}
}

func TestCancelSendNotifiesPeerAndRemoves(t *testing.T) {
	a, b := newTestPair(t, nil)

	// Swallow the file-info ack so the sender blocks in its pending wait.
	b.sender.drop = func(envelope protocol.Envelope) bool {
		ack, isAck := envelope.(protocol.Ack)
		return isAck && ack.Kind == protocol.AckFileInfo
	}

	data := bytes.Repeat([]byte("c"), DefaultChunkSize)
	fileID, err := a.registry.Enqueue("stuck.bin", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Give the worker a moment to send FileInfo and start waiting.
	time.Sleep(50 * time.Millisecond)

	if err := a.registry.Cancel(fileID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	removed := awaitRemoved(t, a, 5*time.Second)
	if removed.FileID != fileID || removed.Status != StatusCancelled {
		t.Fatalf("removed snapshot: %+v", removed)
	}
	if _, ok := a.registry.Lookup(fileID); ok {
		t.Fatal("cancelled transfer still in registry")
	}

	var notified bool
	for _, envelope := range a.sender.sent() {
		if cancel, ok := envelope.(protocol.CancelTransfer); ok && cancel.FileID == fileID {
			notified = true
		}
	}
	if !notified {
		t.Fatal("peer was not notified of the cancellation")
	}

	// The receiver registered the transfer from FileInfo and must unwind it.
	removedPeer := awaitRemoved(t, b, 5*time.Second)
	if removedPeer.FileID != fileID {
		t.Fatalf("peer removed %q, want %q", removedPeer.FileID, fileID)
	}
}

func TestPeerCancelDiscardsInboundTransfer(t *testing.T) {
	a, b := newTestPair(t, nil)
	_ = a

	b.registry.HandleEnvelope(protocol.FileInfo{
		FileID:      "inbound-1",
		StoredName:  "doc.txt",
		Name:        "doc.txt",
		Size:        100,
		TotalChunks: 2,
	})
	b.registry.HandleEnvelope(protocol.FileChunk{
		FileID:     "inbound-1",
		ChunkIndex: 0,
		Chunk:      protocol.ByteSlice(bytes.Repeat([]byte("z"), 50)),
	})
	b.registry.HandleEnvelope(protocol.CancelTransfer{FileID: "inbound-1"})

	removed := awaitRemoved(t, b, 2*time.Second)
	if removed.FileID != "inbound-1" || removed.Status != StatusCancelled {
		t.Fatalf("removed snapshot: %+v", removed)
	}
	if _, ok := b.registry.Lookup("inbound-1"); ok {
		t.Fatal("cancelled inbound transfer still in registry")
	}
}

func TestLateCancelAfterCompletionIsIgnored(t *testing.T) {
	a, b := newTestPair(t, nil)

	data := []byte("finished before the cancel arrives")
	fileID, err := a.registry.Enqueue("done.bin", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	awaitCompleted(t, a, 5*time.Second)
	awaitCompleted(t, b, 5*time.Second)

	b.registry.HandleEnvelope(protocol.CancelTransfer{FileID: fileID})

	snapshot, ok := b.registry.Lookup(fileID)
	if !ok {
		t.Fatal("completed transfer evicted by late cancellation")
	}
	if snapshot.Status != StatusCompleted {
		t.Fatalf("late cancellation revoked completion: %+v", snapshot)
	}
	if _, ok := b.registry.CompletedFile(fileID); !ok {
		t.Fatal("assembled artifact lost to late cancellation")
	}
}

func TestStoredNameCollisionGetsCounterSuffix(t *testing.T) {
	a, b := newTestPair(t, nil)
	_ = b

	data := []byte("same name twice")
	if _, err := a.registry.Enqueue("report.pdf", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	if _, err := a.registry.Enqueue("report.pdf", bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	first := awaitCompleted(t, a, 5*time.Second)
	second := awaitCompleted(t, a, 5*time.Second)

	if first.Name != "report.pdf" || second.Name != "report.pdf" {
		t.Fatal("chat-visible name must stay the original")
	}
	names := map[string]bool{first.StoredName: true, second.StoredName: true}
	if !names["report.pdf"] || !names["report (1).pdf"] {
		t.Fatalf("stored names not disambiguated: %q, %q", first.StoredName, second.StoredName)
	}
}

func TestChunkForUnknownTransferIsDiscarded(t *testing.T) {
	a, b := newTestPair(t, nil)
	_ = a

	b.registry.HandleEnvelope(protocol.FileChunk{
		FileID:     "never-announced",
		ChunkIndex: 0,
		Chunk:      protocol.ByteSlice("orphan"),
	})

	if _, ok := b.registry.Lookup("never-announced"); ok {
		t.Fatal("orphan chunk created a transfer")
	}
	if len(b.sender.sent()) != 0 {
		t.Fatal("orphan chunk was acknowledged")
	}
}
