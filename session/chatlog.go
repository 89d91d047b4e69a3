package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender tags who originated a chat entry.
type Sender string

const (
	SenderLocal  Sender = "local"
	SenderRemote Sender = "remote"
	SenderSystem Sender = "system"
)

// EntryKind distinguishes plain text from a file reference.
type EntryKind string

const (
	EntryText EntryKind = "text"
	EntryFile EntryKind = "file"
)

// Entry is one rendered chat line. File entries reference a transfer by
// fileId and resolve their artifact against the completed-file index.
type Entry struct {
	ID        string
	Sender    Sender
	Kind      EntryKind
	Text      string
	FileID    string
	FileName  string
	Timestamp time.Time
}

// ChatLog is the append-only ordered chat history for one session. Only
// the session controller mutates it.
type ChatLog struct {
	mu      sync.Mutex
	entries []Entry
}

func NewChatLog() *ChatLog {
	return &ChatLog{}
}

// Append adds an entry, assigning an ID and timestamp if absent, and
// returns the stored entry.
func (c *ChatLog) Append(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
	return entry
}

// Entries returns a copy of the log in append order.
func (c *ChatLog) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

// RemoveFileReference deletes every entry referencing fileID. A cancelled
// or failed transfer must leave no chat trace.
func (c *ChatLog) RemoveFileReference(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.entries[:0]
	removed := false
	for _, entry := range c.entries {
		if entry.Kind == EntryFile && entry.FileID == fileID {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	c.entries = kept
	return removed
}

// Clear empties the log.
func (c *ChatLog) Clear() {
	c.mu.Lock()
	c.entries = nil
	c.mu.Unlock()
}
