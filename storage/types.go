package storage

// Message is one persisted chat log entry. File entries reference the
// transfer that produced them through FileID.
type Message struct {
	MessageID string
	Sender    string
	Kind      string
	Content   string
	FileID    string
	Timestamp int64
}

// FileRecord describes one completed transfer. Path is set only when the
// assembled artifact was written to the files dir.
type FileRecord struct {
	FileID      string
	Name        string
	StoredName  string
	Size        int64
	Direction   string
	Status      string
	Path        string
	CompletedAt int64
}

const (
	messageKindText = "text"
	messageKindFile = "file"
)

func validSender(sender string) bool {
	switch sender {
	case "local", "remote", "system":
		return true
	}
	return false
}

func validKind(kind string) bool {
	return kind == messageKindText || kind == messageKindFile
}

func validDirection(direction string) bool {
	return direction == "send" || direction == "receive"
}

func validFileStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
