package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveMessage inserts a new chat log entry.
func (s *Store) SaveMessage(message Message) error {
	if message.MessageID == "" {
		return errors.New("message_id is required")
	}
	if !validSender(message.Sender) {
		return fmt.Errorf("invalid sender %q", message.Sender)
	}
	if message.Kind == "" {
		message.Kind = messageKindText
	}
	if !validKind(message.Kind) {
		return fmt.Errorf("invalid kind %q", message.Kind)
	}
	if message.Content == "" {
		return errors.New("content is required")
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			sender,
			kind,
			content,
			file_id,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		message.MessageID,
		message.Sender,
		message.Kind,
		message.Content,
		nullString(message.FileID),
		message.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", message.MessageID, err)
	}

	return nil
}

// GetMessages returns chat history ordered by timestamp.
func (s *Store) GetMessages(limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(
		`SELECT message_id, sender, kind, content, file_id, timestamp
		 FROM messages
		 ORDER BY timestamp ASC, message_id ASC
		 LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *message)
	}
	return messages, rows.Err()
}

// GetMessageByID returns one chat entry or ErrNotFound.
func (s *Store) GetMessageByID(messageID string) (*Message, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(
		`SELECT message_id, sender, kind, content, file_id, timestamp
		 FROM messages WHERE message_id = ?`,
		messageID,
	)
	message, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return message, err
}

// DeleteMessagesByFileID removes every chat entry referencing a transfer.
func (s *Store) DeleteMessagesByFileID(fileID string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}
	if _, err := s.db.Exec(`DELETE FROM messages WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete messages for file %q: %w", fileID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var message Message
	var fileID sql.NullString
	if err := row.Scan(
		&message.MessageID,
		&message.Sender,
		&message.Kind,
		&message.Content,
		&fileID,
		&message.Timestamp,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	message.FileID = fileID.String
	return &message, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
