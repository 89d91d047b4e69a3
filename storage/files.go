package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveFileRecord upserts one transfer record keyed by file_id.
func (s *Store) SaveFileRecord(file FileRecord) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if file.Name == "" {
		return errors.New("name is required")
	}
	if file.StoredName == "" {
		file.StoredName = file.Name
	}
	if file.Size < 0 {
		return errors.New("size must not be negative")
	}
	if !validDirection(file.Direction) {
		return fmt.Errorf("invalid direction %q", file.Direction)
	}
	if !validFileStatus(file.Status) {
		return fmt.Errorf("invalid status %q", file.Status)
	}
	if file.CompletedAt == 0 {
		file.CompletedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			file_id,
			name,
			stored_name,
			size,
			direction,
			status,
			stored_path,
			completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET
			name = excluded.name,
			stored_name = excluded.stored_name,
			size = excluded.size,
			direction = excluded.direction,
			status = excluded.status,
			stored_path = excluded.stored_path,
			completed_at = excluded.completed_at`,
		file.FileID,
		file.Name,
		file.StoredName,
		file.Size,
		file.Direction,
		file.Status,
		nullString(file.Path),
		file.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file %q: %w", file.FileID, err)
	}

	return nil
}

// GetFileByID returns one transfer record or ErrNotFound.
func (s *Store) GetFileByID(fileID string) (*FileRecord, error) {
	if fileID == "" {
		return nil, errors.New("file_id is required")
	}

	row := s.db.QueryRow(
		`SELECT file_id, name, stored_name, size, direction, status, stored_path, completed_at
		 FROM files WHERE file_id = ?`,
		fileID,
	)
	file, err := scanFileRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return file, err
}

// ListFiles returns transfer records, most recently completed first.
func (s *Store) ListFiles(limit int) ([]FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT file_id, name, stored_name, size, direction, status, stored_path, completed_at
		 FROM files
		 ORDER BY completed_at DESC, file_id ASC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var files []FileRecord
	for rows.Next() {
		file, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *file)
	}
	return files, rows.Err()
}

func scanFileRecord(row scanner) (*FileRecord, error) {
	var file FileRecord
	var path sql.NullString
	if err := row.Scan(
		&file.FileID,
		&file.Name,
		&file.StoredName,
		&file.Size,
		&file.Direction,
		&file.Status,
		&path,
		&file.CompletedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan file: %w", err)
	}
	file.Path = path.String
	return &file, nil
}
