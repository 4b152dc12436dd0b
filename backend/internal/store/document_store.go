package store

import (
	"context"
	"database/sql"
	"errors"

	"realtimeServer/backend/internal/collab"

	"github.com/go-sql-driver/mysql"
)

type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", collab.ErrDocumentNotFound
	}
	return docID, err
}

func (s *DocumentStore) CreateDocument(ctx context.Context, docID string, ownerID uint64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (doc_id, owner_id, title) VALUES (?, ?, ?)`,
		docID,
		ownerID,
		title,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同名重建按已存在处理
			return nil
		}
		return err
	}
	return nil
}
