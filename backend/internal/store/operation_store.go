package store

import (
	"context"
	"database/sql"
	"errors"

	"realtimeServer/backend/internal/collab"

	"github.com/go-sql-driver/mysql"
)

// OperationStore 操作日志：(doc_id, version) 唯一，只追加不更新。
type OperationStore struct{ db *sql.DB }

func NewOperationStore(db *sql.DB) *OperationStore {
	return &OperationStore{db: db}
}

func (s *OperationStore) AppendOperation(ctx context.Context, rec collab.AppliedOp) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_operations
		(operation_id, doc_id, version, author_id, op_type, position, text, length, noop, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OperationID,
		rec.DocID,
		rec.Version,
		rec.AuthorID,
		string(rec.Op.Type),
		rec.Op.Position,
		rec.Op.Text,
		rec.Op.Length,
		rec.Noop,
		rec.AppliedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 超时后的重试落到同一个版本位：幂等吸收
			return nil
		}
		return err
	}
	return nil
}

func (s *OperationStore) OperationsSince(ctx context.Context, docID string, fromVersion uint64, limit int) ([]collab.AppliedOp, error) {
	query := `SELECT operation_id, doc_id, version, author_id, op_type, position, text, length, noop, applied_at
		FROM document_operations WHERE doc_id = ? AND version > ? ORDER BY version ASC`
	args := []interface{}{docID, fromVersion}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.AppliedOp
	for rows.Next() {
		var rec collab.AppliedOp
		var opType string
		if err := rows.Scan(&rec.OperationID, &rec.DocID, &rec.Version, &rec.AuthorID,
			&opType, &rec.Op.Position, &rec.Op.Text, &rec.Op.Length, &rec.Noop, &rec.AppliedAt); err != nil {
			return nil, err
		}
		rec.Op.Type = collab.OpType(opType)
		rec.Op.OpID = rec.OperationID
		out = append(out, rec)
	}
	return out, rows.Err()
}
