package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/weft-labs/weft/pkg/schema"
)

// AppendLog writes one append-only log entry with the next monotonic
// sequence number for its execution. The sequence is assigned inside a
// transaction so concurrent appends never collide; entries are never
// updated or removed.
func (s *LibSQLStore) AppendLog(ctx context.Context, executionID string, entry *schema.ExecutionLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM execution_logs WHERE execution_id = ?`, executionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next log seq: %w", err)
	}
	entry.Seq = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, seq, timestamp, level, message, node_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		executionID, seq, timeOrNow(entry.Timestamp), entry.Level, entry.Message, nullStr(entry.NodeID),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "append log").WithCause(err)
	}
	return tx.Commit()
}

// GetLogs returns all log entries for an execution in sequence order.
func (s *LibSQLStore) GetLogs(ctx context.Context, executionID string) ([]*schema.ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, timestamp, level, message, node_id
		 FROM execution_logs WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*schema.ExecutionLog
	for rows.Next() {
		l := &schema.ExecutionLog{}
		var nodeID sql.NullString
		if err := rows.Scan(&l.Seq, &l.Timestamp, &l.Level, &l.Message, &nodeID); err != nil {
			return nil, err
		}
		l.NodeID = nodeID.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

var _ Store = (*LibSQLStore)(nil)
