package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weft-labs/weft/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded
// SQLite fork). The workflow definition is persisted as a JSON blob;
// status, schedule, and usage aggregates live in their own columns so
// they can be updated without rewriting the blob.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some PRAGMAs return rows so QueryRow
	// is used throughout.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	blob, err := marshalDefinition(def)
	if err != nil {
		return err
	}

	var cronExpr any
	var enabled bool
	var nextRun any
	if def.Schedule != nil {
		cronExpr = def.Schedule.CronExpr
		enabled = def.Schedule.Enabled
		nextRun = nullTime(def.Schedule.NextRunAt)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, status, definition, schedule_enabled, cron_expr, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Version, string(def.Status), blob,
		enabled, cronExpr, nextRun, timeOrNow(def.CreatedAt), timeOrNow(def.UpdatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save workflow").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	blob, err := marshalDefinition(def)
	if err != nil {
		return err
	}

	var cronExpr any
	var enabled bool
	var nextRun any
	if def.Schedule != nil {
		cronExpr = def.Schedule.CronExpr
		enabled = def.Schedule.Enabled
		nextRun = nullTime(def.Schedule.NextRunAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, version = ?, status = ?, definition = ?,
		 schedule_enabled = ?, cron_expr = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		def.Name, def.Version, string(def.Status), blob, enabled, cronExpr, nextRun, def.ID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update workflow").WithCause(err)
	}
	return checkRowsAffected(res, "workflow", def.ID)
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update workflow status").WithCause(err)
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, status, schedule_enabled, cron_expr, next_run_at, last_run_at,
		        execution_count, success_count, total_duration_ms
		 FROM workflows WHERE id = ?`, id)
	def, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return def, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	var where []string
	var args []any
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT definition, status, schedule_enabled, cron_expr, next_run_at, last_run_at,
	                 execution_count, success_count, total_duration_ms FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// UpdateWorkflowStats folds one terminal execution into the workflow
// aggregates. A single UPDATE keeps concurrent executions of the same
// workflow from losing increments to read-modify-write races.
func (s *LibSQLStore) UpdateWorkflowStats(ctx context.Context, id string, success bool, duration time.Duration) error {
	succ := 0
	if success {
		succ = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET
		   execution_count = execution_count + 1,
		   success_count = success_count + ?,
		   total_duration_ms = total_duration_ms + ?,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		succ, float64(duration.Milliseconds()), id,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update workflow stats").WithCause(err)
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanWorkflow builds a definition from the JSON blob and overlays the
// column-held status, schedule, and stats.
func scanWorkflow(row rowScanner) (*schema.WorkflowDefinition, error) {
	var (
		blob, status            string
		enabled                 bool
		cronExpr                sql.NullString
		nextRun, lastRun        sql.NullTime
		execCount, successCount int
		totalDurationMS         float64
	)
	if err := row.Scan(&blob, &status, &enabled, &cronExpr, &nextRun, &lastRun,
		&execCount, &successCount, &totalDurationMS); err != nil {
		return nil, err
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(blob), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	def.Status = schema.WorkflowStatus(status)

	if cronExpr.Valid && cronExpr.String != "" {
		def.Schedule = &schema.WorkflowSchedule{CronExpr: cronExpr.String, Enabled: enabled}
		if nextRun.Valid {
			t := nextRun.Time
			def.Schedule.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			def.Schedule.LastRunAt = &t
		}
	}

	def.Stats = schema.WorkflowStats{
		ExecutionCount: execCount,
		SuccessCount:   successCount,
	}
	if execCount > 0 {
		def.Stats.SuccessRate = float64(successCount) / float64(execCount)
		def.Stats.AvgDurationMS = totalDurationMS / float64(execCount)
	}
	return def, nil
}

// marshalDefinition strips the column-held stats before encoding so
// the blob never shadows them.
func marshalDefinition(def *schema.WorkflowDefinition) (string, error) {
	clone := *def
	clone.Stats = schema.WorkflowStats{}
	b, err := json.Marshal(&clone)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "marshal definition").WithCause(err)
	}
	return string(b), nil
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, ex *schema.WorkflowExecution) error {
	input, err := marshalMapOrDefault(ex.InputData)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, trigger_type, trigger_source, scheduled, priority,
		   input, current_node_id, completed_nodes, failed_nodes, total_cost, tokens_used, api_calls_made,
		   retry_count, error_message, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, string(ex.Status), nullStr(ex.Trigger.Type), nullStr(ex.Trigger.Source),
		ex.Trigger.Scheduled, string(ex.Priority), input, nullStr(ex.CurrentNodeID),
		marshalStrings(ex.CompletedNodes), marshalStrings(ex.FailedNodes),
		ex.TotalCost, ex.TokensUsed, ex.APICallsMade, ex.RetryCount, nullStr(ex.ErrorMessage),
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.FinishedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, ex *schema.WorkflowExecution) error {
	output, err := marshalMapOrDefault(ex.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, current_node_id = ?, completed_nodes = ?,
		   failed_nodes = ?, total_cost = ?, tokens_used = ?, api_calls_made = ?, retry_count = ?,
		   error_message = ?, started_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(ex.Status), output, nullStr(ex.CurrentNodeID),
		marshalStrings(ex.CompletedNodes), marshalStrings(ex.FailedNodes),
		ex.TotalCost, ex.TokensUsed, ex.APICallsMade, ex.RetryCount, nullStr(ex.ErrorMessage),
		nullTime(ex.StartedAt), nullTime(ex.FinishedAt), ex.ID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update execution").WithCause(err)
	}
	return checkRowsAffected(res, "execution", ex.ID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, trigger_type, trigger_source, scheduled, priority, input, output,
		        current_node_id, completed_nodes, failed_nodes, total_cost, tokens_used, api_calls_made,
		        retry_count, error_message, created_at, started_at, finished_at
		 FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, status, trigger_type, trigger_source, scheduled, priority, input, output,
	                 current_node_id, completed_nodes, failed_nodes, total_cost, tokens_used, api_calls_made,
	                 retry_count, error_message, created_at, started_at, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (*schema.WorkflowExecution, error) {
	ex := &schema.WorkflowExecution{}
	var (
		status, priority                           string
		triggerType, triggerSource                 sql.NullString
		input, output, completed, failed, errorMsg sql.NullString
		currentNode                                sql.NullString
		startedAt, finishedAt                      sql.NullTime
	)
	if err := row.Scan(&ex.ID, &ex.WorkflowID, &status, &triggerType, &triggerSource, &ex.Trigger.Scheduled,
		&priority, &input, &output, &currentNode, &completed, &failed,
		&ex.TotalCost, &ex.TokensUsed, &ex.APICallsMade, &ex.RetryCount, &errorMsg,
		&ex.CreatedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.Priority = schema.Priority(priority)
	ex.Trigger.Type = triggerType.String
	ex.Trigger.Source = triggerSource.String
	ex.CurrentNodeID = currentNode.String
	ex.ErrorMessage = errorMsg.String
	ex.InputData = unmarshalMap(input)
	ex.OutputData = unmarshalMap(output)
	ex.CompletedNodes = unmarshalStrings(completed)
	ex.FailedNodes = unmarshalStrings(failed)
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		ex.FinishedAt = &finishedAt.Time
	}
	return ex, nil
}

// --- Steps ---

func (s *LibSQLStore) SaveStep(ctx context.Context, step *schema.StepExecution) error {
	input, err := marshalMapOrDefault(step.InputData)
	if err != nil {
		return fmt.Errorf("marshal step input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO steps (id, execution_id, node_id, node_type, status, input, retry_count, cost,
		   tokens_used, external_id, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.NodeID, string(step.NodeType), string(step.Status),
		input, step.RetryCount, step.Cost, step.TokensUsed, nullStr(step.ExternalID),
		timeOrNow(step.StartedAt), nullTime(step.FinishedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save step").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, step *schema.StepExecution) error {
	output, err := marshalMapOrDefault(step.OutputData)
	if err != nil {
		return fmt.Errorf("marshal step output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, output = ?, error_message = ?, retry_count = ?, cost = ?,
		   tokens_used = ?, external_id = ?, finished_at = ?
		 WHERE id = ?`,
		string(step.Status), output, nullStr(step.ErrorMessage), step.RetryCount,
		step.Cost, step.TokensUsed, nullStr(step.ExternalID), nullTime(step.FinishedAt), step.ID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update step").WithCause(err)
	}
	return checkRowsAffected(res, "step", step.ID)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*schema.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_type, status, input, output, error_message,
		        retry_count, cost, tokens_used, external_id, started_at, finished_at
		 FROM steps WHERE execution_id = ? ORDER BY started_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*schema.StepExecution
	for rows.Next() {
		st := &schema.StepExecution{}
		var (
			nodeType, status             string
			input, output, errMsg, extID sql.NullString
			finishedAt                   sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &nodeType, &status,
			&input, &output, &errMsg, &st.RetryCount, &st.Cost, &st.TokensUsed,
			&extID, &st.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		st.NodeType = schema.NodeType(nodeType)
		st.Status = schema.StepStatus(status)
		st.InputData = unmarshalMap(input)
		st.OutputData = unmarshalMap(output)
		st.ErrorMessage = errMsg.String
		st.ExternalID = extID.String
		if finishedAt.Valid {
			st.FinishedAt = &finishedAt.Time
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) DueSchedules(ctx context.Context, now time.Time) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT definition, status, schedule_enabled, cron_expr, next_run_at, last_run_at,
		        execution_count, success_count, total_duration_ms
		 FROM workflows
		 WHERE status = ? AND schedule_enabled = 1 AND cron_expr IS NOT NULL
		   AND (next_run_at IS NULL OR next_run_at <= ?)`,
		string(schema.WorkflowActive), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		def, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) UpdateScheduleRun(ctx context.Context, workflowID string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		lastRun, nextRun, workflowID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update schedule run").WithCause(err)
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func marshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ss)
	return string(b)
}

func unmarshalStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
