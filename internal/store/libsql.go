package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Definitions ---

func (s *LibSQLStore) StoreDefinition(ctx context.Context, rec *DefinitionRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (name, version, description, definition, input_schema, source, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   description=excluded.description, definition=excluded.definition,
		   input_schema=excluded.input_schema, source=excluded.source,
		   updated_at=CURRENT_TIMESTAMP`,
		rec.Name, rec.Version, nullStr(rec.Description), string(def),
		nullRaw(rec.InputSchema), nullStr(rec.Source),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, name, version string) (*DefinitionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, description, definition, input_schema, source, created_at, updated_at
		 FROM workflow_definitions WHERE name = ? AND version = ?`, name, version)
	rec, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", name+":"+version)
	}
	return rec, err
}

// LatestDefinition returns the highest version registered for a name.
// Versions are compared lexically, which matches zero-padded or date versions.
func (s *LibSQLStore) LatestDefinition(ctx context.Context, name string) (*DefinitionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, version, description, definition, input_schema, source, created_at, updated_at
		 FROM workflow_definitions WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	rec, err := scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", name)
	}
	return rec, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*DefinitionRecord, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT name, version, description, definition, input_schema, source, created_at, updated_at FROM workflow_definitions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DefinitionRecord
	for rows.Next() {
		rec, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*DefinitionRecord, error) {
	rec := &DefinitionRecord{}
	var desc, inputSchema, source sql.NullString
	var defJSON string
	if err := row.Scan(&rec.Name, &rec.Version, &desc, &defJSON, &inputSchema, &source, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Description = desc.String
	rec.Source = source.String
	rec.InputSchema = rawOrNil(inputSchema)
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return rec, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	contextJSON, err := marshalMapOrDefault(run.Context)
	if err != nil {
		return fmt.Errorf("marshal run context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, definition_name, definition_version, status, result, current_step, context, active_branches, parent_run_id, parent_step, triggered_by, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionName, run.DefinitionVersion, string(run.Status),
		nullStr(run.Result), nullStr(run.CurrentStep), string(contextJSON),
		nullRaw(run.ActiveBranches), nullStr(run.ParentRunID), nullStr(run.ParentStep),
		nullStr(run.TriggeredBy), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

const runColumns = `id, definition_name, definition_version, status, result, current_step, context, active_branches, parent_run_id, parent_step, triggered_by, error, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, nullStr(*update.Result))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.Context != nil {
		contextJSON, err := marshalMapOrDefault(update.Context)
		if err != nil {
			return fmt.Errorf("marshal run context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(contextJSON))
	}
	if update.ActiveBranches != nil {
		sets = append(sets, "active_branches = ?")
		args = append(args, string(update.ActiveBranches))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionName != "" {
		where = append(where, "definition_name = ?")
		args = append(args, filter.DefinitionName)
	}
	if filter.ParentRunID != "" {
		where = append(where, "parent_run_id = ?")
		args = append(args, filter.ParentRunID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
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

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		result, currentStep, parentRunID, parentStep, triggeredBy sql.NullString
		contextJSON                                               string
		branchesJSON, errorJSON                                   sql.NullString
		startedAt, completedAt                                    sql.NullTime
		status                                                    string
	)
	if err := row.Scan(&run.ID, &run.DefinitionName, &run.DefinitionVersion, &status,
		&result, &currentStep, &contextJSON, &branchesJSON, &parentRunID, &parentStep,
		&triggeredBy, &errorJSON, &run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Result = result.String
	run.CurrentStep = currentStep.String
	run.ParentRunID = parentRunID.String
	run.ParentStep = parentStep.String
	run.TriggeredBy = triggeredBy.String
	if contextJSON != "" {
		if err := json.Unmarshal([]byte(contextJSON), &run.Context); err != nil {
			return nil, fmt.Errorf("unmarshal run context: %w", err)
		}
	}
	run.ActiveBranches = rawOrNil(branchesJSON)
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, run_id, step_name, type, status, assigned_role, assigned_user, input_data, output_data, form_schema, deadline_at, escalation_policy, is_delegated, delegated_by, retry_count, error, created_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, task.StepName, string(task.Type), string(task.Status),
		nullStr(task.AssignedRole), nullStr(task.AssignedUser),
		nullRaw(task.InputData), nullRaw(task.OutputData), nullRaw(task.FormSchema),
		nullTime(task.DeadlineAt), nullRaw(task.EscalationPolicy),
		task.IsDelegated, nullStr(task.DelegatedBy), task.RetryCount, nullRaw(task.Error),
		timeOrNow(task.CreatedAt), nullTime(task.CompletedAt), timeOrNow(task.UpdatedAt),
	)
	return err
}

const taskColumns = `id, run_id, step_name, type, status, assigned_role, assigned_user, input_data, output_data, form_schema, deadline_at, escalation_policy, is_delegated, delegated_by, retry_count, error, created_at, completed_at, updated_at`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return task, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.AssignedRole != nil {
		sets = append(sets, "assigned_role = ?")
		args = append(args, nullStr(*update.AssignedRole))
	}
	if update.AssignedUser != nil {
		sets = append(sets, "assigned_user = ?")
		args = append(args, nullStr(*update.AssignedUser))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.IsDelegated != nil {
		sets = append(sets, "is_delegated = ?")
		args = append(args, *update.IsDelegated)
	}
	if update.DelegatedBy != nil {
		sets = append(sets, "delegated_by = ?")
		args = append(args, nullStr(*update.DelegatedBy))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepName != "" {
		where = append(where, "step_name = ?")
		args = append(args, filter.StepName)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.AssignedRole != "" {
		where = append(where, "assigned_role = ?")
		args = append(args, filter.AssignedRole)
	}
	if filter.AssignedUser != "" {
		where = append(where, "assigned_user = ?")
		args = append(args, filter.AssignedUser)
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
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

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row rowScanner) (*Task, error) {
	task := &Task{}
	var (
		taskType, status                                        string
		assignedRole, assignedUser, delegatedBy                 sql.NullString
		inputData, outputData, formSchema, escPolicy, errorJSON sql.NullString
		deadlineAt, completedAt                                 sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.RunID, &task.StepName, &taskType, &status,
		&assignedRole, &assignedUser, &inputData, &outputData, &formSchema,
		&deadlineAt, &escPolicy, &task.IsDelegated, &delegatedBy, &task.RetryCount,
		&errorJSON, &task.CreatedAt, &completedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Type = schema.TaskType(taskType)
	task.Status = schema.TaskStatus(status)
	task.AssignedRole = assignedRole.String
	task.AssignedUser = assignedUser.String
	task.DelegatedBy = delegatedBy.String
	task.InputData = rawOrNil(inputData)
	task.OutputData = rawOrNil(outputData)
	task.FormSchema = rawOrNil(formSchema)
	task.EscalationPolicy = rawOrNil(escPolicy)
	task.Error = rawOrNil(errorJSON)
	if deadlineAt.Valid {
		task.DeadlineAt = &deadlineAt.Time
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// --- Task Comments ---

func (s *LibSQLStore) AddTaskComment(ctx context.Context, comment *TaskComment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_comments (id, task_id, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		comment.ID, comment.TaskID, comment.Author, comment.Body, timeOrNow(comment.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListTaskComments(ctx context.Context, taskID string) ([]*TaskComment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, author, body, created_at FROM task_comments WHERE task_id = ? ORDER BY created_at ASC`,
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []*TaskComment
	for rows.Next() {
		c := &TaskComment{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// --- Run Events ---

func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_name, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepName), event.Type, nullRaw(event.Payload),
		nullStr(event.Actor), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, event_type, payload, actor, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var stepName, actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &stepName, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepName = stepName.String
		e.Actor = actor.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Escalation timers ---

func (s *LibSQLStore) CreateEscalation(ctx context.Context, entry *EscalationEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, task_id, run_id, due_at, policy, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.RunID, entry.DueAt, string(entry.Policy), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DueEscalations(ctx context.Context, now time.Time) ([]*EscalationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, run_id, due_at, policy, created_at FROM escalations WHERE due_at <= ? ORDER BY due_at ASC`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*EscalationEntry
	for rows.Next() {
		e := &EscalationEntry{}
		var policy string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.RunID, &e.DueAt, &policy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Policy = json.RawMessage(policy)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) DeleteEscalation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM escalations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "escalation", id)
}

func (s *LibSQLStore) DeleteEscalationsForTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM escalations WHERE task_id = ?`, taskID)
	return err
}

// --- Retry timers ---

func (s *LibSQLStore) CreateRetry(ctx context.Context, entry *RetryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retries (id, run_id, step_name, attempt, retry_at, last_error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RunID, entry.StepName, entry.Attempt, entry.RetryAt,
		nullRaw(entry.LastError), timeOrNow(entry.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) DueRetries(ctx context.Context, now time.Time) ([]*RetryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, attempt, retry_at, last_error, created_at FROM retries WHERE retry_at <= ? ORDER BY retry_at ASC`,
		now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RetryEntry
	for rows.Next() {
		e := &RetryEntry{}
		var lastError sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.StepName, &e.Attempt, &e.RetryAt, &lastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.LastError = rawOrNil(lastError)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) DeleteRetry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM retries WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "retry", id)
}

func (s *LibSQLStore) DeleteRetriesForRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM retries WHERE run_id = ?`, runID)
	return err
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trigger *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, definition_name, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trigger.ID, trigger.DefinitionName, nullStr(trigger.DefinitionVersion),
		trigger.CronExpression, nullRaw(trigger.Input), trigger.Enabled,
		nullTime(trigger.LastRunAt), nullTime(trigger.NextRunAt),
		nullStr(trigger.LastRunStatus), timeOrNow(trigger.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	query := `SELECT id, definition_name, definition_version, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_triggers`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*ScheduledTrigger
	for rows.Next() {
		t := &ScheduledTrigger{}
		var version, input, lastStatus sql.NullString
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.DefinitionName, &version, &t.CronExpression,
			&input, &t.Enabled, &lastRunAt, &nextRunAt, &lastStatus, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.DefinitionVersion = version.String
		t.Input = rawOrNil(input)
		t.LastRunStatus = lastStatus.String
		if lastRunAt.Valid {
			t.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			t.NextRunAt = &nextRunAt.Time
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_trigger", id)
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_trigger", id)
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

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
