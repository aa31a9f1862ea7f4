package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openidsync/openidsync/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.EntityStore and engine.TaskStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded source.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Get retrieves an entity by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*engine.AnyEntity, error) {
	query := `
		SELECT key, kind, realm, payload, created_at, updated_at
		FROM entities
		WHERE key = ?
	`

	entity, err := scanEntity(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("entity not found: %s", key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

// Save creates or updates an entity. The plain attribute side table is
// rewritten in the same transaction so reverse lookups never see a half
// updated attribute set.
func (s *SQLiteStore) Save(ctx context.Context, entity *engine.AnyEntity) error {
	payload, err := json.Marshal(entityPayload{
		PlainAttrs:   entity.PlainAttrs,
		DerivedAttrs: entity.DerivedAttrs,
		VirSchemas:   entity.VirSchemas,
		Resources:    entity.Resources,
		Memberships:  entity.Memberships,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal entity payload: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := `
		INSERT INTO entities (key, kind, realm, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			realm = excluded.realm,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, upsert,
		entity.Key,
		entity.Kind,
		entity.Realm,
		string(payload),
		entity.CreatedAt,
		entity.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_attrs WHERE entity_key = ?`, entity.Key); err != nil {
		return fmt.Errorf("failed to clear entity attrs: %w", err)
	}
	for name, values := range entity.PlainAttrs {
		for _, value := range values {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO entity_attrs (entity_key, kind, name, value) VALUES (?, ?, ?, ?)`,
				entity.Key, entity.Kind, name, value)
			if err != nil {
				return fmt.Errorf("failed to index entity attr: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit entity: %w", err)
	}
	return nil
}

// Delete removes an entity by key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("entity not found: %s", key), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

// List returns all entities of a kind within a realm. An empty realm matches
// every realm.
func (s *SQLiteStore) List(ctx context.Context, realm string, kind engine.EntityKind) ([]*engine.AnyEntity, error) {
	query := `
		SELECT key, kind, realm, payload, created_at, updated_at
		FROM entities
		WHERE kind = ? AND (? = '' OR realm = ?)
		ORDER BY key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, kind, realm, realm)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*engine.AnyEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// FindByAttr returns the entities of a kind whose plain attribute holds the
// given value, via the indexed side table.
func (s *SQLiteStore) FindByAttr(ctx context.Context, kind engine.EntityKind, name, value string) ([]*engine.AnyEntity, error) {
	query := `
		SELECT e.key, e.kind, e.realm, e.payload, e.created_at, e.updated_at
		FROM entities e
		JOIN entity_attrs a ON a.entity_key = e.key
		WHERE a.kind = ? AND a.name = ? AND a.value = ?
		ORDER BY e.key ASC
	`

	rows, err := s.db.QueryContext(ctx, query, kind, name, value)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities by attr: %w", err)
	}
	defer rows.Close()

	var entities []*engine.AnyEntity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}

// SaveTask creates or updates a task definition.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *engine.ProvisioningTask) error {
	actions, err := json.Marshal(task.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal task actions: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, name, type, resource_key, realm, kind, cron_expr,
			matching, unmatching, correlation_rule, assignment_rule, actions, page_size
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			resource_key = excluded.resource_key,
			realm = excluded.realm,
			kind = excluded.kind,
			cron_expr = excluded.cron_expr,
			matching = excluded.matching,
			unmatching = excluded.unmatching,
			correlation_rule = excluded.correlation_rule,
			assignment_rule = excluded.assignment_rule,
			actions = excluded.actions,
			page_size = excluded.page_size
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Name,
		task.Type,
		task.ResourceKey,
		task.Realm,
		task.Kind,
		task.CronExpr,
		task.Matching,
		task.Unmatching,
		task.CorrelationRule,
		task.AssignmentRule,
		string(actions),
		task.PageSize,
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// GetTask retrieves a task definition by id.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*engine.ProvisioningTask, error) {
	query := `
		SELECT id, name, type, resource_key, realm, kind, cron_expr,
			   matching, unmatching, correlation_rule, assignment_rule, actions, page_size
		FROM tasks
		WHERE id = ?
	`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("task not found: %s", taskID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// DeleteTask removes a task definition and, through the foreign key, its
// execution history.
func (s *SQLiteStore) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("task not found: %s", taskID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

// ListTasks returns all task definitions.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*engine.ProvisioningTask, error) {
	query := `
		SELECT id, name, type, resource_key, realm, kind, cron_expr,
			   matching, unmatching, correlation_rule, assignment_rule, actions, page_size
		FROM tasks
		ORDER BY name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*engine.ProvisioningTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return tasks, nil
}

// CreateExecution appends a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *engine.TaskExecution) error {
	failures, err := json.Marshal(exec.Failures)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %w", err)
	}

	query := `
		INSERT INTO executions (id, task_id, status, started_at, ended_at, message, succeeded, failed, failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		exec.ID,
		exec.TaskID,
		exec.Status,
		exec.StartedAt,
		exec.EndedAt,
		exec.Message,
		exec.Succeeded,
		exec.Failed,
		string(failures),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// UpdateExecution updates an execution's status and counters.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, exec *engine.TaskExecution) error {
	failures, err := json.Marshal(exec.Failures)
	if err != nil {
		return fmt.Errorf("failed to marshal failures: %w", err)
	}

	query := `
		UPDATE executions
		SET status = ?, ended_at = ?, message = ?, succeeded = ?, failed = ?, failures = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		exec.Status,
		exec.EndedAt,
		exec.Message,
		exec.Succeeded,
		exec.Failed,
		string(failures),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("execution not found: %s", exec.ID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	return nil
}

// GetExecution retrieves one execution record.
func (s *SQLiteStore) GetExecution(ctx context.Context, execID string) (*engine.TaskExecution, error) {
	query := `
		SELECT id, task_id, status, started_at, ended_at, message, succeeded, failed, failures
		FROM executions
		WHERE id = ?
	`

	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, execID))
	if err == sql.ErrNoRows {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("execution not found: %s", execID), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns a task's executions, most recent first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, taskID string) ([]*engine.TaskExecution, error) {
	query := `
		SELECT id, task_id, status, started_at, ended_at, message, succeeded, failed, failures
		FROM executions
		WHERE task_id = ?
		ORDER BY started_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var execs []*engine.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

// AppendPropagationStatuses persists per-resource propagation outcomes.
func (s *SQLiteStore) AppendPropagationStatuses(ctx context.Context, entityKey string, op engine.Operation, statuses []engine.PropagationStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO propagation_statuses (entity_key, operation, resource_key, status, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	for _, status := range statuses {
		_, err := tx.ExecContext(ctx, query,
			entityKey, op, status.ResourceKey, status.Status, status.Message, now)
		if err != nil {
			return fmt.Errorf("failed to append propagation status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit propagation statuses: %w", err)
	}
	return nil
}

// ListPropagationStatuses returns an entity's propagation history, most
// recent first.
func (s *SQLiteStore) ListPropagationStatuses(ctx context.Context, entityKey string, limit int) ([]*PropagationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, entity_key, operation, resource_key, status, message, created_at
		FROM propagation_statuses
		WHERE entity_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, entityKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list propagation statuses: %w", err)
	}
	defer rows.Close()

	var records []*PropagationRecord
	for rows.Next() {
		record := &PropagationRecord{}
		err := rows.Scan(
			&record.ID,
			&record.EntityKey,
			&record.Operation,
			&record.ResourceKey,
			&record.Status,
			&record.Message,
			&record.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan propagation status: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating propagation statuses: %w", err)
	}
	return records, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (*engine.AnyEntity, error) {
	var payload string
	entity := &engine.AnyEntity{}
	err := row.Scan(
		&entity.Key,
		&entity.Kind,
		&entity.Realm,
		&payload,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var doc entityPayload
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity payload: %w", err)
	}
	entity.PlainAttrs = doc.PlainAttrs
	entity.DerivedAttrs = doc.DerivedAttrs
	entity.VirSchemas = doc.VirSchemas
	entity.Resources = doc.Resources
	entity.Memberships = doc.Memberships
	if entity.PlainAttrs == nil {
		entity.PlainAttrs = make(map[string][]string)
	}
	return entity, nil
}

func scanTask(row scanner) (*engine.ProvisioningTask, error) {
	var actions string
	task := &engine.ProvisioningTask{}
	err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Type,
		&task.ResourceKey,
		&task.Realm,
		&task.Kind,
		&task.CronExpr,
		&task.Matching,
		&task.Unmatching,
		&task.CorrelationRule,
		&task.AssignmentRule,
		&actions,
		&task.PageSize,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actions), &task.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task actions: %w", err)
	}
	return task, nil
}

func scanExecution(row scanner) (*engine.TaskExecution, error) {
	var failures string
	exec := &engine.TaskExecution{}
	err := row.Scan(
		&exec.ID,
		&exec.TaskID,
		&exec.Status,
		&exec.StartedAt,
		&exec.EndedAt,
		&exec.Message,
		&exec.Succeeded,
		&exec.Failed,
		&failures,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(failures), &exec.Failures); err != nil {
		return nil, fmt.Errorf("failed to unmarshal failures: %w", err)
	}
	return exec, nil
}
