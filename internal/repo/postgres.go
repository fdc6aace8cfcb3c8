package repo

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/miradorstack/mirador-heal/internal/models"
	"github.com/miradorstack/mirador-heal/internal/utils"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store on PostgreSQL, keeping each record as a
// JSONB document next to the columns it is looked up by.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds pool settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewPostgresStore opens the database, verifies connectivity and applies migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, utils.NewAppError("repo.postgres", "open database", err)
	}

	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, utils.NewAppError("repo.postgres", "ping database", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return utils.NewAppError("repo.postgres", "read migrations", err)
	}
	for _, entry := range entries {
		schema, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return utils.NewAppError("repo.postgres", "read migration "+entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(schema)); err != nil {
			return utils.NewAppError("repo.postgres", "apply migration "+entry.Name(), err)
		}
	}
	return nil
}

func (s *PostgresStore) PutAnomaly(ctx context.Context, anomaly models.Anomaly) error {
	body, err := json.Marshal(anomaly)
	if err != nil {
		return fmt.Errorf("marshal anomaly: %w", err)
	}
	query := `
		INSERT INTO heal_anomalies (id, resource_id, metric_name, severity, detected_at, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body
	`
	_, err = s.db.ExecContext(ctx, query,
		anomaly.ID, anomaly.ResourceID, anomaly.MetricName, string(anomaly.Severity), anomaly.DetectedAt, body)
	if err != nil {
		return utils.NewAppError("repo.postgres.put_anomaly", anomaly.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetAnomaly(ctx context.Context, id string) (models.Anomaly, error) {
	var anomaly models.Anomaly
	err := s.getDocument(ctx, `SELECT body FROM heal_anomalies WHERE id = $1`, id, &anomaly)
	return anomaly, err
}

func (s *PostgresStore) PutPlan(ctx context.Context, plan models.HealingPlan) error {
	body, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	query := `
		INSERT INTO heal_plans (id, anomaly_id, pattern, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET body = EXCLUDED.body
	`
	if _, err := s.db.ExecContext(ctx, query, plan.ID, plan.AnomalyID, plan.Pattern, body); err != nil {
		return utils.NewAppError("repo.postgres.put_plan", plan.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (models.HealingPlan, error) {
	var plan models.HealingPlan
	err := s.getDocument(ctx, `SELECT body FROM heal_plans WHERE id = $1`, id, &plan)
	return plan, err
}

func (s *PostgresStore) PutExecution(ctx context.Context, execution models.HealingExecution) error {
	body, err := json.Marshal(execution)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	var startedAt *time.Time
	if !execution.StartedAt.IsZero() {
		startedAt = &execution.StartedAt
	}
	query := `
		INSERT INTO heal_executions (id, plan_id, status, started_at, updated_at, body)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			updated_at = NOW(),
			body = EXCLUDED.body
	`
	if _, err := s.db.ExecContext(ctx, query, execution.ID, execution.PlanID, string(execution.Status), startedAt, body); err != nil {
		return utils.NewAppError("repo.postgres.put_execution", execution.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (models.HealingExecution, error) {
	var execution models.HealingExecution
	err := s.getDocument(ctx, `SELECT body FROM heal_executions WHERE id = $1`, id, &execution)
	return execution, err
}

func (s *PostgresStore) ListExecutions(ctx context.Context, planID string) ([]models.HealingExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM heal_executions WHERE plan_id = $1 ORDER BY started_at NULLS LAST, id`, planID)
	if err != nil {
		return nil, utils.NewAppError("repo.postgres.list_executions", planID, err)
	}
	defer rows.Close()

	out := make([]models.HealingExecution, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var execution models.HealingExecution
		if err := json.Unmarshal(body, &execution); err != nil {
			return nil, fmt.Errorf("decode execution: %w", err)
		}
		out = append(out, execution)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendLearningRecord(ctx context.Context, record models.LearningRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal learning record: %w", err)
	}
	query := `
		INSERT INTO heal_learning_records (anomaly_type, metric_name, success, recorded_at, body)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query,
		string(record.AnomalyType), record.MetricName, record.Success, record.Timestamp, body); err != nil {
		return utils.NewAppError("repo.postgres.append_learning", record.PlanID, err)
	}
	return nil
}

func (s *PostgresStore) ListLearningRecords(ctx context.Context) ([]models.LearningRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM heal_learning_records ORDER BY seq`)
	if err != nil {
		return nil, utils.NewAppError("repo.postgres.list_learning", "query", err)
	}
	defer rows.Close()

	out := make([]models.LearningRecord, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var record models.LearningRecord
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("decode learning record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) getDocument(ctx context.Context, query, id string, out any) error {
	var body []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return utils.NewAppError("repo.postgres.get", id, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", id, err)
	}
	return nil
}
