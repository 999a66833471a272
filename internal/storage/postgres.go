// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"convert-gateway/internal/model"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Schema creates the tenant tables. A NULL quota_limit means the configured
// default limit applies.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id            TEXT PRIMARY KEY,
	priority_tier TEXT NOT NULL DEFAULT 'normal',
	last_reset    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS tenant_quotas (
	tenant_id   TEXT NOT NULL REFERENCES tenants(id),
	category    TEXT NOT NULL,
	used        BIGINT NOT NULL DEFAULT 0 CHECK (used >= 0),
	quota_limit BIGINT,
	PRIMARY KEY (tenant_id, category)
);
CREATE INDEX IF NOT EXISTS tenant_quotas_used_idx ON tenant_quotas (category, used) WHERE used > 0;`

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	DB *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*model.TenantRecord, error) {
	recs, err := s.load(ctx, []string{tenantID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

// ConditionalIncrement relies on a guarded UPDATE so the check and the
// increment happen in one statement under the row lock.
func (s *PostgresStore) ConditionalIncrement(ctx context.Context, tenantID, category string, limit int64) (bool, error) {
	const incr = `
		UPDATE tenant_quotas
		SET used = used + 1
		WHERE tenant_id = $1 AND category = $2 AND used < $3
		RETURNING used`

	for attempt := 0; attempt < 2; attempt++ {
		var used int64
		err := s.DB.QueryRowContext(ctx, incr, tenantID, category, limit).Scan(&used)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("increment failed: %w", err)
		}

		var tenantExists, rowExists bool
		err = s.DB.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1),
			       EXISTS (SELECT 1 FROM tenant_quotas WHERE tenant_id = $1 AND category = $2)`,
			tenantID, category).Scan(&tenantExists, &rowExists)
		if err != nil {
			return false, fmt.Errorf("lookup failed: %w", err)
		}
		if !tenantExists {
			return false, ErrNotFound
		}
		if rowExists {
			return false, nil
		}

		// First use of this category for the tenant.
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO tenant_quotas (tenant_id, category, used)
			VALUES ($1, $2, 0)
			ON CONFLICT (tenant_id, category) DO NOTHING`, tenantID, category)
		if err != nil {
			if isPQCode(err, pgForeignKeyViolation) {
				return false, ErrNotFound
			}
			return false, fmt.Errorf("failed to create quota row: %w", err)
		}
	}
	return false, nil
}

func (s *PostgresStore) Query(ctx context.Context, category string, op Operator, value int64) ([]*model.TenantRecord, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("unsupported operator %q", op)
	}
	// op is validated above, so formatting it into the statement is safe.
	query := fmt.Sprintf(`
		SELECT t.id
		FROM tenants t
		LEFT JOIN tenant_quotas q ON q.tenant_id = t.id AND q.category = $1
		WHERE COALESCE(q.used, 0) %s $2
		ORDER BY t.id`, op)

	rows, err := s.DB.QueryContext(ctx, query, category, value)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.load(ctx, ids)
}

// BatchUpdate runs the whole batch in one transaction.
func (s *PostgresStore) BatchUpdate(ctx context.Context, updates []Update) error {
	if err := checkBatch(updates); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stampStmt, err := tx.PrepareContext(ctx, `
		UPDATE tenants
		SET last_reset = CASE
			WHEN $2::timestamptz IS NULL THEN last_reset
			ELSE GREATEST(COALESCE(last_reset, $2::timestamptz), $2::timestamptz)
		END
		WHERE id = $1`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer stampStmt.Close()

	counterStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tenant_quotas (tenant_id, category, used)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, category) DO UPDATE SET used = EXCLUDED.used`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	defer counterStmt.Close()

	for _, u := range updates {
		var stamp any
		if !u.LastReset.IsZero() {
			stamp = u.LastReset.UTC()
		}
		res, err := stampStmt.ExecContext(ctx, u.TenantID, stamp)
		if err != nil {
			return fmt.Errorf("batch update %s: %w", u.TenantID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("batch update %s: %w", u.TenantID, ErrNotFound)
		}
		for category, v := range u.Counters {
			if _, err := counterStmt.ExecContext(ctx, u.TenantID, category, v); err != nil {
				return fmt.Errorf("batch update %s/%s: %w", u.TenantID, category, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *model.TenantRecord) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tenants (id, priority_tier, created_at) VALUES ($1, $2, $3)`,
		rec.ID, rec.PriorityTier.Or(model.TierNormal).String(), createdAt)
	if err != nil {
		if isPQCode(err, pgUniqueViolation) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to save tenant: %w", err)
	}

	categories := make(map[string]struct{}, len(rec.Limits)+len(rec.Counters))
	for c := range rec.Limits {
		categories[c] = struct{}{}
	}
	for c := range rec.Counters {
		categories[c] = struct{}{}
	}
	for c := range categories {
		var limit any
		if l, ok := rec.Limits[c]; ok {
			limit = l
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tenant_quotas (tenant_id, category, used, quota_limit) VALUES ($1, $2, $3, $4)`,
			rec.ID, c, rec.Counters[c], limit)
		if err != nil {
			return fmt.Errorf("failed to save quota %s: %w", c, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.DB.Close()
}

func (s *PostgresStore) load(ctx context.Context, ids []string) ([]*model.TenantRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT t.id, t.priority_tier, t.last_reset, t.created_at, q.category, q.used, q.quota_limit
		FROM tenants t
		LEFT JOIN tenant_quotas q ON q.tenant_id = t.id
		WHERE t.id = ANY($1)
		ORDER BY t.id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var (
		out  []*model.TenantRecord
		last *model.TenantRecord
	)
	for rows.Next() {
		var (
			id, tier  string
			lastReset sql.NullTime
			createdAt time.Time
			category  sql.NullString
			used      sql.NullInt64
			limit     sql.NullInt64
		)
		if err := rows.Scan(&id, &tier, &lastReset, &createdAt, &category, &used, &limit); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		if last == nil || last.ID != id {
			t, err := model.ParseTier(tier)
			if err != nil {
				return nil, err
			}
			last = &model.TenantRecord{
				ID:           id,
				Counters:     make(map[string]int64),
				Limits:       make(map[string]int64),
				PriorityTier: t,
				CreatedAt:    createdAt,
			}
			if lastReset.Valid {
				last.LastReset = lastReset.Time
			}
			out = append(out, last)
		}
		if !category.Valid {
			continue
		}
		last.Counters[category.String] = used.Int64
		if limit.Valid {
			last.Limits[category.String] = limit.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return out, nil
}

func isPQCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == code
}
