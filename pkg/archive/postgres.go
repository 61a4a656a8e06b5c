// Package archive persists verdicts and entity-state checkpoints to Postgres
// so runs can be audited and state survives a pipeline restart.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"cloudguard/pkg/decision"
	"cloudguard/pkg/state"
)

const schemaDDL = `
	CREATE TABLE IF NOT EXISTS entity_state_checkpoints (
		entity_id VARCHAR(255) PRIMARY KEY,
		state JSONB NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS verdicts (
		id BIGSERIAL PRIMARY KEY,
		run_id UUID NOT NULL,
		event_id VARCHAR(255) NOT NULL,
		entity_id VARCHAR(255) NOT NULL,
		anomaly_degree DOUBLE PRECISION NOT NULL,
		anomaly_flag BOOLEAN NOT NULL,
		class VARCHAR(64) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		severity VARCHAR(16) NOT NULL,
		rationale TEXT,
		scored_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_verdicts_run
		ON verdicts(run_id);
	CREATE INDEX IF NOT EXISTS idx_verdicts_entity
		ON verdicts(entity_id, scored_at DESC);
	CREATE INDEX IF NOT EXISTS idx_verdicts_severity
		ON verdicts(severity, scored_at DESC);
`

// Archive wraps a Postgres connection pool.
type Archive struct {
	db *sql.DB
}

// New opens the pool, applies the schema and verifies connectivity.
func New(dsn string, maxConns int) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: open postgres: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 4)
	db.SetConnMaxLifetime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}
	return &Archive{db: db}, nil
}

func (a *Archive) Close() error { return a.db.Close() }

// InsertVerdicts writes a batch of verdicts under one run ID in a single
// transaction so a crash never leaves a partial batch behind.
func (a *Archive) InsertVerdicts(ctx context.Context, runID string, verdicts []decision.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO verdicts (run_id, event_id, entity_id, anomaly_degree, anomaly_flag, class, confidence, severity, rationale, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
	if err != nil {
		return fmt.Errorf("archive: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range verdicts {
		if _, err := stmt.ExecContext(ctx, runID, v.EventID, v.EntityID, v.AnomalyDegree, v.AnomalyFlag,
			v.Class, v.TopConfidence, v.Severity.String(), v.Rationale, v.ScoredAt); err != nil {
			return fmt.Errorf("archive: insert verdict %s: %w", v.EventID, err)
		}
	}
	return tx.Commit()
}

// CheckpointStates upserts entity-state snapshots.
func (a *Archive) CheckpointStates(ctx context.Context, states []*state.EntityState) error {
	if len(states) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("archive: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entity_state_checkpoints (entity_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (entity_id) DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`)
	if err != nil {
		return fmt.Errorf("archive: prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		blob, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("archive: encode state for %s: %w", st.EntityID, err)
		}
		if _, err := stmt.ExecContext(ctx, st.EntityID, blob); err != nil {
			return fmt.Errorf("archive: checkpoint %s: %w", st.EntityID, err)
		}
	}
	return tx.Commit()
}

// LoadStates restores all checkpointed entity states, typically into a
// fresh in-memory store at pipeline start.
func (a *Archive) LoadStates(ctx context.Context, store state.Store) (int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT state FROM entity_state_checkpoints`)
	if err != nil {
		return 0, fmt.Errorf("archive: load states: %w", err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return n, fmt.Errorf("archive: scan state: %w", err)
		}
		var st state.EntityState
		if err := json.Unmarshal(blob, &st); err != nil {
			return n, fmt.Errorf("archive: decode state: %w", err)
		}
		if err := store.Put(ctx, &st); err != nil {
			return n, fmt.Errorf("archive: restore %s: %w", st.EntityID, err)
		}
		n++
	}
	return n, rows.Err()
}

// SeverityCounts summarizes archived verdicts for one run.
func (a *Archive) SeverityCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT severity, COUNT(*) FROM verdicts WHERE run_id = $1 GROUP BY severity`, runID)
	if err != nil {
		return nil, fmt.Errorf("archive: severity counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("archive: scan count: %w", err)
		}
		out[sev] = n
	}
	return out, rows.Err()
}
