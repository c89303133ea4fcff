package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// AuditStore persists decisions for after-the-fact review. Recording is
// best effort and asynchronous; a failing store never affects decisions.
type AuditStore interface {
	Record(ctx context.Context, d *Decision) error
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*Decision, error)
}

// MemoryAuditStore keeps decisions in memory for demo and test use.
type MemoryAuditStore struct {
	mu        sync.RWMutex
	decisions map[string][]*Decision
}

// NewMemoryAuditStore creates an in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{decisions: make(map[string][]*Decision)}
}

func (s *MemoryAuditStore) Record(_ context.Context, d *Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.decisions[d.Identity] = append(s.decisions[d.Identity], &copied)
	return nil
}

func (s *MemoryAuditStore) ListByIdentity(_ context.Context, identity string, limit int) ([]*Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.decisions[identity]
	if len(all) == 0 {
		return nil, nil
	}
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*Decision, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		copied := *all[i]
		result = append(result, &copied)
	}
	return result, nil
}

var _ AuditStore = (*MemoryAuditStore)(nil)

// PostgresAuditStore persists decisions in PostgreSQL. Schema is managed
// by the goose migrations under migrations/.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a PostgreSQL-backed audit store.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Record(ctx context.Context, d *Decision) error {
	componentsJSON, err := json.Marshal(d.Components)
	if err != nil {
		return fmt.Errorf("failed to marshal components: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_decisions (id, identity, user_id, session_id, score, level, action, reason, allowed, components, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		d.ID,
		d.Identity,
		d.UserID,
		d.SessionID,
		d.RiskScore,
		string(d.RiskLevel),
		string(d.Action.Type),
		d.Action.Reason,
		d.Allowed,
		componentsJSON,
		time.UnixMilli(d.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) ListByIdentity(ctx context.Context, identity string, limit int) ([]*Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, user_id, session_id, score, level, action, reason, allowed, components, evaluated_at
		FROM risk_decisions
		WHERE identity = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Decision
	for rows.Next() {
		var d Decision
		var level, action string
		var componentsJSON []byte
		var evaluatedAt time.Time

		if err := rows.Scan(&d.ID, &d.Identity, &d.UserID, &d.SessionID, &d.RiskScore,
			&level, &action, &d.Action.Reason, &d.Allowed, &componentsJSON, &evaluatedAt); err != nil {
			continue
		}
		d.RiskLevel = RiskLevel(level)
		d.Action.Type = ActionType(action)
		d.Timestamp = evaluatedAt.UnixMilli()
		_ = json.Unmarshal(componentsJSON, &d.Components)
		result = append(result, &d)
	}
	return result, rows.Err()
}

var _ AuditStore = (*PostgresAuditStore)(nil)
