package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signet/model"
)

// PgSink is a PostgreSQL-backed Sink and Reader using pgx/v5.
//
// Schema:
//
//	CREATE TABLE activity_logs (
//	    id          TEXT PRIMARY KEY,
//	    action      TEXT NOT NULL,
//	    actor_id    TEXT NOT NULL,
//	    document_id TEXT NOT NULL DEFAULT '',
//	    request_id  TEXT NOT NULL DEFAULT '',
//	    details     JSONB,
//	    ip_address  TEXT NOT NULL DEFAULT '',
//	    user_agent  TEXT NOT NULL DEFAULT '',
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX activity_logs_request_id ON activity_logs (request_id, id);
type PgSink struct {
	pool *pgxpool.Pool
}

// NewPgSink creates a PostgreSQL audit sink.
func NewPgSink(pool *pgxpool.Pool) *PgSink {
	return &PgSink{pool: pool}
}

// Write inserts a log. Re-inserting an existing ID is ignored.
func (s *PgSink) Write(ctx context.Context, log model.ActivityLog) error {
	detailsJSON, err := json.Marshal(log.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO activity_logs (
			id, action, actor_id, document_id, request_id,
			details, ip_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		log.ID, log.Action, log.ActorID, log.DocumentID, log.RequestID,
		detailsJSON, log.IPAddress, log.UserAgent, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}

// List returns the logs of a request ordered by ID.
func (s *PgSink) List(ctx context.Context, requestID string) ([]model.ActivityLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, action, actor_id, document_id, request_id,
		       details, ip_address, user_agent, created_at
		FROM activity_logs
		WHERE request_id = $1
		ORDER BY id ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	defer rows.Close()

	var logs []model.ActivityLog
	for rows.Next() {
		var l model.ActivityLog
		var detailsJSON []byte
		if err := rows.Scan(
			&l.ID, &l.Action, &l.ActorID, &l.DocumentID, &l.RequestID,
			&detailsJSON, &l.IPAddress, &l.UserAgent, &l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &l.Details); err != nil {
				return nil, fmt.Errorf("unmarshal audit details %s: %w", l.ID, err)
			}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// HealthCheck pings the database.
func (s *PgSink) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
