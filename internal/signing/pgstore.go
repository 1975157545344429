package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signet/model"
)

// PgRequestStore is a PostgreSQL-backed RequestStore using pgx/v5. The
// aggregate is stored as one JSONB document; the columns next to it exist for
// filtering and the optimistic version check.
//
// Schema:
//
//	CREATE TABLE signature_requests (
//	    id          TEXT PRIMARY KEY,
//	    document_id TEXT NOT NULL,
//	    created_by  TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    due_date    TIMESTAMPTZ,
//	    version     INTEGER NOT NULL,
//	    body        JSONB NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX signature_requests_status ON signature_requests (status, due_date);
//	CREATE INDEX signature_requests_recipients ON signature_requests
//	    USING GIN ((body -> 'recipients') jsonb_path_ops);
type PgRequestStore struct {
	pool *pgxpool.Pool
}

// NewPgRequestStore creates a new PostgreSQL request store.
func NewPgRequestStore(pool *pgxpool.Pool) *PgRequestStore {
	return &PgRequestStore{pool: pool}
}

const selectRequest = `SELECT body, version FROM signature_requests`

// Create inserts a new request.
func (s *PgRequestStore) Create(ctx context.Context, req model.SignatureRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal signature request: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO signature_requests (
			id, document_id, created_by, status, due_date,
			version, body, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		req.ID, req.DocumentID, req.CreatedBy, req.Status, req.DueDate,
		req.Version, body, req.CreatedAt, req.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("signature request %q already exists", req.ID))
	}
	if err != nil {
		return fmt.Errorf("insert signature request: %w", err)
	}
	return nil
}

// Get retrieves a request by ID.
func (s *PgRequestStore) Get(ctx context.Context, requestID string) (model.SignatureRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, selectRequest+` WHERE id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SignatureRequest{}, notFound(requestID)
	}
	if err != nil {
		return model.SignatureRequest{}, fmt.Errorf("query signature request: %w", err)
	}
	return req, nil
}

// Update persists an updated request with optimistic locking.
func (s *PgRequestStore) Update(ctx context.Context, req model.SignatureRequest) error {
	expected := req.Version
	req.Version++
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal signature request: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE signature_requests SET
			status = $1,
			due_date = $2,
			version = $3,
			body = $4,
			updated_at = $5
		WHERE id = $6 AND version = $7`,
		req.Status, req.DueDate, req.Version, body, req.UpdatedAt,
		req.ID, expected,
	)
	if err != nil {
		return fmt.Errorf("update signature request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, req.ID); err != nil {
			return err
		}
		return model.NewConflictError(
			fmt.Sprintf("signature request %q version conflict (expected %d)", req.ID, expected),
		)
	}
	return nil
}

// FindByAccessToken returns the request holding the given access token.
func (s *PgRequestStore) FindByAccessToken(ctx context.Context, token string) (model.SignatureRequest, error) {
	if token == "" {
		return model.SignatureRequest{}, model.NewNotFoundError("signing link not found")
	}
	req, err := scanRequest(s.pool.QueryRow(ctx, selectRequest+`
		WHERE body -> 'recipients' @> jsonb_build_array(jsonb_build_object('accessToken', $1::text))
		LIMIT 1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SignatureRequest{}, model.NewNotFoundError("signing link not found")
	}
	if err != nil {
		return model.SignatureRequest{}, fmt.Errorf("query signature request by token: %w", err)
	}
	return req, nil
}

// FindActive returns sent and in-progress requests, newest first.
func (s *PgRequestStore) FindActive(ctx context.Context, filters RequestFilters) ([]model.SignatureRequest, error) {
	query := selectRequest + `
		WHERE status IN ($1, $2) AND ($3 = '' OR created_by = $3)
		ORDER BY created_at DESC`
	args := []any{model.RequestStatusSent, model.RequestStatusInProgress, filters.CreatedBy}

	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return s.queryRequests(ctx, query, args...)
}

// FindDueBefore returns non-terminal requests past their due date.
func (s *PgRequestStore) FindDueBefore(ctx context.Context, cutoff time.Time) ([]model.SignatureRequest, error) {
	return s.queryRequests(ctx, selectRequest+`
		WHERE status IN ($1, $2, $3) AND due_date IS NOT NULL AND due_date < $4
		ORDER BY due_date ASC`,
		model.RequestStatusDraft, model.RequestStatusSent, model.RequestStatusInProgress, cutoff,
	)
}

// HealthCheck verifies the database is reachable.
func (s *PgRequestStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgRequestStore) queryRequests(ctx context.Context, query string, args ...any) ([]model.SignatureRequest, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signature requests: %w", err)
	}
	defer rows.Close()

	var result []model.SignatureRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signature request: %w", err)
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

func scanRequest(row pgx.Row) (model.SignatureRequest, error) {
	var body []byte
	var version int
	if err := row.Scan(&body, &version); err != nil {
		return model.SignatureRequest{}, err
	}
	var req model.SignatureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return model.SignatureRequest{}, fmt.Errorf("unmarshal signature request: %w", err)
	}
	req.Version = version
	return req, nil
}
