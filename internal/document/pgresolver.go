package document

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/signet/model"
)

// PgResolver reads document geometry from PostgreSQL. The tables are owned
// by the document service; signet only reads them.
//
//	CREATE TABLE documents (
//	    id         TEXT PRIMARY KEY,
//	    page_count INT  NOT NULL
//	);
//	CREATE TABLE document_pages (
//	    document_id TEXT NOT NULL REFERENCES documents(id),
//	    page_number INT  NOT NULL,
//	    width       DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    height      DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    PRIMARY KEY (document_id, page_number)
//	);
//
// Pages without a document_pages row resolve with zero dimensions, which
// limits the bounds check to the page number.
type PgResolver struct {
	pool *pgxpool.Pool
}

// NewPgResolver creates a PostgreSQL-backed Resolver.
func NewPgResolver(pool *pgxpool.Pool) *PgResolver {
	return &PgResolver{pool: pool}
}

// Resolve implements Resolver.
func (r *PgResolver) Resolve(ctx context.Context, documentID string) (Document, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT gs.n, COALESCE(p.width, 0), COALESCE(p.height, 0)
		FROM documents d
		CROSS JOIN LATERAL generate_series(1, d.page_count) AS gs(n)
		LEFT JOIN document_pages p
		       ON p.document_id = d.id AND p.page_number = gs.n
		WHERE d.id = $1
		ORDER BY gs.n`,
		documentID,
	)
	if err != nil {
		return Document{}, fmt.Errorf("query document pages: %w", err)
	}
	defer rows.Close()

	doc := Document{ID: documentID}
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.Number, &p.Width, &p.Height); err != nil {
			return Document{}, fmt.Errorf("scan document page: %w", err)
		}
		doc.Pages = append(doc.Pages, p)
	}
	if err := rows.Err(); err != nil {
		return Document{}, fmt.Errorf("iterate document pages: %w", err)
	}
	if len(doc.Pages) == 0 {
		return Document{}, model.NewNotFoundError("document " + documentID + " not found")
	}
	return doc, nil
}

// HealthCheck pings the database.
func (r *PgResolver) HealthCheck(ctx context.Context) error {
	return r.pool.Ping(ctx)
}
