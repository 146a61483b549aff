package document

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Lister abstracts the document catalog for the signing page.
type Lister interface {
	ListBySelection(ctx context.Context, selectionCode int) ([]Document, error)
}

// Repository provides read access to the agreement document catalog.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListBySelection returns the documents for a selection code in display order.
func (r *Repository) ListBySelection(ctx context.Context, selectionCode int) ([]Document, error) {
	const query = `
		SELECT id, selection_code, title, template_key, sort_order, created_at
		FROM agreement_documents
		WHERE selection_code = $1
		ORDER BY sort_order ASC
	`

	rows, err := r.pool.Query(ctx, query, selectionCode)
	if err != nil {
		return nil, fmt.Errorf("document: list by selection: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.SelectionCode, &d.Title, &d.TemplateKey, &d.SortOrder, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("document: scan document: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("document: iterate documents: %w", err)
	}

	return docs, nil
}
