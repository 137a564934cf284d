package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// HashedRecipientRepositoryInterface defines methods used by the recipient processor
type HashedRecipientRepositoryInterface interface {
	// FindExisting returns the subset of hashes that are already stored.
	FindExisting(ctx context.Context, hashes []string) (map[string]bool, error)
	// Record inserts unseen hashes and refreshes last_seen of known ones.
	Record(ctx context.Context, hashes []string) error
}

type HashedRecipientRepository struct {
	DB *sql.DB
}

func (r *HashedRecipientRepository) FindExisting(ctx context.Context, hashes []string) (map[string]bool, error) {
	existing := make(map[string]bool, len(hashes))
	if len(hashes) == 0 {
		return existing, nil
	}

	rows, err := r.DB.QueryContext(ctx, `SELECT hash FROM hashed_recipients WHERE hash = ANY($1)`, pq.Array(hashes))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		existing[h] = true
	}
	return existing, rows.Err()
}

func (r *HashedRecipientRepository) Record(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}
	query := `
        INSERT INTO hashed_recipients (hash, first_seen, last_seen)
        SELECT h, $2, $2 FROM UNNEST($1::text[]) AS h
        ON CONFLICT (hash) DO UPDATE SET last_seen = EXCLUDED.last_seen
    `
	_, err := r.DB.ExecContext(ctx, query, pq.Array(hashes), time.Now())
	return err
}

var _ HashedRecipientRepositoryInterface = (*HashedRecipientRepository)(nil)
