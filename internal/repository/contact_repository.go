package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lyceum-overseas/visa-ops-api/internal/models"
)

// ContactRepository reads the CRM contact directory. The workflow engine only
// resolves contacts; it never writes them.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// Resolve returns the directory record for a contact id.
func (r *ContactRepository) Resolve(ctx context.Context, contactID string) (*models.Contact, error) {
	const query = `SELECT id, name, phone, email, country, created_at FROM contacts WHERE id = $1`
	var contact models.Contact
	if err := r.db.GetContext(ctx, &contact, query, contactID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("resolve contact: %w", err)
	}
	return &contact, nil
}
