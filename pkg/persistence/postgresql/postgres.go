// Package postgresql provides a PostgreSQL document store backed by a JSONB table.
package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/taskflow/pkg/persistence"
	"github.com/dukex/taskflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements persistence.DocumentStore for PostgreSQL.
type Persistence struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:     database,
		logger: logger,
	}

	// Run migrations on initialization
	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Get(ctx context.Context, collection, id string) (persistence.Document, error) {
	var raw []byte

	err := p.db.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = $1 AND id = $2", collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDocumentError("Get", collection, id, persistence.ErrNotFound)
		}

		return nil, persistence.NewDocumentError("Get", collection, id, err)
	}

	return decode(raw, "Get", collection, id)
}

// Find narrows rows in SQL with JSONB containment on the equality clauses and
// evaluates the full query in Go.
func (p *Persistence) Find(ctx context.Context, collection string, query persistence.Query) ([]persistence.Document, error) {
	containment, err := json.Marshal(containmentOf(query.Filter))
	if err != nil {
		return nil, persistence.NewDocumentError("Find", collection, "", err)
	}

	rows, err := p.db.QueryContext(ctx,
		"SELECT data FROM documents WHERE collection = $1 AND data @> $2::jsonb ORDER BY created_at, id",
		collection, string(containment))
	if err != nil {
		return nil, persistence.NewDocumentError("Find", collection, "", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			p.logger.Error("failed to close rows", "error", closeErr)
		}
	}()

	var docs []persistence.Document

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, persistence.NewDocumentError("Find", collection, "", err)
		}

		doc, err := decode(raw, "Find", collection, "")
		if err != nil {
			return nil, err
		}

		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewDocumentError("Find", collection, "", err)
	}

	return persistence.ApplyQuery(docs, query), nil
}

func (p *Persistence) Insert(ctx context.Context, collection string, doc persistence.Document) error {
	id, err := persistence.DocumentID(doc)
	if err != nil {
		return persistence.NewDocumentError("Insert", collection, "", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return persistence.NewDocumentError("Insert", collection, id, err)
	}

	result, err := p.db.ExecContext(ctx,
		"INSERT INTO documents (collection, id, data) VALUES ($1, $2, $3::jsonb) ON CONFLICT (collection, id) DO NOTHING",
		collection, id, string(raw))
	if err != nil {
		return persistence.NewDocumentError("Insert", collection, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewDocumentError("Insert", collection, id, err)
	}

	if affected == 0 {
		return persistence.NewDocumentError("Insert", collection, id, persistence.ErrAlreadyExists)
	}

	return nil
}

// Update locks the row, applies the patch in Go and writes it back in one transaction.
func (p *Persistence) Update(
	ctx context.Context,
	collection, id string,
	cond persistence.Filter,
	patch persistence.Patch,
) (persistence.Document, error) {
	transaction, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	doc, err := p.updateInTx(ctx, transaction, collection, id, cond, patch)
	if err != nil {
		_ = transaction.Rollback()

		return nil, err
	}

	if err := transaction.Commit(); err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	return doc, nil
}

func (p *Persistence) updateInTx(
	ctx context.Context,
	transaction *sql.Tx,
	collection, id string,
	cond persistence.Filter,
	patch persistence.Patch,
) (persistence.Document, error) {
	var raw []byte

	err := transaction.QueryRowContext(ctx,
		"SELECT data FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE", collection, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDocumentError("Update", collection, id, persistence.ErrNotFound)
		}

		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	doc, err := decode(raw, "Update", collection, id)
	if err != nil {
		return nil, err
	}

	if !persistence.Match(doc, cond) {
		return nil, persistence.NewDocumentError("Update", collection, id, persistence.ErrConditionFailed)
	}

	if err := persistence.ApplyPatch(doc, patch); err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	updated, err := json.Marshal(doc)
	if err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	_, err = transaction.ExecContext(ctx,
		"UPDATE documents SET data = $3::jsonb, updated_at = NOW() WHERE collection = $1 AND id = $2",
		collection, id, string(updated))
	if err != nil {
		return nil, persistence.NewDocumentError("Update", collection, id, err)
	}

	return doc, nil
}

func decode(raw []byte, op, collection, id string) (persistence.Document, error) {
	var doc persistence.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, persistence.NewDocumentError(op, collection, id, fmt.Errorf("failed to unmarshal document: %w", err))
	}

	return doc, nil
}

// containmentOf builds the nested JSON object of the plain equality clauses.
func containmentOf(filter persistence.Filter) map[string]any {
	out := map[string]any{}

	for path, value := range filter {
		switch value.(type) {
		case nil, persistence.In:
			continue
		}

		segments := strings.Split(path, ".")
		node := out

		for _, segment := range segments[:len(segments)-1] {
			child, ok := node[segment].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[segment] = child
			}

			node = child
		}

		node[segments[len(segments)-1]] = persistence.Normalize(value)
	}

	return out
}
