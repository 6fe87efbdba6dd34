package persist

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/19paoletto10-hub/twilio-sub000/internal/retrieval"
)

// The document-metadata file is a SQLite database written fresh into the
// temporary directory on every save, then swapped in with the rest of the
// index. It is never mutated in place.

const documentsSchema = `
CREATE TABLE documents (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	category TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL UNIQUE,
	ingested_at TEXT NOT NULL
)`

func writeDocuments(path string, documents []retrieval.Document) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("creating documents database: %w", err)
	}
	defer db.Close()

	// Single connection; this database lives only for the duration of a save.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(documentsSchema); err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO documents (id, text, category, source_url, content_hash, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, doc := range documents {
		if _, err := stmt.Exec(doc.ID, doc.Text, doc.Category, doc.SourceURL,
			doc.ContentHash, doc.IngestedAt.UTC().Format(time.RFC3339Nano)); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting document %s: %w", doc.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing documents: %w", err)
	}
	return nil
}

func readDocuments(path string) ([]retrieval.Document, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening documents database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)

	rows, err := db.Query(`
		SELECT id, text, category, source_url, content_hash, ingested_at
		FROM documents ORDER BY ingested_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var documents []retrieval.Document
	for rows.Next() {
		var doc retrieval.Document
		var ingestedAt string
		if err := rows.Scan(&doc.ID, &doc.Text, &doc.Category, &doc.SourceURL,
			&doc.ContentHash, &ingestedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing ingested_at for %s: %w", doc.ID, err)
		}
		doc.IngestedAt = t
		documents = append(documents, doc)
	}
	return documents, rows.Err()
}
