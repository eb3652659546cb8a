package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/summary/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// =========== Summary Store ===========

type storePG struct{ pool *pgxpool.Pool }

func NewStorePG(pool *pgxpool.Pool) Store { return &storePG{pool: pool} }

func (r *storePG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *storePG) Read(ctx context.Context, patientID uuid.UUID) (*PatientSummary, error) {
	var version int
	var body []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT version, summary FROM patient_summary WHERE patient_id = $1`, patientID,
	).Scan(&version, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}

	var s PatientSummary
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decode summary for patient %s: %w", patientID, err)
	}
	// The column is authoritative for concurrency control.
	s.Version = version
	return &s, nil
}

// Write inserts the first version or updates the row only while it still
// carries expectedVersion. The history snapshot commits in the same transaction.
func (r *storePG) Write(ctx context.Context, s *PatientSummary, expectedVersion int) error {
	if s.Version != expectedVersion+1 {
		return fmt.Errorf("write summary: version %d does not follow %d", s.Version, expectedVersion)
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var tag pgconn.CommandTag
		if expectedVersion == 0 {
			tag, err = r.conn(ctx).Exec(ctx, `
				INSERT INTO patient_summary (patient_id, version, summary, generated_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (patient_id) DO NOTHING`,
				s.PatientID, s.Version, body, s.GeneratedAt)
		} else {
			tag, err = r.conn(ctx).Exec(ctx, `
				UPDATE patient_summary SET version = $2, summary = $3, generated_at = $4, updated_at = NOW()
				WHERE patient_id = $1 AND version = $5`,
				s.PatientID, s.Version, body, s.GeneratedAt, expectedVersion)
		}
		if err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrVersionConflict
		}

		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO patient_summary_history (patient_id, version, summary)
			VALUES ($1, $2, $3)`,
			s.PatientID, s.Version, body); err != nil {
			return fmt.Errorf("write summary history: %w", err)
		}
		return nil
	})
}

const historyCols = `patient_id, version, summary, created_at`

func scanHistory(row pgx.Row) (*HistoryEntry, error) {
	var h HistoryEntry
	var body []byte
	if err := row.Scan(&h.PatientID, &h.Version, &body, &h.CreatedAt); err != nil {
		return nil, err
	}
	h.Summary = json.RawMessage(body)
	return &h, nil
}

func (r *storePG) GetVersion(ctx context.Context, patientID uuid.UUID, version int) (*HistoryEntry, error) {
	h, err := scanHistory(r.conn(ctx).QueryRow(ctx,
		`SELECT `+historyCols+` FROM patient_summary_history WHERE patient_id = $1 AND version = $2`,
		patientID, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read summary version: %w", err)
	}
	return h, nil
}

func (r *storePG) ListVersions(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*HistoryEntry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_summary_history WHERE patient_id = $1`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count summary versions: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+historyCols+` FROM patient_summary_history WHERE patient_id = $1
		 ORDER BY version DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list summary versions: %w", err)
	}
	defer rows.Close()

	var items []*HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, h)
	}
	return items, total, rows.Err()
}

// =========== Correction Ledger ===========

type ledgerPG struct{ pool *pgxpool.Pool }

func NewLedgerPG(pool *pgxpool.Pool) CorrectionLedger { return &ledgerPG{pool: pool} }

func (r *ledgerPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const correctionCols = `id, patient_id, field, user_id, action, value_before, value_after, source_docs, created_at`

func scanCorrection(row pgx.Row) (Correction, error) {
	var c Correction
	err := row.Scan(&c.ID, &c.PatientID, &c.Field, &c.UserID, &c.Action,
		&c.ValueBefore, &c.ValueAfter, &c.SourceDocs, &c.Timestamp)
	return c, err
}

func (r *ledgerPG) Append(ctx context.Context, c *Correction) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	docs := c.SourceDocs
	if docs == nil {
		docs = []uuid.UUID{}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO summary_correction (`+correctionCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.PatientID, c.Field, c.UserID, c.Action, c.ValueBefore, c.ValueAfter, docs, c.Timestamp)
	if err != nil {
		return fmt.Errorf("append correction: %w", err)
	}
	return nil
}

func (r *ledgerPG) ListFor(ctx context.Context, patientID uuid.UUID) ([]Correction, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+correctionCols+` FROM summary_correction WHERE patient_id = $1 ORDER BY created_at, id`,
		patientID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var items []Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, err
		}
		c.Timestamp = c.Timestamp.UTC()
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== Document Source ===========

type documentsPG struct{ pool *pgxpool.Pool }

func NewDocumentSourcePG(pool *pgxpool.Pool) DocumentSource { return &documentsPG{pool: pool} }

func (r *documentsPG) GetDocument(ctx context.Context, patientID, documentID uuid.UUID) (*ProcessedDocument, error) {
	var d ProcessedDocument
	var entities []byte
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		SELECT id, patient_id, document_type, uploaded_at, content, entities
		FROM medical_document WHERE id = $1 AND patient_id = $2`, documentID, patientID,
	).Scan(&d.Ref.ID, &d.PatientID, &d.Ref.Type, &d.Ref.UploadedAt, &d.Content, &entities)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	d.Ref.UploadedAt = d.Ref.UploadedAt.UTC()
	if len(entities) > 0 {
		d.Entities = json.RawMessage(entities)
	}
	return &d, nil
}
