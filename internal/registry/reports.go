package registry

import (
	"context"
	"fmt"

	"github.com/UCLH-Foundry/PIXL/internal/message"
)

// RadiologyRow is one row of the per-project parquet linker table mapping a
// cohort procedure to the pseudonymised study.
type RadiologyRow struct {
	ProcedureOccurrenceID int64  `parquet:"procedure_occurrence_id"`
	ImageIdentifier       string `parquet:"image_identifier"`
	PseudoStudyUID        string `parquet:"pseudo_study_uid"`
}

// UpsertReport records the linker row produced by the export queue consumer.
// The image identifier is the secure hash of MRN + accession number, minted
// by the hashing service.
func (r *Registry) UpsertReport(ctx context.Context, slug string, m message.Message, imageIdentifier string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	extract, _, err := ensureProjectTx(ctx, tx, slug)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO report (extract_id, procedure_occurrence_id, mrn, accession_number, image_identifier)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (extract_id, procedure_occurrence_id)
		 DO UPDATE SET image_identifier = EXCLUDED.image_identifier`,
		extract.ID, m.ProcedureOccurrenceID, m.MRN, m.AccessionNumber, imageIdentifier,
	)
	if err != nil {
		return fmt.Errorf("upsert report %s: %w", m.Identifier(), err)
	}
	return tx.Commit(ctx)
}

// RadiologyRows builds the linker table for a project. Reports whose study
// has not been assigned a pseudo UID yet carry an empty pseudo_study_uid.
func (r *Registry) RadiologyRows(ctx context.Context, slug string) ([]RadiologyRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT rp.procedure_occurrence_id, rp.image_identifier,
		        COALESCE(i.pseudo_study_uid, '')
		 FROM report rp
		 JOIN extract e ON e.extract_id = rp.extract_id
		 LEFT JOIN image i ON i.extract_id = rp.extract_id
		       AND i.mrn = rp.mrn AND i.accession_number = rp.accession_number
		 WHERE e.slug = $1
		 ORDER BY rp.procedure_occurrence_id`,
		slug,
	)
	if err != nil {
		return nil, fmt.Errorf("select radiology rows for %s: %w", slug, err)
	}
	defer rows.Close()

	var out []RadiologyRow
	for rows.Next() {
		var row RadiologyRow
		if err := rows.Scan(&row.ProcedureOccurrenceID, &row.ImageIdentifier, &row.PseudoStudyUID); err != nil {
			return nil, fmt.Errorf("scan radiology row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
