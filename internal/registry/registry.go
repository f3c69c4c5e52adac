// Package registry is the durable record of extracts and per-study export
// state. It is the source of truth for "have we already exported this?" and
// for the mapping between original study identifiers and the pseudo study
// UID. Every mutating operation runs in a single transaction.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/message"
)

// Extract is one research project known to the registry. Created on first
// sighting of a project, never deleted.
type Extract struct {
	ID   int64
	Slug string
}

// Image is the per-study export record.
type Image struct {
	ID              int64
	ExtractID       int64
	MRN             string
	AccessionNumber string
	StudyDate       time.Time
	StudyUID        *string
	PseudoStudyUID  *string
	ExportedAt      *time.Time
}

// StudyInfo identifies a study during anonymisation; the UID is preferred,
// MRN + accession number is the fallback.
type StudyInfo struct {
	MRN             string
	AccessionNumber string
	StudyUID        string
}

// Registry wraps the Postgres pool. All methods are safe for concurrent use;
// correctness across worker processes relies on the unique constraints and
// single-transaction updates.
type Registry struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Registry {
	return &Registry{pool: pool, logger: logger}
}

// EnsureProject gets or creates the Extract row for a slug, reporting whether
// the row was newly inserted.
func (r *Registry) EnsureProject(ctx context.Context, slug string) (Extract, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Extract{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	extract, created, err := ensureProjectTx(ctx, tx, slug)
	if err != nil {
		return Extract{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Extract{}, false, fmt.Errorf("commit: %w", err)
	}
	return extract, created, nil
}

func ensureProjectTx(ctx context.Context, tx pgx.Tx, slug string) (Extract, bool, error) {
	var extract Extract
	err := tx.QueryRow(ctx,
		`SELECT extract_id, slug FROM extract WHERE slug = $1`, slug,
	).Scan(&extract.ID, &extract.Slug)
	if err == nil {
		return extract, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Extract{}, false, fmt.Errorf("select extract %q: %w", slug, err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO extract (slug) VALUES ($1) RETURNING extract_id, slug`, slug,
	).Scan(&extract.ID, &extract.Slug)
	if err != nil {
		return Extract{}, false, fmt.Errorf("insert extract %q: %w", slug, err)
	}
	return extract, true, nil
}

// FilterUnexported returns the subset of messages not yet exported for the
// project, inserting Image rows for messages with no match. When the project
// itself is new, every message passes and all rows are inserted; the filter
// and the inserts share one transaction to avoid a race between CLI runs.
func (r *Registry) FilterUnexported(ctx context.Context, slug string, msgs []message.Message) ([]message.Message, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	extract, created, err := ensureProjectTx(ctx, tx, slug)
	if err != nil {
		return nil, err
	}

	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if created {
			// Newly-seen project: nothing can have been exported, insert all.
			if err := insertImageTx(ctx, tx, extract.ID, m); err != nil {
				return nil, err
			}
			out = append(out, m)
			continue
		}

		var exportedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT exported_at FROM image
			 WHERE extract_id = $1 AND mrn = $2 AND accession_number = $3 AND study_date = $4`,
			extract.ID, m.MRN, m.AccessionNumber, m.StudyDate.Time,
		).Scan(&exportedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			if err := insertImageTx(ctx, tx, extract.ID, m); err != nil {
				return nil, err
			}
			out = append(out, m)
		case err != nil:
			return nil, fmt.Errorf("select image %s: %w", m.Identifier(), err)
		case exportedAt == nil:
			out = append(out, m)
		default:
			r.logger.Debug("skipping already exported study",
				zap.String("identifier", m.Identifier()),
				zap.String("project", slug),
			)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func insertImageTx(ctx context.Context, tx pgx.Tx, extractID int64, m message.Message) error {
	var studyUID *string
	if m.StudyUID != "" {
		studyUID = &m.StudyUID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO image (extract_id, mrn, accession_number, study_date, study_uid)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (extract_id, mrn, accession_number, study_date) DO NOTHING`,
		extractID, m.MRN, m.AccessionNumber, m.StudyDate.Time, studyUID,
	)
	if err != nil {
		return fmt.Errorf("insert image %s: %w", m.Identifier(), err)
	}
	return nil
}

// AlreadyExported reports whether the image with this pseudo study UID has a
// non-null exported_at.
func (r *Registry) AlreadyExported(ctx context.Context, pseudoStudyUID string) (bool, error) {
	var exportedAt *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT exported_at FROM image WHERE pseudo_study_uid = $1`, pseudoStudyUID,
	).Scan(&exportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, errs.Discardf("no image with pseudo study uid %s", pseudoStudyUID)
	}
	if err != nil {
		return false, fmt.Errorf("select image by pseudo uid: %w", err)
	}
	return exportedAt != nil, nil
}

// ProjectSlugForPseudoUID resolves the owning project of an anonymised study.
func (r *Registry) ProjectSlugForPseudoUID(ctx context.Context, pseudoStudyUID string) (string, error) {
	var slug string
	err := r.pool.QueryRow(ctx,
		`SELECT e.slug FROM image i JOIN extract e ON e.extract_id = i.extract_id
		 WHERE i.pseudo_study_uid = $1`, pseudoStudyUID,
	).Scan(&slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.Discardf("no image with pseudo study uid %s", pseudoStudyUID)
	}
	if err != nil {
		return "", fmt.Errorf("select slug by pseudo uid: %w", err)
	}
	return slug, nil
}

// RecordExport sets exported_at exactly once. A second call for the same
// image fails with ErrAlreadyExported.
func (r *Registry) RecordExport(ctx context.Context, pseudoStudyUID string, when time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE image SET exported_at = $2
		 WHERE pseudo_study_uid = $1 AND exported_at IS NULL`,
		pseudoStudyUID, when,
	)
	if err != nil {
		return fmt.Errorf("update exported_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM image WHERE pseudo_study_uid = $1)`, pseudoStudyUID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check image exists: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", errs.ErrAlreadyExported, pseudoStudyUID)
		}
		return errs.Discardf("no image with pseudo study uid %s", pseudoStudyUID)
	}
	return tx.Commit(ctx)
}

// AssignOrFetchPseudoUID locates the unexported Image row for the study, by
// study UID first with MRN + accession number as the fallback, and returns
// its pseudo study UID, minting and persisting a fresh globally unique one
// when absent. A missing Image row yields a discard error so the caller
// drops the study. The study UID is not back-filled on a fallback hit.
func (r *Registry) AssignOrFetchPseudoUID(ctx context.Context, slug string, info StudyInfo) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	imageID, existing, err := findUnexportedImageTx(ctx, tx, slug, info)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if err := tx.Commit(ctx); err != nil {
			return "", fmt.Errorf("commit: %w", err)
		}
		return *existing, nil
	}

	pseudoUID, err := mintUniqueUIDTx(ctx, tx)
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE image SET pseudo_study_uid = $2 WHERE image_id = $1`, imageID, pseudoUID,
	); err != nil {
		return "", fmt.Errorf("persist pseudo study uid: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	r.logger.Info("minted pseudo study uid",
		zap.String("project", slug),
		zap.String("pseudo_study_uid", pseudoUID),
	)
	return pseudoUID, nil
}

func findUnexportedImageTx(ctx context.Context, tx pgx.Tx, slug string, info StudyInfo) (int64, *string, error) {
	var (
		imageID   int64
		pseudoUID *string
	)
	err := tx.QueryRow(ctx,
		`SELECT i.image_id, i.pseudo_study_uid
		 FROM image i JOIN extract e ON e.extract_id = i.extract_id
		 WHERE e.slug = $1 AND i.study_uid = $2 AND i.exported_at IS NULL
		 FOR UPDATE OF i`,
		slug, info.StudyUID,
	).Scan(&imageID, &pseudoUID)
	if err == nil {
		return imageID, pseudoUID, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, fmt.Errorf("select image by study uid: %w", err)
	}

	err = tx.QueryRow(ctx,
		`SELECT i.image_id, i.pseudo_study_uid
		 FROM image i JOIN extract e ON e.extract_id = i.extract_id
		 WHERE e.slug = $1 AND i.mrn = $2 AND i.accession_number = $3 AND i.exported_at IS NULL
		 FOR UPDATE OF i`,
		slug, info.MRN, info.AccessionNumber,
	).Scan(&imageID, &pseudoUID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, errs.Discardf("no unexported image for project %s, study %s/%s",
			slug, info.MRN, info.AccessionNumber)
	}
	if err != nil {
		return 0, nil, fmt.Errorf("select image by mrn and accession: %w", err)
	}
	return imageID, pseudoUID, nil
}

// mintUniqueUIDTx retries on the unlikely event of a UID collision.
func mintUniqueUIDTx(ctx context.Context, tx pgx.Tx) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		candidate := NewPseudoStudyUID()
		var taken bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM image WHERE pseudo_study_uid = $1)`, candidate,
		).Scan(&taken); err != nil {
			return "", fmt.Errorf("check pseudo uid uniqueness: %w", err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not mint a unique pseudo study uid")
}
