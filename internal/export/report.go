package export

import (
	"context"

	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/hasher"
	"github.com/UCLH-Foundry/PIXL/internal/message"
	"github.com/UCLH-Foundry/PIXL/internal/queue"
)

// imageIdentifierLength is the hash length of the linker id joining a report
// row to its study.
const imageIdentifierLength = 64

// ReportRegistry records linker rows. Satisfied by *registry.Registry.
type ReportRegistry interface {
	UpsertReport(ctx context.Context, slug string, m message.Message, imageIdentifier string) error
}

// ReportHandler consumes the export queue: each message becomes a report row
// whose image_identifier is the secure hash of MRN + accession number, the
// same hash the anonymisation scheme writes into the study.
func ReportHandler(reg ReportRegistry, h hasher.Client, logger *zap.Logger) queue.Handler {
	return func(ctx context.Context, m message.Message) error {
		id, err := h.Hash(ctx, m.ProjectSlug(), m.MRN+m.AccessionNumber, imageIdentifierLength)
		if err != nil {
			return err
		}
		if err := reg.UpsertReport(ctx, m.ProjectSlug(), m, id); err != nil {
			return err
		}
		logger.Info("recorded report linker row",
			zap.String("project", m.ProjectSlug()),
			zap.Int64("procedure_occurrence_id", m.ProcedureOccurrenceID))
		return nil
	}
}
