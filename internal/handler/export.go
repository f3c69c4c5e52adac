package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/errs"
	"github.com/UCLH-Foundry/PIXL/internal/export"
	"github.com/UCLH-Foundry/PIXL/internal/registry"
)

// maxInstanceBytes bounds a single DICOM instance accepted for
// anonymisation.
const maxInstanceBytes = 512 << 20

// Anonymiser is the engine surface consumed by the anonymise endpoint.
type Anonymiser interface {
	AnonymiseInstance(ctx context.Context, raw []byte) ([]byte, error)
}

// StudyExporter drives one study export. Satisfied by *export.Exporter.
type StudyExporter interface {
	ExportStudy(ctx context.Context, studyID string) error
}

// ReportSource provides the linker rows for the patient-data export.
// Satisfied by *registry.Registry.
type ReportSource interface {
	RadiologyRows(ctx context.Context, slug string) ([]registry.RadiologyRow, error)
}

// ExportHandler serves the anonymising store's hooks and the CLI's
// patient-data export trigger.
type ExportHandler struct {
	engine     Anonymiser
	exporter   StudyExporter
	reports    ReportSource
	exportRoot string
	logger     *zap.Logger
}

func NewExportHandler(engine Anonymiser, exporter StudyExporter, reports ReportSource, exportRoot string, logger *zap.Logger) *ExportHandler {
	return &ExportHandler{
		engine:     engine,
		exporter:   exporter,
		reports:    reports,
		exportRoot: exportRoot,
		logger:     logger,
	}
}

// RegisterExportRoutes mounts the export-api surface.
func RegisterExportRoutes(e *echo.Echo, h *ExportHandler) {
	e.POST("/anonymise-instance", h.AnonymiseInstance)
	e.POST("/export-dicom-from-orthanc", h.ExportDICOM)
	e.POST("/export-patient-data", h.ExportPatientData)
}

// POST /anonymise-instance
//
// The body is one DICOM instance; the response is its anonymised form. A 400
// tells the store to drop the instance.
func (h *ExportHandler) AnonymiseInstance(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxInstanceBytes))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	anonymised, err := h.engine.AnonymiseInstance(c.Request().Context(), raw)
	if err != nil {
		if errs.IsDiscard(err) {
			h.logger.Info("instance discarded", zap.Error(err))
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("anonymise instance failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.Blob(http.StatusOK, "application/dicom", anonymised)
}

// POST /export-dicom-from-orthanc  { "study_id": "..." }
func (h *ExportHandler) ExportDICOM(c echo.Context) error {
	var req struct {
		StudyID string `json:"study_id"`
	}
	if err := c.Bind(&req); err != nil || req.StudyID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "study_id is required"})
	}

	if err := h.exporter.ExportStudy(c.Request().Context(), req.StudyID); err != nil {
		if errs.IsDiscard(err) {
			h.logger.Warn("study not exportable", zap.String("study_id", req.StudyID), zap.Error(err))
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		h.logger.Error("export study failed", zap.String("study_id", req.StudyID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"study_id": req.StudyID})
}

// POST /export-patient-data  { "project_name": "...", "extract_datetime": "..." }
func (h *ExportHandler) ExportPatientData(c echo.Context) error {
	var req struct {
		ProjectName     string    `json:"project_name"`
		ExtractDatetime time.Time `json:"extract_datetime"`
	}
	if err := c.Bind(&req); err != nil || req.ProjectName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "project_name is required"})
	}

	p := export.NewParquetExport(h.exportRoot, req.ProjectName, req.ExtractDatetime, h.logger)
	rows, err := h.reports.RadiologyRows(c.Request().Context(), p.ProjectSlug)
	if err != nil {
		h.logger.Error("radiology rows lookup failed", zap.String("project", p.ProjectSlug), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	outDir, err := p.ExportRadiology(rows)
	if err != nil {
		h.logger.Error("radiology export failed", zap.String("project", p.ProjectSlug), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"project_slug": p.ProjectSlug, "output_dir": outDir, "rows": len(rows)})
}
