package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/cohort"
	"github.com/UCLH-Foundry/PIXL/internal/config"
	"github.com/UCLH-Foundry/PIXL/internal/export"
)

func newExportPatientDataCommand(cfg *config.Config, api *apiClient, logger *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "export-patient-data <cohort-dir>",
		Short: "Copy the OMOP extract into the export tree and build the radiology linker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			summary, err := cohort.ReadSummary(dir)
			if err != nil {
				return err
			}

			pe := export.NewParquetExport(cfg.ExportRoot, summary.ProjectName, summary.ExtractDatetime, logger)
			if err := pe.CopyToExports(dir); err != nil {
				return err
			}
			logger.Info("omop public tables copied",
				zap.String("project", summary.ProjectName),
			)

			// The radiology linker joins registry rows, so the export worker
			// builds it.
			if err := api.ExportPatientData(cmd.Context(), summary.ProjectName, summary.ExtractDatetime); err != nil {
				return err
			}
			logger.Info("radiology linker exported",
				zap.String("project", summary.ProjectName),
			)
			return nil
		},
	}
}
