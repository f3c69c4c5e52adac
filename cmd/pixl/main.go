// pixl drives the extraction pipeline: it turns a cohort directory into
// queue messages, adjusts worker consumption rates, checkpoints queues to
// disk, and triggers the patient-data export.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/UCLH-Foundry/PIXL/internal/config"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "pixl [command]",
		Long:          "PIXL imaging extraction pipeline driver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	api := newAPIClient(cfg.ImagingAPIURL, cfg.ExportAPIURL)

	root.AddCommand(newPopulateCommand(cfg, api, logger))
	root.AddCommand(newStartCommand(cfg, api, logger))
	root.AddCommand(newUpdateCommand(cfg, api, logger))
	root.AddCommand(newStopCommand(cfg, api, logger))
	root.AddCommand(newStatusCommand(cfg, api, logger))
	root.AddCommand(newExportPatientDataCommand(cfg, api, logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
