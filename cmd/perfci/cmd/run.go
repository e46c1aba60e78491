package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/perfci/perfci/internal/common/app"
	"github.com/perfci/perfci/internal/perfci"
	"github.com/perfci/perfci/internal/perfci/progress"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the pipeline of an existing build in this process",
		Long: `Runs the pipeline of an existing build in this process, printing every checkpoint as it is reached.

Load jobs are still dispatched to the load queue, so at least one load worker must be running.`,
		RunE: runPipeline,
	}
	cmd.Flags().String("build-id", "", "Id of the build to run")
	_ = cmd.MarkFlagRequired("build-id")
	return cmd
}

func runPipeline(cmd *cobra.Command, _ []string) error {
	buildId, err := cmd.Flags().GetString("build-id")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown()
	a, err := perfci.NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	p, engine, err := a.NewPipeline()
	if err != nil {
		return err
	}
	defer engine.Close()

	reporter := progress.NewLogReporter(log.WithField("build", buildId))
	return p.Run(ctx, buildId, reporter)
}
