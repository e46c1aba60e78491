package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/perfci/perfci/internal/common/app"
	"github.com/perfci/perfci/internal/perfci"
)

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Runs queued pipeline jobs until interrupted",
		RunE:  runWorker,
	}
	return cmd
}

func loadWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loadworker",
		Short: "Runs queued load jobs until interrupted",
		RunE:  runLoadWorker,
	}
	return cmd
}

func runWorker(_ *cobra.Command, _ []string) error {
	return serve((*perfci.App).StartUpPipelineWorker)
}

func runLoadWorker(_ *cobra.Command, _ []string) error {
	return serve((*perfci.App).StartUpLoadWorker)
}

// serve starts a long running worker and blocks until SIGINT or SIGTERM.
func serve(startUp func(a *perfci.App, ctx context.Context) (func(), error)) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := app.CreateContextWithShutdown()
	a, err := perfci.NewApp(ctx, config)
	if err != nil {
		return err
	}

	shutdown, err := startUp(a, ctx)
	if err != nil {
		a.Close()
		return err
	}
	<-ctx.Done()
	shutdown()
	return nil
}
