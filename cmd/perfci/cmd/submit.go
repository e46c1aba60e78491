package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/perfci/perfci/internal/common/app"
	"github.com/perfci/perfci/internal/perfci"
)

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Records a build of a repository and queues it for a pipeline worker",
		RunE:  submit,
	}
	cmd.Flags().String("url", "", "Url the build's source is cloned from")
	cmd.Flags().String("repo", "", "Full name of the repository, e.g. owner/name. Derived from the url if not set")
	cmd.Flags().String("build-id", "", "Id of the build, generated if not set")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func submit(cmd *cobra.Command, _ []string) error {
	url, err := cmd.Flags().GetString("url")
	if err != nil {
		return errors.WithStack(err)
	}
	repo, err := cmd.Flags().GetString("repo")
	if err != nil {
		return errors.WithStack(err)
	}
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

	buildId, jobId, err := a.SubmitBuild(ctx, buildId, url, repo)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Submitted build %s as job %s\n", buildId, jobId)
	return nil
}
