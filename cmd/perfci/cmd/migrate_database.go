package cmd

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/perfci/perfci/internal/common/app"
	"github.com/perfci/perfci/internal/perfci"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "migrates the build database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning build database migration")

	ctx := app.CreateContextWithShutdown()
	a, err := perfci.NewApp(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		return errors.WithMessage(err, "Failed to migrate build database")
	}
	log.Infof("Build database migrated in %s", time.Since(start))
	return nil
}
