package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/perfci/perfci/internal/common"
	commonconfig "github.com/perfci/perfci/internal/common/config"
	"github.com/perfci/perfci/internal/perfci/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/perfci"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "perfci",
		SilenceUsage: true,
		Short:        "perfci builds services from source and load tests their endpoints",
		Long: `perfci builds services from source and load tests their endpoints.

A build is fetched into a workspace, its Dockerfile is built and the resulting image is started
with the container's port 4567 published on the configured host. The endpoints listed in the
build's .perfci.yaml are then attacked by load workers and the mean latency of every endpoint
is recorded against the build.

Configuration is read from ./config/perfci/config.yaml. Override files can be layered on top
with --config and any key can be set from the environment, e.g. PERFCI_DOCKER_URL.`,
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	_ = viper.BindPFlag(CustomConfigLocation, cmd.PersistentFlags().Lookup(CustomConfigLocation))

	cmd.AddCommand(
		runCmd(),
		submitCmd(),
		workerCmd(),
		loadWorkerCmd(),
		migrateDbCmd(),
		versionCmd(),
	)

	return cmd
}

func loadConfig() (configuration.PerfCIConfiguration, error) {
	var config configuration.PerfCIConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)

	err := configuration.ValidatePerfCIConfiguration(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
