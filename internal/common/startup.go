package common

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	commonconfig "github.com/perfci/perfci/internal/common/config"
)

const baseConfigFileName = "config"

// EnvPrefix is prepended to every configuration key when it is looked up in the environment,
// e.g. workspace.root can be set with PERFCI_WORKSPACE_ROOT.
const EnvPrefix = "PERFCI"

// LegacyEnvBindings maps configuration keys to the environment variable names the original
// docker worker read. They are honoured in addition to the PERFCI_ prefixed names.
var LegacyEnvBindings = map[string]string{
	"docker.url":               "DOCKER_URL",
	"workspace.root":           "WORKSPACE",
	"host":                     "HOST",
	"exportPort":               "EXPORT_PORT",
	"workspace.localWorkspace": "LOCAL_WORKSPACE",
}

// RFC3339Millis
const logTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// LoadConfig reads <defaultPath>/config.yaml, merges any override files on top of it and then
// applies environment variables. The result is unmarshalled into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		log.Errorf("Error reading base config path=%s name=%s: %v", defaultPath, baseConfigFileName, err)
		os.Exit(-1)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		err := v.MergeInConfig()
		if err != nil {
			log.Errorf("Error reading config from %s: %v", overrideConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	ApplyEnvironment(v)

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	return v
}

// ApplyEnvironment makes v resolve keys from PERFCI_ prefixed environment variables and from
// the legacy variable names in LegacyEnvBindings.
func ApplyEnvironment(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	for key, env := range LegacyEnvBindings {
		// Legacy names are only consulted when set; an unset variable must not mask the file value.
		value, ok := os.LookupEnv(env)
		if !ok {
			continue
		}
		v.Set(key, value)
	}
}

func ConfigureCommandLineLogging() {
	commandLineFormatter := new(commandLineFormatter)
	log.SetFormatter(commandLineFormatter)
	log.SetOutput(os.Stdout)
}

func ConfigureLogging() {
	log.SetLevel(readEnvironmentLogLevel())
	log.SetFormatter(readEnvironmentLogFormat())
	log.SetReportCaller(true)
	log.SetOutput(os.Stdout)
}

func readEnvironmentLogLevel() log.Level {
	level, ok := os.LookupEnv("LOG_LEVEL")
	if ok {
		logLevel, err := log.ParseLevel(level)
		if err == nil {
			return logLevel
		}
	}
	return log.InfoLevel
}

func readEnvironmentLogFormat() log.Formatter {
	format, ok := os.LookupEnv("LOG_FORMAT")
	if !ok {
		format = "colourful"
	}

	textFormatter := &log.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: logTimestampFormat,
	}

	switch strings.ToLower(format) {
	case "json":
		return &log.JSONFormatter{TimestampFormat: logTimestampFormat}
	case "colourful":
		return textFormatter
	case "text":
		textFormatter.ForceColors = false
		textFormatter.DisableColors = true
		return textFormatter
	default:
		_, _ = fmt.Fprintf(os.Stderr, "Unknown log format %s, defaulting to colourful format\n", format)
		return textFormatter
	}
}

type commandLineFormatter struct{}

// Format formats the log entry so that only the message is printed.
func (f *commandLineFormatter) Format(entry *log.Entry) ([]byte, error) {
	return []byte(entry.Message + "\n"), nil
}
