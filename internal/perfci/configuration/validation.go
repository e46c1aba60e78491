package configuration

import (
	"github.com/pkg/errors"

	"github.com/perfci/perfci/internal/common/config"
)

func ValidatePerfCIConfiguration(c PerfCIConfiguration) error {
	if err := config.Validate(c); err != nil {
		return err
	}
	if c.ExportPort == 0 && c.ExportPortRange.Size() == 0 {
		return errors.Errorf("exportPortRange %s is empty and no exportPort is configured", c.ExportPortRange)
	}
	if c.Pipeline.LoadTimeout < 0 || c.Pipeline.Timeout < 0 {
		return errors.New("pipeline timeouts must not be negative")
	}
	return nil
}
