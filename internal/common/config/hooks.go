package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		PortRangeDecodeHook(),
	)),
}

// PortRange is a half open range of host ports [Min, Max).
type PortRange struct {
	Min int
	Max int
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.Max <= r.Min {
		return 0
	}
	return r.Max - r.Min
}

// Contains reports whether port lies within the range.
func (r PortRange) Contains(port int) bool {
	return port >= r.Min && port < r.Max
}

// ParsePortRange parses ranges written as "8000-8999".
func ParsePortRange(s string) (PortRange, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) != 2 {
		return PortRange{}, errors.Errorf("port range %q is not of the form <min>-<max>", s)
	}
	min, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return PortRange{}, errors.Wrapf(err, "invalid lower bound in port range %q", s)
	}
	max, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return PortRange{}, errors.Wrapf(err, "invalid upper bound in port range %q", s)
	}
	r := PortRange{Min: min, Max: max}
	if r.Size() == 0 {
		return PortRange{}, errors.Errorf("port range %q is empty", s)
	}
	return r, nil
}

func PortRangeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(PortRange{}) {
			return data, nil
		}
		return ParsePortRange(data.(string))
	}
}
