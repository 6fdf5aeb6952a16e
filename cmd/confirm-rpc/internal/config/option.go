package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/pflag"
	"github.com/stellar/go/support/strutils"
)

// Options is a group of Options that can be for convenience
// initialized and set at the same time.
type Options []*Option

// Validate all the config options.
func (options Options) Validate() error {
	var missing []error
	for _, option := range options {
		if option.Validate == nil {
			continue
		}
		err := option.Validate(option)
		if err == nil {
			continue
		}
		var missingErr missingRequiredOptionError
		if errors.As(err, &missingErr) {
			missing = append(missing, err)
			continue
		}
		return fmt.Errorf("invalid config value for %s: %w", option.Name, err)
	}
	if len(missing) > 0 {
		return errors.Join(missing...)
	}
	return nil
}

// Option is a complete description of the configuration of a command line option
type Option struct {
	// e.g. "database-path"
	Name string
	// e.g. "DATABASE_PATH". Defaults to the constant case of Name; "-" disables it.
	EnvVar string
	// e.g. "DATABASE_PATH". Defaults to EnvVar; "-" or "_" disables it.
	TomlKey string
	// Help text
	Usage string
	// A default if no option is provided. Omit or set to `nil` if no default
	DefaultValue interface{}
	// Pointer to the final key in the linked Config struct
	ConfigKey interface{}
	// Optional function for custom validation/transformation
	CustomSetValue func(*Option, interface{}) error
	// Function called after loading all options, to validate the configuration
	Validate func(*Option) error
	// Converts the value for the TOML encoder, required for custom types
	MarshalTOML func(*Option) (interface{}, error)

	flag *pflag.Flag // The persistent flag that the config option is attached to
}

// Returns false if this option is omitted in the toml
func (o Option) getTomlKey() (string, bool) {
	if o.TomlKey == "-" || o.TomlKey == "_" {
		return "", false
	}
	if o.TomlKey != "" {
		return o.TomlKey, true
	}
	if envVar, ok := o.getEnvKey(); ok {
		return envVar, true
	}
	return strutils.KebabToConstantCase(o.Name), true
}

// Returns false if this option is omitted in the env
func (o Option) getEnvKey() (string, bool) {
	if o.EnvVar == "-" || o.EnvVar == "_" {
		return "", false
	}
	if o.EnvVar != "" {
		return o.EnvVar, true
	}
	if o.Name == "" {
		return "", false
	}
	return strutils.KebabToConstantCase(o.Name), true
}

func (o *Option) setValue(i interface{}) (err error) {
	if o.CustomSetValue != nil {
		return o.CustomSetValue(o, i)
	}
	// reflect panics on kind mismatches, surface them as errors
	defer func() {
		if recovered := recover(); recovered != nil {
			var ok bool
			if err, ok = recovered.(error); ok {
				err = fmt.Errorf("config option setting error (%s): %w", o.Name, err)
				return
			}
			err = fmt.Errorf("config option setting error (%s): %v", o.Name, recovered)
		}
	}()
	return parserFor(o)(o, i)
}

func (o *Option) marshalTOML() (interface{}, error) {
	if o.MarshalTOML != nil {
		return o.MarshalTOML(o)
	}
	// go-toml only encodes the widest integer types
	switch v := reflect.ValueOf(o.ConfigKey).Elem().Interface().(type) {
	case int:
		return int64(v), nil
	case uint:
		return uint64(v), nil
	case uint32:
		return uint64(v), nil
	case time.Duration:
		return v.String(), nil
	case []string:
		values := make([]interface{}, len(v))
		for i, s := range v {
			values[i] = s
		}
		return values, nil
	default:
		return v, nil
	}
}

type missingRequiredOptionError struct {
	strErr string
}

func (e missingRequiredOptionError) Error() string {
	return e.strErr
}

func required(option *Option) error {
	switch reflect.ValueOf(option.ConfigKey).Elem().Kind() {
	case reflect.Slice:
		if reflect.ValueOf(option.ConfigKey).Elem().Len() > 0 {
			return nil
		}
	default:
		if !reflect.ValueOf(option.ConfigKey).Elem().IsZero() {
			return nil
		}
	}

	waysToSet := []string{}
	if option.Name != "" && option.Name != "-" {
		waysToSet = append(waysToSet, fmt.Sprintf("specify --%s on the command line", option.Name))
	}
	if envVar, ok := option.getEnvKey(); ok {
		waysToSet = append(waysToSet, fmt.Sprintf("set the %s environment variable", envVar))
	}
	if tomlKey, ok := option.getTomlKey(); ok {
		waysToSet = append(waysToSet, fmt.Sprintf("set %s in the config file", tomlKey))
	}

	advice := ""
	if len(waysToSet) > 0 {
		advice = fmt.Sprintf(" Please %s.", waysToSet[0])
		for _, way := range waysToSet[1:] {
			advice += " Or " + way + "."
		}
	}

	return missingRequiredOptionError{strErr: fmt.Sprintf("%s is required.%s", option.Name, advice)}
}

func positive(option *Option) error {
	switch v := option.ConfigKey.(type) {
	case *int, *int8, *int16, *int32, *int64:
		if reflect.ValueOf(v).Elem().Int() <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	case *uint, *uint8, *uint16, *uint32, *uint64:
		if reflect.ValueOf(v).Elem().Uint() <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	case *float64:
		if *v <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	case *time.Duration:
		if *v <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	default:
		return fmt.Errorf("%s is not a positive-able type", option.Name)
	}
	return nil
}
