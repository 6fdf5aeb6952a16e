package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// valueParser stores i into option.ConfigKey, converting from the shapes
// values arrive in: flags, environment strings and decoded TOML.
type valueParser func(option *Option, i interface{}) error

func parserFor(option *Option) valueParser {
	switch option.ConfigKey.(type) {
	case *bool:
		return parseBool
	case *int, *int64:
		return parseInt
	case *uint, *uint32:
		return parseUint32
	case *uint64:
		return parseUint
	case *float64:
		return parseFloat
	case *string:
		return parseString
	case *[]string:
		return parseStringSlice
	case *time.Duration:
		return parseDuration
	default:
		return func(option *Option, _ interface{}) error {
			return fmt.Errorf("no parser for flag %s", option.Name)
		}
	}
}

func parseBool(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case bool:
		*option.ConfigKey.(*bool) = v //nolint:forcetypeassert
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("invalid boolean value %s: %s", option.Name, v)
		}
		*option.ConfigKey.(*bool) = b //nolint:forcetypeassert
	default:
		return fmt.Errorf("could not parse boolean %s: %v", option.Name, i)
	}
	return nil
}

func parseInt(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		reflect.ValueOf(option.ConfigKey).Elem().SetInt(parsed)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return parseInt(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse int %s: %v", option.Name, i)
	}
	return nil
}

func parseUint(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		reflect.ValueOf(option.ConfigKey).Elem().SetUint(parsed)
	case int, int8, int16, int32, int64:
		if reflect.ValueOf(v).Int() < 0 {
			return fmt.Errorf("%s cannot be negative", option.Name)
		}
		return parseUint(option, fmt.Sprint(v))
	case uint, uint8, uint16, uint32, uint64:
		return parseUint(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse uint %s: %v", option.Name, i)
	}
	return nil
}

func parseUint32(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		if parsed > math.MaxUint32 {
			return fmt.Errorf("%s overflows uint32", option.Name)
		}
		reflect.ValueOf(option.ConfigKey).Elem().SetUint(parsed)
	case int, int8, int16, int32, int64:
		if reflect.ValueOf(v).Int() < 0 {
			return fmt.Errorf("%s cannot be negative", option.Name)
		}
		return parseUint32(option, fmt.Sprint(v))
	case uint, uint8, uint16, uint32, uint64:
		return parseUint32(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse uint32 %s: %v", option.Name, i)
	}
	return nil
}

func parseFloat(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		reflect.ValueOf(option.ConfigKey).Elem().SetFloat(parsed)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return parseFloat(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse float %s: %v", option.Name, i)
	}
	return nil
}

func parseString(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		*option.ConfigKey.(*string) = v //nolint:forcetypeassert
	default:
		return fmt.Errorf("could not parse string %s: %v", option.Name, i)
	}
	return nil
}

// parseDuration accepts Go duration strings ("2s", "1m30s") and bare
// integers, which are read as seconds.
func parseDuration(option *Option, i interface{}) error {
	durationPtr := option.ConfigKey.(*time.Duration) //nolint:forcetypeassert
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		if seconds, err := strconv.ParseInt(v, 10, 64); err == nil {
			*durationPtr = time.Duration(seconds) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("could not parse duration %s: %q: %w", option.Name, v, err)
		}
		*durationPtr = d
	case time.Duration:
		*durationPtr = v
	case int, int64:
		*durationPtr = time.Duration(reflect.ValueOf(v).Int()) * time.Second
	default:
		return fmt.Errorf("%s is not a duration", option.Name)
	}
	return nil
}

func parseStringSlice(option *Option, i interface{}) error {
	slicePtr := option.ConfigKey.(*[]string) //nolint:forcetypeassert
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		if v == "" {
			*slicePtr = nil
		} else {
			*slicePtr = strings.Split(v, ",")
		}
	case []string:
		*slicePtr = v
	case []interface{}:
		result := make([]string, len(v))
		for i, s := range v {
			str, ok := s.(string)
			if !ok {
				return fmt.Errorf("could not parse %s: element %d is not a string", option.Name, i)
			}
			result[i] = str
		}
		*slicePtr = result
	default:
		return fmt.Errorf("could not parse %s: %v", option.Name, v)
	}
	return nil
}
