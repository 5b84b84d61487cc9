package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	rangeSeparator   = "|"
	optionPrefix     = "opt["
	optionSuffix     = "]"
	optionQuote      = "'"
	tagName          = "env"
	validateRequired = "required"
	validateFile     = "file"
	validateDir      = "dir"
)

var (
	// ErrNotStructPtr indicates a type is not a pointer to a struct.
	ErrNotStructPtr = errors.New("must be a pointer to a struct")
	// ErrRequired indicates a required variable is not set.
	ErrRequired = errors.New("required variable is not present")
	// ErrNotInOptions indicates a value is not in the allowed options.
	ErrNotInOptions = errors.New("value is not in value options")

	durationType = reflect.TypeOf(time.Duration(0))
	byteSizeType = reflect.TypeOf(ByteSize(0))
)

// ByteSize is a size in bytes written in human form, like 5MiB or 512k.
type ByteSize int64

// ParseByteSize ...
func ParseByteSize(s string) (ByteSize, error) {
	size, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return ByteSize(size), nil
}

// String ...
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// Parse fills the `env` tagged fields of the struct conf points to from repository.
//
// Tags take the variable name and optional constraints: `env:"NAME,required"`, `env:"NAME,opt[a,b]"`,
// `env:"NAME,file"` and `env:"NAME,dir"`. Variables that are not set leave the field untouched.
func Parse(conf interface{}, repository env.Repository) error {
	c := reflect.ValueOf(conf)
	if c.Kind() != reflect.Ptr {
		return ErrNotStructPtr
	}
	c = c.Elem()
	if c.Kind() != reflect.Struct {
		return ErrNotStructPtr
	}
	t := c.Type()

	var errs []string
	for i := 0; i < c.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup(tagName)
		if !ok {
			continue
		}
		key, constraint := parseTag(tag)
		value := repository.Get(key)

		if err := validate(value, constraint); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", t.Field(i).Name, err))
			continue
		}
		if value == "" {
			continue
		}
		if err := setField(c.Field(i), value); err != nil {
			errs = append(errs, fmt.Sprintf("- %s: %s", t.Field(i).Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

// Print writes the `env` tagged fields of conf to the log. Secrets are masked.
func Print(conf interface{}, logger log.Logger) {
	v := reflect.ValueOf(conf)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return
	}
	t := v.Type()

	logger.Infof("%s:", t.Name())
	for i := 0; i < t.NumField(); i++ {
		tag, ok := t.Field(i).Tag.Lookup(tagName)
		if !ok {
			continue
		}
		key, _ := parseTag(tag)
		logger.Printf("- %s: %s", key, valueString(v.Field(i)))
	}
}

func parseTag(tag string) (string, string) {
	if !strings.Contains(tag, ",") {
		return tag, ""
	}
	s := strings.SplitN(tag, ",", 2)
	return s[0], s[1]
}

func setField(field reflect.Value, value string) error {
	switch field.Type() {
	case durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("can't convert to duration: %v", err)
		}
		field.SetInt(int64(d))
		return nil
	case byteSizeType:
		size, err := ParseByteSize(value)
		if err != nil {
			return fmt.Errorf("can't convert to byte size: %v", err)
		}
		field.SetInt(int64(size))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := parseBool(value)
		if err != nil {
			return errors.New("can't convert to bool")
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 0)
		if err != nil {
			return errors.New("can't convert to int")
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 0)
		if err != nil {
			return errors.New("can't convert to uint")
		}
		field.SetUint(n)
	case reflect.Slice:
		field.Set(reflect.ValueOf(strings.Split(value, rangeSeparator)))
	default:
		return fmt.Errorf("type is not supported (%s)", field.Kind())
	}
	return nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	return strconv.ParseBool(value)
}

func validate(value, constraint string) error {
	switch constraint {
	case "":
		return nil
	case validateRequired:
		if value == "" {
			return ErrRequired
		}
	case validateFile, validateDir:
		if value == "" {
			return nil
		}
		info, err := os.Stat(value)
		if err != nil {
			return err
		}
		if constraint == validateDir && !info.IsDir() {
			return errors.New("not a directory")
		}
		if constraint == validateFile && info.IsDir() {
			return errors.New("not a file")
		}
	default:
		if !strings.HasPrefix(constraint, optionPrefix) || !strings.HasSuffix(constraint, optionSuffix) {
			return fmt.Errorf("invalid constraint (%s)", constraint)
		}
		if value == "" {
			return nil
		}
		for _, opt := range valueOptions(constraint) {
			if opt == value {
				return nil
			}
		}
		return fmt.Errorf("%w: %q", ErrNotInOptions, value)
	}
	return nil
}

// valueOptions splits opt[a,b,'c,d'] into its options. Quoted options may contain commas.
func valueOptions(constraint string) []string {
	inner := strings.TrimSuffix(strings.TrimPrefix(constraint, optionPrefix), optionSuffix)

	var opts []string
	for inner != "" {
		if strings.HasPrefix(inner, optionQuote) {
			end := strings.Index(inner[1:], optionQuote)
			if end >= 0 {
				opts = append(opts, inner[1:end+1])
				inner = strings.TrimPrefix(inner[end+2:], ",")
				continue
			}
		}
		next := strings.Index(inner, ",")
		if next < 0 {
			opts = append(opts, inner)
			break
		}
		opts = append(opts, inner[:next])
		inner = inner[next+1:]
	}
	return opts
}

func valueString(v reflect.Value) string {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	if stringer, ok := v.Interface().(fmt.Stringer); ok {
		return stringer.String()
	}
	return fmt.Sprintf("%v", v.Interface())
}
