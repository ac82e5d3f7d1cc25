// Package config loads authgate configuration from struct tag defaults, an
// optional YAML or JSON file, and environment variables, in that order of
// increasing priority.
//
// # Struct Tags
//
//   - `env:"NAME"` maps a field to an environment variable. On a nested
//     struct field the tag becomes a prefix for the child fields.
//   - `envDefault:"value"` sets the value when the field is still zero.
//   - `required:"true"` fails validation if the field remains zero.
//
// File loading relies on the usual `yaml` and `json` tags.
//
// # Usage
//
//	type ServerConfig struct {
//	    Addr string `env:"ADDR" envDefault:":8080" yaml:"addr"`
//	    JWKS auth.KeySetConfig `env:"JWKS" yaml:"jwks"`
//	}
//
//	cfg := config.MustLoad[ServerConfig](
//	    config.New().WithEnvPrefix("AUTHGATE").WithFileFromEnv("AUTHGATE_CONFIG_FILE"),
//	)
//
// With that setup AUTHGATE_JWKS_URL populates ServerConfig.JWKS.URL.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/authgate/pkg/errors"
)

// time.Duration has Kind() == Int64 and must be told apart from plain ints.
var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration in layers: envDefault tags, then an
// optional file, then environment variables. Create one with [New], set it
// up with [Loader.WithEnvPrefix] and [Loader.WithFile] or
// [Loader.WithFileFromEnv], and call [Loader.Load] or [MustLoad].
//
// Loader is not safe for concurrent use. Build a new Loader per Load call
// or synchronize access externally.
type Loader struct {
	envPrefix string
	filePath  string
}

// New creates a [Loader] with no file and no prefix, so only envDefault
// tags and unprefixed environment variables apply until it is configured
// further.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix sets the prefix joined with an underscore to every
// environment variable name derived from `env` tags. With
// WithEnvPrefix("authgate"), a field tagged `env:"LOG_LEVEL"` reads
// AUTHGATE_LOG_LEVEL, and a field of a nested struct tagged `env:"JWKS"`
// reads AUTHGATE_JWKS_<NAME>.
//
// The prefix is uppercased. An empty prefix disables prefixing. The
// Loader is returned for chaining.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets the configuration file applied between defaults and the
// environment. The format follows the extension: .yaml and .yml are
// parsed as YAML, .json as JSON. Any other extension makes [Loader.Load]
// fail with [sserr.CodeInternalConfiguration].
//
// A file that does not exist is skipped, so deployments may rely on the
// environment alone. Paths containing ".." are rejected. The Loader is
// returned for chaining.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// WithFileFromEnv calls [Loader.WithFile] with the value of the
// environment variable key. An unset or empty variable leaves the file
// setting unchanged. The Loader is returned for chaining.
func (l *Loader) WithFileFromEnv(key string) *Loader {
	if path := os.Getenv(key); path != "" {
		l.filePath = path
	}
	return l
}

// Load populates cfg from its sources, lowest priority first:
//
//  1. envDefault tags, applied to fields that are still zero
//  2. the file set by [Loader.WithFile], when present
//  3. environment variables named by `env` tags and their nested prefixes
//
// The result is then validated. Fields tagged `required:"true"` must be
// non-zero, and every struct implementing [Validator] is checked, nested
// structs before their parents.
//
// cfg must be a non-nil pointer to a struct. Loading failures return an
// [*sserr.Error] with [sserr.CodeInternalConfiguration]. Validation
// failures carry [sserr.CodeValidationRequired] for missing fields, or the
// code returned by the failing Validate method ([sserr.CodeValidation]
// when it returned an uncoded error).
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg); err != nil {
			return err
		}
	}
	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(rv, "")
}

// MustLoad returns a T populated by loader and panics if loading or
// validation fails. It is meant for process startup in main, where a bad
// configuration should stop the binary before it serves traffic.
//
//	cfg := config.MustLoad[Config](config.New().WithEnvPrefix("AUTHGATE"))
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, or .json)", ext)
	}
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to parse file %q", l.filePath)
	}
	return nil
}

func isNested(sf reflect.StructField) bool {
	return sf.Type.Kind() == reflect.Struct && sf.Type != durationType
}

func applyDefaults(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(sf) {
			if err := applyDefaults(field); err != nil {
				return err
			}
			continue
		}

		tag := sf.Tag.Get("envDefault")
		if tag == "" || !field.IsZero() {
			continue
		}
		if err := setField(field, tag); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
	}
	return nil
}

func joinPrefix(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "_" + name
}

func applyEnv(rv reflect.Value, prefix string) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}

		envTag := sf.Tag.Get("env")
		if isNested(sf) {
			nested := prefix
			if envTag != "" {
				nested = joinPrefix(prefix, envTag)
			}
			if err := applyEnv(field, nested); err != nil {
				return err
			}
			continue
		}
		if envTag == "" {
			continue
		}

		envKey := joinPrefix(prefix, envTag)
		val, ok := os.LookupEnv(envKey)
		if !ok {
			continue
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, envKey)
		}
	}
	return nil
}

// setField parses value into field. Supported kinds: string (including
// named string types such as auth.Secret), bool, signed and unsigned
// integers, float64, time.Duration and comma-separated []string.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse unsigned integer %q: %w", value, err)
		}
		field.SetUint(n)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("cannot parse float %q: %w", value, err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		var parts []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		// MakeSlice keeps named slice types assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(p)
		}
		field.Set(slice)

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
