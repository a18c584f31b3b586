package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. KUSTODIO_API_ADDRESS.
const EnvPrefix = "KUSTODIO"

// SearchPaths are tried in order when no config file is given.
var SearchPaths = []string{"./kustodio.yaml", "/etc/kustodio/kustodio.yaml"}

// FlagBinding maps a command line flag onto a configuration key.
type FlagBinding struct {
	Key  string
	Flag *pflag.Flag
}

// Load builds a Config from, in increasing priority, the defaults, the YAML
// file at path (or the first of SearchPaths that exists), KUSTODIO_
// environment variables and the changed flags in bindings. The result is
// validated.
func Load(path string, bindings ...FlagBinding) (Config, string, error) {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(Default()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, b := range bindings {
		if b.Flag == nil {
			continue
		}
		if err := v.BindPFlag(b.Key, b.Flag); err != nil {
			return Config{}, "", fmt.Errorf("config: bind flag %s: %w", b.Flag.Name, err)
		}
	}

	file, err := findFile(path)
	if err != nil {
		return Config{}, "", err
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, "", fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, "", fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, file, err
	}
	return cfg, file, nil
}

func findFile(path string) (string, error) {
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("config: %w", err)
		}
		if info.IsDir() {
			return "", fmt.Errorf("config: %s is a directory", path)
		}
		return path, nil
	}
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config: %w", err)
		}
	}
	return "", nil
}

// setDefaults registers every leaf of the defaults struct so that environment
// variables can override keys absent from the file.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			setDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
