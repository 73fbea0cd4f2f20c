package config

import (
	"bytes"
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"go.viam.com/omnicore/logging"
)

// Read reads a config from the given file. Environment variables referenced as ${VAR} are
// substituted before parsing.
func Read(filePath string, logger logging.Logger) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	cfg, err := FromReader(filePath, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	logger.Debugw("read config", "path", filePath, "host", cfg.Robot.Host, "joints", cfg.Joints)
	return cfg, nil
}

// FromReader reads and validates a config. originalPath is recorded on the config.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}

	cfg := &Config{}
	if err := decodeAttributes(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "cannot decode config")
	}
	cfg.ConfigFilePath = originalPath
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeAttributes decodes a generic JSON object into out using json tags. Numbers must have been
// decoded as json.Number. Durations may be given as strings such as "150ms" or as integer
// nanoseconds. Unknown keys are an error.
func decodeAttributes(attrs map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			numberToDurationHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attrs)
}

var durationType = reflect.TypeOf(time.Duration(0))

// numberToDurationHook turns a json.Number bound for a time.Duration into nanoseconds before the
// string duration hook sees it.
func numberToDurationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	n, ok := data.(json.Number)
	if !ok || to != durationType {
		return data, nil
	}
	return n.Int64()
}
