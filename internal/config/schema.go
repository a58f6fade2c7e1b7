package config

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const durationPattern = `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func buildSchema() {
	r := &invopop.Reflector{
		FieldNameTag:               "yaml",
		Anonymous:                  true,
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *invopop.Schema {
			if t == reflect.TypeOf(time.Duration(0)) {
				return &invopop.Schema{Type: "string", Pattern: durationPattern}
			}
			return nil
		},
	}
	schema := r.Reflect(&Config{})
	schema.Title = "sessiongate configuration"
	schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	if schemaErr != nil {
		return
	}
	schemaCompiled, schemaErr = jsonschema.CompileString("sessiongate.schema.json", string(schemaJSON))
}

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(buildSchema)
	return schemaJSON, schemaErr
}

// ValidateRaw checks a merged raw config map against the generated schema.
func ValidateRaw(raw map[string]any) error {
	schemaOnce.Do(buildSchema)
	if schemaErr != nil {
		return schemaErr
	}
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := schemaCompiled.Validate(decoded); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

// ValidateFile loads path without applying defaults and checks it against
// the schema and the semantic rules in Validate.
func ValidateFile(path string) error {
	raw, err := LoadRaw(path)
	if err != nil {
		return err
	}
	if err := ValidateRaw(raw); err != nil {
		return err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return err
	}
	applyDefaults(cfg)
	return cfg.Validate()
}
