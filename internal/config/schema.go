package config

import (
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the configuration file, suitable for
// editors validating config.yaml. Durations are strings like "500ms".
func Schema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		Anonymous:                  true,
		DoNotReference:             true,
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == reflect.TypeFor[time.Duration]() {
				return &jsonschema.Schema{Type: "string", Pattern: `^(\d+(\.\d+)?(ns|us|µs|ms|s|m|h))+$`}
			}
			return nil
		},
	}
	return r.Reflect(&Config{})
}
