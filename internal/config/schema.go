package config

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// configSchemaJSON catches structural mistakes (wrong types, unknown state
// backends) before the typed decode runs. Durations stay strings here; the
// typed decode parses them.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "listen": {"type": "string"},
    "api_token": {"type": "string"},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "sync": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "max_entry_bytes": {"type": "integer", "minimum": 256},
        "max_conversations": {"type": "integer", "minimum": 1},
        "external_workers": {"type": "integer", "minimum": 1},
        "scheduled_workers": {"type": "integer", "minimum": 1},
        "interval": {"type": "string"},
        "poll_interval": {"type": "string"},
        "discovery_interval": {"type": "string"},
        "activity_interval": {"type": "string"}
      }
    },
    "helpdesk": {
      "type": "object",
      "properties": {
        "base_url": {"type": "string"},
        "api_key": {"type": "string"},
        "page_size": {"type": "integer", "minimum": 1}
      }
    },
    "cloud": {
      "type": "object",
      "properties": {
        "base_url": {"type": "string"},
        "brands": {"type": "array", "items": {"type": "string"}},
        "brand_api_id": {"type": "string"},
        "brand_api_key": {"type": "string"}
      }
    },
    "broker": {
      "type": "object",
      "properties": {
        "base_url": {"type": "string"},
        "token": {"type": "string"},
        "refresh_interval": {"type": "string"},
        "master_fallback": {"type": "boolean"}
      }
    },
    "alerts": {
      "type": "object",
      "properties": {
        "base_url": {"type": "string"},
        "api_key": {"type": "string"},
        "warn_threshold": {"type": "integer", "minimum": 1},
        "critical_threshold": {"type": "integer", "minimum": 1}
      }
    },
    "state": {
      "type": "object",
      "properties": {
        "backend": {"type": "string", "enum": ["file", "postgres"]},
        "path": {"type": "string"},
        "postgres_dsn": {"type": "string"}
      }
    }
  }
}`

var configSchema = func() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("config.json")
}()

func validateSchema(payload []byte) error {
	var doc any
	if err := yaml.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := configSchema.Validate(normalizeYAML(doc)); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}

// normalizeYAML converts yaml.v3's decoded values into the shapes the JSON
// schema validator expects (string-keyed maps, float64 numbers).
func normalizeYAML(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalizeYAML(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalizeYAML(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeYAML(item)
		}
		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return v
	}
}
