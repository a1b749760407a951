package httpapi

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// webhookSchemaJSON validates the helpdesk webhook before any field is
// trusted.
const webhookSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "ticket"],
  "properties": {
    "event": {
      "type": "string",
      "enum": ["ticket.updated", "ticket.escalated"]
    },
    "ticket": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "status": {"type": "integer"},
        "reporter_email": {"type": "string"}
      }
    }
  }
}`

func mustWebhookSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(webhookSchemaJSON))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("webhook.json", doc); err != nil {
		panic(err)
	}
	return compiler.MustCompile("webhook.json")
}
