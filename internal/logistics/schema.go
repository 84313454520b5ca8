package logistics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	siteSchemaURL    = "https://schemas.sitesync.dev/site.json"
	contactSchemaURL = "https://schemas.sitesync.dev/contact.json"
	settingSchemaURL = "https://schemas.sitesync.dev/setting.json"
)

// Feed records come from other clients, so the schemas only reject shapes
// the core cannot decode. Quantities may be numbers or strings.
const siteSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": ["string", "integer"]},
    "name": {"type": ["string", "null"]},
    "date": {"type": ["string", "null"]},
    "address": {"type": ["string", "null"]},
    "status": {"enum": ["assigned", "outbound_complete", "completed", "", null]},
    "location": {"type": ["string", "null"]},
    "payment_status": {"type": ["string", "null"]},
    "team_members": {"type": ["array", "null"], "items": {"type": "string"}},
    "payment_amounts": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "amount": {"type": ["string", "number"]}
        }
      }
    },
    "products": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "count": {"type": ["number", "string", "null"]},
          "collected": {"type": ["number", "string", "null"]},
          "returned": {"type": ["number", "string", "null"]},
          "isAdminAdded": {"type": ["boolean", "null"]},
          "isNew": {"type": ["boolean", "null"]}
        }
      }
    }
  }
}`

const contactSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": {"type": ["string", "integer"]},
    "name": {"type": ["string", "null"]},
    "phone": {"type": ["string", "null"]},
    "category": {"type": ["string", "null"]}
  }
}`

const settingSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "anyOf": [{"required": ["id"]}, {"required": ["key"]}],
  "properties": {
    "id": {"type": ["string", "integer"]},
    "key": {"type": "string"}
  }
}`

// RecordValidator checks feed records per collection before they are applied.
type RecordValidator struct {
	schemas map[string]*jsonschema.Schema
}

func NewRecordValidator() (*RecordValidator, error) {
	compiler := jsonschema.NewCompiler()
	sources := []struct {
		collection string
		url        string
		body       string
	}{
		{CollectionSites, siteSchemaURL, siteSchema},
		{CollectionContacts, contactSchemaURL, contactSchema},
		{CollectionSettings, settingSchemaURL, settingSchema},
	}
	for _, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src.body))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", src.collection, err)
		}
		if err := compiler.AddResource(src.url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", src.collection, err)
		}
	}
	v := &RecordValidator{schemas: make(map[string]*jsonschema.Schema, len(sources))}
	for _, src := range sources {
		schema, err := compiler.Compile(src.url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", src.collection, err)
		}
		v.schemas[src.collection] = schema
	}
	return v, nil
}

// Validate returns nil for collections without a schema.
func (v *RecordValidator) Validate(collection string, record remote.Record) error {
	if v == nil {
		return nil
	}
	schema, ok := v.schemas[collection]
	if !ok {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s record: %v", ErrInvalidInput, collection, err)
	}
	return nil
}
