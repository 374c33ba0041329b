package schema

const envelopeSchemaURI = "https://dwn.local/schemas/descriptor.json"

// envelopeSchema is the structural (spec §4.3 step 1) shape every
// descriptor must satisfy: common fields always, method-specific
// requirements conditional on interface/method. Semantic checks that
// need store access (referential integrity, immutable-property
// equality, newest-wins) are NOT expressed here — those live in
// pkg/records, which runs after this structural pass succeeds.
const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://dwn.local/schemas/descriptor.json",
  "type": "object",
  "required": ["interface", "method", "messageTimestamp"],
  "properties": {
    "interface": {"enum": ["Records", "Protocols", "Messages"]},
    "method": {"enum": ["Write", "Delete", "Read", "Query", "Subscribe", "Configure"]},
    "messageTimestamp": {"type": "string", "minLength": 20},
    "recordId": {"type": "string"},
    "parentId": {"type": "string"},
    "contextId": {"type": "string"},
    "protocol": {"type": "string"},
    "protocolPath": {"type": "string"},
    "schema": {"type": "string"},
    "dataFormat": {"type": "string"},
    "dataCid": {"type": "string"},
    "dataSize": {"type": "integer", "minimum": 0},
    "recipient": {"type": "string"},
    "published": {"type": "boolean"},
    "datePublished": {"type": "string"},
    "dateCreated": {"type": "string"},
    "tags": {"type": "object"},
    "prune": {"type": "boolean"},
    "filter": {"type": "object"},
    "definition": {"type": "object"}
  },
  "allOf": [
    {
      "if": {"properties": {"interface": {"const": "Records"}, "method": {"const": "Delete"}}},
      "then": {"required": ["recordId"]}
    },
    {
      "if": {"properties": {"interface": {"const": "Records"}, "method": {"const": "Read"}}},
      "then": {"anyOf": [{"required": ["recordId"]}, {"required": ["filter"]}]}
    },
    {
      "if": {"properties": {"interface": {"const": "Protocols"}, "method": {"const": "Configure"}}},
      "then": {"required": ["definition"]}
    },
    {
      "if": {
        "properties": {"interface": {"const": "Records"}, "method": {"const": "Write"}},
        "required": ["dataCid"]
      },
      "then": {"required": ["dataCid", "dataSize", "dataFormat"]}
    }
  ]
}`

// Validator validates a decoded descriptor (map[string]any, as produced
// by json.Unmarshal with UseNumber off — jsonschema tolerates either
// float64 or json.Number) against envelopeSchema.
type Validator struct {
	set *Set
}

func NewValidator() (*Validator, error) {
	set := NewSet()
	if err := set.AddSchema(envelopeSchemaURI, envelopeSchema); err != nil {
		return nil, err
	}
	return &Validator{set: set}, nil
}

// ValidateDescriptor runs the structural check of spec §4.3 step 1.
func (v *Validator) ValidateDescriptor(descriptor map[string]interface{}) error {
	return v.set.Validate(envelopeSchemaURI, descriptor)
}
