package ledger

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// BodyFormat names which accepted shape a body matched.
type BodyFormat string

const (
	// BodyFormatContent is the target shape for new writes: an object with a
	// non-empty "actor" string and a non-null "content" field.
	BodyFormatContent BodyFormat = "content"
	// BodyFormatLegacy is the historical {id, t, actor, summary} shape, still
	// accepted from older producers.
	BodyFormatLegacy BodyFormat = "legacy"
)

const contentSchemaJSON = `{
	"type": "object",
	"required": ["actor", "content"],
	"properties": {
		"actor": {"type": "string", "minLength": 1},
		"content": {"not": {"type": "null"}}
	}
}`

const legacySchemaJSON = `{
	"type": "object",
	"required": ["id", "t", "actor", "summary"],
	"properties": {
		"actor": {"type": "string", "minLength": 1}
	}
}`

var (
	contentSchema = mustCompileSchema("content.json", contentSchemaJSON)
	legacySchema  = mustCompileSchema("legacy.json", legacySchemaJSON)
)

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// compiler needs for correct bounds handling.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("unmarshal body schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add body schema %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile body schema %s: %v", name, err))
	}
	return schema
}

// ValidateBody checks raw against the accepted body shapes and returns which
// one matched. The shapes are an explicit tagged union, tried in order of
// preference, rather than property sniffing.
func ValidateBody(raw json.RawMessage) (BodyFormat, error) {
	if len(raw) == 0 {
		return "", Validationf("body_json", "body is required")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return "", Validationf("body_json", "body is not valid JSON: %v", err)
	}
	if _, ok := doc.(map[string]any); !ok {
		return "", Validationf("body_json", "body must be a JSON object")
	}
	if err := contentSchema.Validate(doc); err == nil {
		return BodyFormatContent, nil
	}
	if err := legacySchema.Validate(doc); err == nil {
		return BodyFormatLegacy, nil
	}
	return "", Validationf("body_json", `body must carry an "actor" and either a "content" field or the legacy {id, t, actor, summary} shape`)
}

// ValidateNewEntry checks every field of a submission and returns the matched
// body format. It performs no I/O; chain and ownership checks happen in the
// store.
func ValidateNewEntry(e NewEntry) (BodyFormat, error) {
	if strings.TrimSpace(e.UserID) == "" {
		return "", Unauthorizedf("submission has no resolved user")
	}
	if strings.TrimSpace(e.AgentID) == "" {
		return "", Validationf("agent_id", "agent_id must be a non-empty string")
	}
	if !e.EntryType.Valid() {
		return "", Validationf("entry_type", "unknown entry_type %q", e.EntryType)
	}
	return ValidateBody(e.Body)
}
