package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/websterhq/webster/internal/errdefs"
	"github.com/websterhq/webster/internal/llm"
	"github.com/websterhq/webster/internal/observability"
)

// instructionsSchema is the fallback parameter schema: one required
// free-form string.
var instructionsSchema = json.RawMessage(`{"type":"object","properties":{"instructions":{"type":"string","description":"What the tool should do, in plain language"}},"required":["instructions"]}`)

type generated struct {
	schema      json.RawMessage
	annotations string
}

// generate asks the model to describe one tool and parses the reply.
func (r *Registry) generate(ctx context.Context, def Definition) (*generated, error) {
	skeleton, err := parameterSkeleton(def.Params)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.KindInternal, err, "reflect parameters for %s", def.Name)
	}

	ctx = observability.WithTool(ctx, def.Name)
	reply, _, err := r.gateway.Query(ctx, describePrompt(def.Name, def.Description, skeleton), llm.PurposeDescribeTool)
	if err != nil {
		return nil, err
	}
	return parseDescription(reply)
}

// parameterSkeleton renders the registered parameter prototype as an
// inline JSON schema the prompt can quote. Nil prototypes use the
// instructions shape.
func parameterSkeleton(params any) (string, error) {
	if params == nil {
		return string(instructionsSchema), nil
	}
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := reflector.Reflect(params)
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// describePrompt is the canonical description-generation prompt. Keeping
// it deterministic keeps the gateway fingerprint cache effective.
func describePrompt(name, description, skeleton string) string {
	var b strings.Builder
	b.WriteString("You are documenting a browser automation tool for JSON function calling.\n\n")
	fmt.Fprintf(&b, "Tool name: %s\n", name)
	fmt.Fprintf(&b, "Tool purpose: %s\n\n", description)
	fmt.Fprintf(&b, "Parameter shape:\n%s\n\n", skeleton)
	b.WriteString(`Respond with a single JSON object of the form {"parameters": <schema>, "annotations": "<one short usage hint>"}.`)
	b.WriteString("\nThe parameters value must be a JSON Schema object with type \"object\", a properties map and a required list.")
	b.WriteString("\nRespond with JSON only, no prose and no code fences.")
	return b.String()
}

// parseDescription extracts the JSON fragment from the model reply and
// checks the schema is usable.
func parseDescription(reply string) (*generated, error) {
	fragment, err := extractJSON(reply)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Parameters  json.RawMessage `json:"parameters"`
		Annotations string          `json:"annotations"`
	}
	if err := json.Unmarshal(fragment, &parsed); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLMUnparseable, err, "description reply is not an object")
	}
	if len(parsed.Parameters) == 0 {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "description reply has no parameters")
	}
	var check struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(parsed.Parameters, &check); err != nil {
		return nil, errdefs.Wrap(errdefs.KindLMUnparseable, err, "parameters is not a schema object")
	}
	if check.Type != "object" {
		return nil, errdefs.Newf(errdefs.KindLMUnparseable, "parameters schema has type %q, want object", check.Type)
	}
	return &generated{schema: parsed.Parameters, annotations: strings.TrimSpace(parsed.Annotations)}, nil
}

// extractJSON pulls the outermost JSON object out of a reply that may
// wrap it in prose or fences, repairing near-JSON when needed.
func extractJSON(reply string) (json.RawMessage, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "reply contains no JSON object")
	}
	candidate := reply[start : end+1]
	if json.Valid([]byte(candidate)) {
		return json.RawMessage(candidate), nil
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindLMUnparseable, err, "reply JSON could not be repaired")
	}
	if !json.Valid([]byte(repaired)) {
		return nil, errdefs.New(errdefs.KindLMUnparseable, "repaired reply is still not JSON")
	}
	return json.RawMessage(repaired), nil
}

// fallbackDescriptor is the descriptor used when description generation
// fails: the tool stays callable with a single instructions string.
func fallbackDescriptor(def Definition) Descriptor {
	return Descriptor{
		Name:        def.Name,
		Description: def.Description,
		Schema:      instructionsSchema,
		RiskClass:   def.RiskClass,
		Async:       def.Async,
		Fallback:    true,
	}
}
