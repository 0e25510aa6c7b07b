package canvas

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/example/momento/internal/apperr"
)

const schemaBase = "https://momento.local/schemas/"

const canvasSchemaJSON = `{
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string"},
          "position": {
            "type": "object",
            "properties": {"x": {"type": "number"}, "y": {"type": "number"}}
          },
          "data": {"type": "object"}
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "source", "target"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "source": {"type": "string", "minLength": 1},
          "target": {"type": "string", "minLength": 1},
          "animated": {"type": "boolean"},
          "data": {
            "type": "object",
            "properties": {
              "type": {"enum": ["inspire", "cause", "support", "depend", "contradict"]}
            }
          }
        }
      }
    },
    "viewport": {"type": "object"}
  }
}`

var blockConfigSchemas = map[BlockType]string{
	BlockClaude: `{
  "type": "object",
  "properties": {
    "prompt": {"type": "string"},
    "model": {"type": "string"},
    "temperature": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`,
	BlockNotion: `{
  "type": "object",
  "properties": {
    "pageId": {"type": "string"},
    "databaseId": {"type": "string"}
  }
}`,
	BlockFigma: `{
  "type": "object",
  "properties": {
    "fileKey": {"type": "string"},
    "nodeId": {"type": "string"}
  }
}`,
}

func init() {
	blockConfigSchemas[BlockClaudeNotion] = blockConfigSchemas[BlockNotion]
	blockConfigSchemas[BlockClaudeFigma] = blockConfigSchemas[BlockFigma]
}

// validator holds the compiled canvas and block config schemas.
type validator struct {
	canvas  *jsonschema.Schema
	configs map[BlockType]*jsonschema.Schema
	object  *jsonschema.Schema
}

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	add := func(name, src string) error {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		return c.AddResource(schemaBase+name, doc)
	}
	if err := add("canvas.json", canvasSchemaJSON); err != nil {
		return nil, err
	}
	if err := add("object.json", `{"type": "object"}`); err != nil {
		return nil, err
	}
	for t, src := range blockConfigSchemas {
		if err := add("block-"+string(t)+".json", src); err != nil {
			return nil, err
		}
	}

	v := &validator{configs: map[BlockType]*jsonschema.Schema{}}
	var err error
	if v.canvas, err = c.Compile(schemaBase + "canvas.json"); err != nil {
		return nil, err
	}
	if v.object, err = c.Compile(schemaBase + "object.json"); err != nil {
		return nil, err
	}
	for t := range blockConfigSchemas {
		if v.configs[t], err = c.Compile(schemaBase + "block-" + string(t) + ".json"); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// canvasPayload checks the structural shape of a save request.
func (v *validator) canvasPayload(data CanvasData) error {
	if isNull(data.Nodes) || isNull(data.Edges) {
		return apperr.New(apperr.ValidationError, "canvasData.nodes and canvasData.edges are required")
	}
	// Stored snapshots must load back byte for byte.
	if !utf8.Valid(data.Nodes) || !utf8.Valid(data.Edges) || !utf8.Valid(data.Viewport) {
		return apperr.New(apperr.ValidationError, "canvasData must be valid UTF-8")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return apperr.New(apperr.ValidationError, "canvasData is not valid JSON")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.New(apperr.ValidationError, "canvasData is not valid JSON")
	}
	if err := v.canvas.Validate(doc); err != nil {
		return apperr.Wrap(apperr.ValidationError, "canvasData does not match the canvas shape", err)
	}
	return nil
}

// blockConfig validates config against the schema of the block's type. Types
// without a dedicated schema only need an object.
func (v *validator) blockConfig(t BlockType, config map[string]any) error {
	if config == nil {
		return nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return apperr.New(apperr.ValidationError, "block config is not valid JSON")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.New(apperr.ValidationError, "block config is not valid JSON")
	}
	sch, ok := v.configs[t]
	if !ok {
		sch = v.object
	}
	if err := sch.Validate(doc); err != nil {
		return apperr.Wrap(apperr.ValidationError, fmt.Sprintf("invalid config for %s block", t), err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
