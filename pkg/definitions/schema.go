package definitions

import (
	"github.com/xeipuuv/gojsonschema"
)

const workflowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "isActive": {"type": "boolean"},
    "rootTaskTitleTemplate": {"type": "string"},
    "steps": {"type": "array", "items": {"$ref": "#/definitions/step"}}
  },
  "definitions": {
    "step": {
      "type": "object",
      "required": ["id", "stepType"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "name": {"type": "string"},
        "stepType": {"enum": ["trigger", "agent", "manual", "external", "webhook", "decision", "foreach", "join", "flow"]},
        "connections": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["targetStepId"],
            "properties": {
              "targetStepId": {"type": "string", "minLength": 1},
              "condition": {"type": "string"},
              "label": {"type": "string"}
            }
          }
        },
        "defaultConnection": {"type": "string"},
        "inputPath": {"type": "string"},
        "titleTemplate": {"type": "string"},
        "defaultAssigneeId": {"type": "string"},
        "additionalInstructions": {"type": "string"},
        "webhookConfig": {"$ref": "#/definitions/call"},
        "externalConfig": {"$ref": "#/definitions/call"},
        "itemsPath": {"type": "string"},
        "itemVariable": {"type": "string"},
        "maxItems": {"type": "integer", "minimum": 0},
        "expectedCountPath": {"type": "string"},
        "awaitStepId": {"type": "string"},
        "minSuccessPercent": {"type": "number", "minimum": 0, "maximum": 100},
        "joinBoundary": {"$ref": "#/definitions/boundary"},
        "foreachConfig": {
          "type": "object",
          "properties": {
            "itemsPath": {"type": "string"},
            "itemVariable": {"type": "string"},
            "maxItems": {"type": "integer", "minimum": 0},
            "expectedCount": {"type": "integer", "minimum": 0},
            "expectedCountPath": {"type": "string"}
          }
        },
        "joinConfig": {
          "type": "object",
          "properties": {
            "awaitStepId": {"type": "string"},
            "minSuccessPercent": {"type": "number", "minimum": 0, "maximum": 100},
            "expectedCount": {"type": "integer", "minimum": 0},
            "expectedCountPath": {"type": "string"},
            "inputPath": {"type": "string"},
            "boundary": {"$ref": "#/definitions/boundary"}
          }
        },
        "flowConfig": {
          "type": "object",
          "properties": {"workflowId": {"type": "string"}}
        }
      }
    },
    "boundary": {
      "type": "object",
      "properties": {
        "timeoutSeconds": {"type": "integer", "minimum": 0},
        "onTimeout": {"enum": ["fail", "proceed"]}
      }
    },
    "call": {
      "type": "object",
      "properties": {
        "url": {"type": "string"},
        "method": {"type": "string"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}},
        "timeoutMs": {"type": "integer", "minimum": 0},
        "successStatuses": {"type": "array", "items": {"type": "integer", "minimum": 100, "maximum": 599}},
        "mode": {"enum": ["complete", "callback"]},
        "retryCount": {"type": "integer", "minimum": 0},
        "retryDelayMs": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(workflowSchema)

// validateDocument checks a decoded definition document against the schema.
func validateDocument(document map[string]any) ([]string, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(document))
	if err != nil {
		return nil, err
	}

	if result.Valid() {
		return nil, nil
	}

	var problems []string
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}

	return problems, nil
}
