// Package validator provides JSON schema validation for agent manifests and
// plans, plus the structural DAG checks (duplicate/unknown node ids, cycles)
// that a schema alone cannot express.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// Validator validates agent manifests and execution plans.
type Validator struct {
	manifestSchema *jsonschema.Schema
	planSchema     *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("manifest.json", strings.NewReader(manifestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add manifest schema: %w", err)
	}
	if err := compiler.AddResource("plan.json", strings.NewReader(planSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}

	manifestSchema, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}

	planSchema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Validator{
		manifestSchema: manifestSchema,
		planSchema:     planSchema,
	}, nil
}

// ValidateManifest validates an agent manifest.
func (v *Validator) ValidateManifest(manifest map[string]interface{}) *ValidationResult {
	return v.validate(v.manifestSchema, manifest)
}

// ValidatePlan validates an execution plan's JSON shape. It does not check
// DAG structure; ValidatePlanJSON runs both, and ValidatePlanGraph (which
// create_run uses) runs the graph checks alone.
func (v *Validator) ValidatePlan(plan map[string]interface{}) *ValidationResult {
	return v.validate(v.planSchema, plan)
}

// ValidateManifestJSON validates a JSON-encoded manifest.
func (v *Validator) ValidateManifestJSON(data []byte) *ValidationResult {
	var manifest map[string]interface{}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateManifest(manifest)
}

// ValidatePlanJSON validates a JSON-encoded plan, including DAG structure.
func (v *Validator) ValidatePlanJSON(data []byte) *ValidationResult {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	result := v.ValidatePlan(raw)
	if !result.Valid {
		return result
	}

	var plan types.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid plan: %v", err)},
			},
		}
	}
	return v.ValidatePlanStruct(&plan)
}

// ValidatePlanStruct runs the graph-structure checks (duplicate ids,
// dangling edges, cycles) against an already-decoded Plan; it does not
// apply the JSON schema. Graph errors are the same synchronous, pre-run validation failures
// the HTTP layer reports as 400 before any node is ever scheduled.
func (v *Validator) ValidatePlanStruct(plan *types.Plan) *ValidationResult {
	if err := ValidatePlanGraph(plan); err != nil {
		return &ValidationResult{
			Valid:  false,
			Errors: []ValidationError{{Path: "$.nodes", Message: err.Error()}},
		}
	}
	return &ValidationResult{Valid: true}
}

// ValidatePlanGraph checks the plan's node/edge structure: every node id is
// unique, every edge refers to a node that exists, and the dependency graph
// induced by the edges has no cycle. It is deliberately independent of JSON
// schema validation so the HTTP create-run handler and tests can call it
// directly against an in-memory Plan.
func ValidatePlanGraph(plan *types.Plan) error {
	if plan == nil || len(plan.Nodes) == 0 {
		return fmt.Errorf("plan must contain at least one node")
	}

	seen := make(map[string]struct{}, len(plan.Nodes))
	for _, n := range plan.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	deps := make(map[string][]string, len(plan.Nodes))
	for _, e := range plan.Edges {
		from, to := e.FromNodeID(), e.ToNodeID()
		if _, ok := seen[from]; !ok {
			return fmt.Errorf("edge references unknown node %q", from)
		}
		if _, ok := seen[to]; !ok {
			return fmt.Errorf("edge references unknown node %q", to)
		}
		deps[to] = append(deps[to], from)
	}

	return detectCycle(seen, deps)
}

// detectCycle runs Kahn's algorithm over the dependency graph (deps[node] =
// predecessors of node): repeatedly remove nodes with no remaining
// predecessor. If nodes remain once no further progress can be made, they
// form a cycle.
func detectCycle(nodes map[string]struct{}, deps map[string][]string) error {
	remaining := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for id := range nodes {
		remaining[id] = len(deps[id])
		for _, pred := range deps[id] {
			dependents[pred] = append(dependents[pred], id)
		}
	}

	var ready []string
	for id, count := range remaining {
		if count == 0 {
			ready = append(ready, id)
		}
	}

	visited := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		visited++
		for _, dep := range dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if visited != len(nodes) {
		var stuck []string
		for id, count := range remaining {
			if count > 0 {
				stuck = append(stuck, id)
			}
		}
		return fmt.Errorf("plan contains a cycle among nodes: %v", stuck)
	}
	return nil
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}

	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}

	return errors
}

// Embedded JSON schemas

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "manifest.json",
  "title": "Agent Manifest",
  "description": "Schema for orchestrator agent manifests",
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z][a-z0-9._-]*$",
      "description": "Unique agent identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1,
      "description": "Human-readable agent name"
    },
    "version": {
      "type": "string",
      "description": "Semantic version"
    },
    "description": {
      "type": "string"
    },
    "image": {
      "type": "string",
      "description": "Container image reference for the agent's packaged runtime"
    },
    "command": {
      "type": "array",
      "items": {"type": "string"}
    },
    "args": {
      "type": "array",
      "items": {"type": "string"}
    },
    "env": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "value": {"type": "string"},
          "value_from": {"type": "string", "description": "secret:name:key"}
        }
      }
    },
    "resources": {
      "type": "object",
      "properties": {
        "requests": {
          "type": "object",
          "properties": {
            "cpu": {"type": "string"},
            "memory": {"type": "string"},
            "gpu": {"type": "string"}
          }
        },
        "limits": {
          "type": "object",
          "properties": {
            "cpu": {"type": "string"},
            "memory": {"type": "string"},
            "gpu": {"type": "string"}
          }
        }
      }
    },
    "inputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string", "enum": ["text", "json", "stream", "file", "image"]},
          "required": {"type": "boolean"},
          "description": {"type": "string"}
        }
      }
    },
    "outputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string"},
          "type": {"type": "string", "enum": ["text", "json", "stream", "file", "image"]},
          "required": {"type": "boolean"},
          "description": {"type": "string"}
        }
      }
    },
    "timeout_seconds": {"type": "integer", "minimum": 0},
    "retries": {"type": "integer", "minimum": 0},
    "labels": {"type": "object", "additionalProperties": {"type": "string"}},
    "annotations": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "plan.json",
  "title": "Execution Plan",
  "description": "Schema for orchestrator execution plans",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "agent"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9_-]*$",
            "description": "Node identifier"
          },
          "agent": {
            "type": "string",
            "minLength": 1,
            "description": "Agent preset resolved to a command by the scheduler"
          },
          "params": {
            "type": "object",
            "description": "Opaque parameters interpreted by the command resolver"
          },
          "max_retries": {
            "type": "integer",
            "minimum": 0
          },
          "backoff_seconds": {
            "type": "integer",
            "minimum": 0
          },
          "timeout_ms": {
            "type": "integer",
            "minimum": 0
          },
          "env": {
            "type": "object",
            "additionalProperties": {"type": "string"}
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from_node", "to_node"],
        "properties": {
          "from_node": {
            "type": "string",
            "description": "Source node endpoint, optionally '<id>.<pin>'"
          },
          "to_node": {
            "type": "string",
            "description": "Destination node endpoint, optionally '<id>.<pin>'"
          }
        }
      }
    }
  }
}`
