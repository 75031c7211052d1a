package scheduler

import (
	"fmt"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

// ResolveCommand turns a NodeSpec into the argv used to execute it. It is a
// pure function: callers supply it as a CommandResolver so the scheduler
// never has to know how an agent name maps to a subprocess.
//
// Resolution order:
//  1. params.cmd, when present, is used verbatim as argv.
//  2. agent == "echo" with params.args uses ["echo", args...].
//  3. agent == "python" with params.code uses ["python", "-c", code];
//     with params.args instead, ["python", args...].
//  4. Any other agent with params.args falls back to a generic preset:
//     argv is params.args verbatim, with argv[0] inferred from the list
//     rather than prefixed with the agent name.
//  5. Anything else is a validation error: the agent has no known preset
//     and no explicit command was given.
func ResolveCommand(node *types.NodeSpec) ([]string, error) {
	params := node.Params

	if cmd, ok := stringSlice(params, "cmd"); ok {
		if len(cmd) == 0 {
			return nil, fmt.Errorf("node %s: params.cmd must not be empty", node.ID)
		}
		return cmd, nil
	}

	switch node.Agent {
	case "echo":
		args, ok := stringSlice(params, "args")
		if !ok {
			return nil, fmt.Errorf("node %s: agent \"echo\" requires params.args", node.ID)
		}
		return append([]string{"echo"}, args...), nil

	case "python":
		if code, ok := stringValue(params, "code"); ok {
			return []string{"python", "-c", code}, nil
		}
		if args, ok := stringSlice(params, "args"); ok {
			return append([]string{"python"}, args...), nil
		}
		return nil, fmt.Errorf("node %s: agent \"python\" requires params.code or params.args", node.ID)

	case "":
		return nil, fmt.Errorf("node %s: agent is required", node.ID)

	default:
		// Generic preset: any other agent name with params.args is run as
		// argv=args, with argv[0] inferred from the list itself. This keeps
		// new presets from requiring a code change for the common case of
		// a single binary plus argv.
		if args, ok := stringSlice(params, "args"); ok {
			if len(args) == 0 {
				return nil, fmt.Errorf("node %s: params.args must not be empty", node.ID)
			}
			return args, nil
		}
		return nil, fmt.Errorf("node %s: unknown agent %q (no params.cmd or params.args)", node.ID, node.Agent)
	}
}

func stringSlice(params map[string]interface{}, key string) ([]string, bool) {
	raw, ok := params[key]
	if !ok {
		return nil, false
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

func stringValue(params map[string]interface{}, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
