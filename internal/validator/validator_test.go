package validator

import (
	"testing"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func TestValidatePlanGraph(t *testing.T) {
	tests := []struct {
		name    string
		plan    *types.Plan
		wantErr bool
	}{
		{
			name: "linear dag ok",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
			},
		},
		{
			name: "diamond dag ok",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
				Edges: []types.EdgeSpec{
					{From: "a", To: "b"}, {From: "a", To: "c"},
					{From: "b", To: "d"}, {From: "c", To: "d"},
				},
			},
		},
		{
			name: "direct cycle",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}},
				Edges: []types.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
			},
			wantErr: true,
		},
		{
			name: "self loop",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}},
				Edges: []types.EdgeSpec{{From: "a", To: "a"}},
			},
			wantErr: true,
		},
		{
			name: "longer cycle",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}, {ID: "c"}},
				Edges: []types.EdgeSpec{
					{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"},
				},
			},
			wantErr: true,
		},
		{
			name: "duplicate node id",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}, {ID: "a"}},
			},
			wantErr: true,
		},
		{
			name: "dangling edge",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}},
				Edges: []types.EdgeSpec{{From: "a", To: "ghost"}},
			},
			wantErr: true,
		},
		{
			name:    "empty plan",
			plan:    &types.Plan{},
			wantErr: true,
		},
		{
			name: "edge endpoint with pin suffix",
			plan: &types.Plan{
				Nodes: []types.NodeSpec{{ID: "a"}, {ID: "b"}},
				Edges: []types.EdgeSpec{{From: "a.out", To: "b.in"}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlanGraph(tt.plan)
			if tt.wantErr && err == nil {
				t.Fatalf("ValidatePlanGraph() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("ValidatePlanGraph() unexpected error: %v", err)
			}
		})
	}
}

func TestValidatorPlanJSONSchema(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New(): %v", err)
	}

	valid := []byte(`{
		"nodes": [
			{"id": "a", "agent": "echo", "params": {"args": ["hi"]}, "max_retries": 2, "backoff_seconds": 1}
		],
		"edges": []
	}`)
	if result := v.ValidatePlanJSON(valid); !result.Valid {
		t.Fatalf("expected valid plan, got errors: %+v", result.Errors)
	}

	missingAgent := []byte(`{"nodes": [{"id": "a"}]}`)
	if result := v.ValidatePlanJSON(missingAgent); result.Valid {
		t.Fatalf("expected invalid plan (missing agent) to fail schema validation")
	}

	cyclic := []byte(`{
		"nodes": [{"id": "a", "agent": "echo"}, {"id": "b", "agent": "echo"}],
		"edges": [{"from_node": "a", "to_node": "b"}, {"from_node": "b", "to_node": "a"}]
	}`)
	if result := v.ValidatePlanJSON(cyclic); result.Valid {
		t.Fatalf("expected cyclic plan to fail validation")
	}
}

func TestValidatorManifestJSONSchema(t *testing.T) {
	v, err := New()
	if err != nil {
		t.Fatalf("New(): %v", err)
	}

	valid := []byte(`{
		"id": "echo-agent",
		"name": "Echo Agent",
		"image": "busybox:latest",
		"env": [{"name": "FOO", "value": "bar"}]
	}`)
	if result := v.ValidateManifestJSON(valid); !result.Valid {
		t.Fatalf("expected valid manifest, got errors: %+v", result.Errors)
	}

	missingID := []byte(`{"name": "Echo Agent"}`)
	if result := v.ValidateManifestJSON(missingID); result.Valid {
		t.Fatalf("expected invalid manifest (missing id) to fail schema validation")
	}
}
