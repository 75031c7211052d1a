package scheduler

import (
	"reflect"
	"testing"

	"github.com/flexinfer/mentatlab/services/orchestrator-go/pkg/types"
)

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		name    string
		node    *types.NodeSpec
		want    []string
		wantErr bool
	}{
		{
			name: "explicit cmd override",
			node: &types.NodeSpec{ID: "n1", Agent: "anything", Params: map[string]interface{}{
				"cmd": []interface{}{"bash", "-c", "echo hi"},
			}},
			want: []string{"bash", "-c", "echo hi"},
		},
		{
			name: "echo preset",
			node: &types.NodeSpec{ID: "n2", Agent: "echo", Params: map[string]interface{}{
				"args": []interface{}{"hello", "world"},
			}},
			want: []string{"echo", "hello", "world"},
		},
		{
			name:    "echo preset missing args",
			node:    &types.NodeSpec{ID: "n3", Agent: "echo"},
			wantErr: true,
		},
		{
			name: "python preset with code",
			node: &types.NodeSpec{ID: "n4", Agent: "python", Params: map[string]interface{}{
				"code": "print(1)",
			}},
			want: []string{"python", "-c", "print(1)"},
		},
		{
			name: "python preset with args",
			node: &types.NodeSpec{ID: "n5", Agent: "python", Params: map[string]interface{}{
				"args": []interface{}{"script.py", "--flag"},
			}},
			want: []string{"python", "script.py", "--flag"},
		},
		{
			name:    "python preset missing both",
			node:    &types.NodeSpec{ID: "n6", Agent: "python"},
			wantErr: true,
		},
		{
			name: "generic agent with args",
			node: &types.NodeSpec{ID: "n7", Agent: "curl", Params: map[string]interface{}{
				"args": []interface{}{"curl", "-sSL", "http://example.com"},
			}},
			want: []string{"curl", "-sSL", "http://example.com"},
		},
		{
			name:    "unknown agent with no params",
			node:    &types.NodeSpec{ID: "n8", Agent: "mystery"},
			wantErr: true,
		},
		{
			name:    "missing agent entirely",
			node:    &types.NodeSpec{ID: "n9"},
			wantErr: true,
		},
		{
			name: "empty explicit cmd is an error",
			node: &types.NodeSpec{ID: "n10", Agent: "echo", Params: map[string]interface{}{
				"cmd": []interface{}{},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveCommand(tt.node)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ResolveCommand() expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveCommand() unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("ResolveCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}
