package dataflow

import (
	"context"
	"io"
	"strings"
	"testing"
)

func TestMemoryBackend_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, err := New(&Config{Type: "memory"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ref, err := svc.StoreArtifact(ctx, "run-1", "node-a", "out.txt", strings.NewReader("hello"), "text/plain")
	if err != nil {
		t.Fatalf("StoreArtifact: %v", err)
	}
	if ref.Size != 5 {
		t.Fatalf("expected size 5, got %d", ref.Size)
	}

	rc, err := svc.GetArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", string(data))
	}
}

func TestMemoryBackend_GetArtifactByName(t *testing.T) {
	ctx := context.Background()
	svc, err := New(&Config{Type: "memory"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.StoreArtifact(ctx, "run-1", "node-a", "out.txt", strings.NewReader("payload"), "text/plain"); err != nil {
		t.Fatalf("StoreArtifact: %v", err)
	}

	rc, err := svc.GetArtifactByName(ctx, "run-1", "node-a", "out.txt")
	if err != nil {
		t.Fatalf("GetArtifactByName: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", string(data))
	}

	// A name that was never stored resolves to a RefFor() miss, not a panic.
	if _, err := svc.GetArtifactByName(ctx, "run-1", "node-a", "missing.txt"); err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}

func TestMemoryBackend_ListRunArtifacts(t *testing.T) {
	ctx := context.Background()
	svc, err := New(&Config{Type: "memory"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := svc.StoreArtifact(ctx, "run-1", "node-a", "a.txt", strings.NewReader("a"), "text/plain"); err != nil {
		t.Fatalf("StoreArtifact a: %v", err)
	}
	if _, err := svc.StoreArtifact(ctx, "run-1", "node-b", "b.txt", strings.NewReader("b"), "text/plain"); err != nil {
		t.Fatalf("StoreArtifact b: %v", err)
	}
	if _, err := svc.StoreArtifact(ctx, "run-2", "node-a", "c.txt", strings.NewReader("c"), "text/plain"); err != nil {
		t.Fatalf("StoreArtifact c: %v", err)
	}

	refs, err := svc.ListRunArtifacts(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListRunArtifacts: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 artifacts for run-1, got %d", len(refs))
	}
}

func TestNew_UnknownBackendType(t *testing.T) {
	if _, err := New(&Config{Type: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown backend type")
	}
}

func TestMemoryBackend_PresignUnsupported(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	if _, err := b.PresignGet(ctx, &ArtifactRef{URI: "memory://x"}, 0); err == nil {
		t.Fatalf("expected PresignGet to be unsupported for memory backend")
	}
	if _, err := b.PresignPut(ctx, "x", "text/plain", 0); err == nil {
		t.Fatalf("expected PresignPut to be unsupported for memory backend")
	}
}
