package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/toolgate/internal/config"
)

func noopTool() Tool {
	return ToolFunc(func(context.Context, map[string]any, ToolContext) (any, error) {
		return nil, nil
	})
}

func TestRegisterSameImplementationIsIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	impl := noopTool()
	desc := Descriptor{Name: "echo", Tier: config.TierSimple}
	if err := r.Register(desc, impl); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(desc, impl); err != nil {
		t.Fatalf("re-registering the same implementation must be a no-op, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
}

func TestRegisterDuplicateToolRejected(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	desc := Descriptor{Name: "echo", Tier: config.TierSimple}
	if err := r.Register(desc, noopTool()); err != nil {
		t.Fatal(err)
	}

	err := r.Register(desc, noopTool())
	if err == nil {
		t.Fatal("a different implementation under the same name must be rejected")
	}
	if !errors.Is(err, ErrDuplicateTool) {
		t.Fatalf("err = %v, want ErrDuplicateTool", err)
	}
	// Startup-only failure, never a client-facing classified error.
	if _, ok := err.(*Error); ok {
		t.Fatalf("duplicate registration must not carry a wire error kind: %v", err)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	for _, d := range []Descriptor{
		{Name: "zeta", Tier: config.TierSimple},
		{Name: "alpha", Tier: config.TierSimple},
		{Name: "mid", Visibility: VisibilityAdvanced, Tier: config.TierSimple},
		{Name: "ghost", Visibility: VisibilityHidden, Tier: config.TierSimple},
	} {
		if err := r.Register(d, noopTool()); err != nil {
			t.Fatal(err)
		}
	}

	core := r.List(false)
	if len(core) != 2 || core[0].Name != "alpha" || core[1].Name != "zeta" {
		t.Fatalf("core listing = %v", core)
	}

	all := r.List(true)
	if len(all) != 3 || all[1].Name != "mid" {
		t.Fatalf("advanced listing = %v", all)
	}
	for _, d := range all {
		if d.Name == "ghost" {
			t.Fatal("hidden tool leaked into the listing")
		}
	}
}
