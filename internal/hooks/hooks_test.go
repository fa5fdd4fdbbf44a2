package hooks

import (
	"errors"
	"testing"
)

func TestRegistry_BeforeModelVeto(t *testing.T) {
	r := NewRegistry(nil)

	var ran []string
	r.RegisterBeforeModelCall("allow", func(*ModelCallContext) bool {
		ran = append(ran, "allow")
		return true
	})
	r.RegisterBeforeModelCall("deny", func(*ModelCallContext) bool {
		ran = append(ran, "deny")
		return false
	})
	r.RegisterBeforeModelCall("never", func(*ModelCallContext) bool {
		ran = append(ran, "never")
		return true
	})

	veto := r.RunBeforeModel(&ModelCallContext{AgentID: "w1"})
	if veto == nil {
		t.Fatal("expected veto")
	}
	if veto.Hook != "deny" {
		t.Fatalf("vetoing hook = %q, want deny", veto.Hook)
	}
	// Veto short-circuits subsequent before-hooks.
	if len(ran) != 2 || ran[0] != "allow" || ran[1] != "deny" {
		t.Fatalf("ran = %v, want [allow deny]", ran)
	}
}

func TestRegistry_VetoErrorIdentifiesHook(t *testing.T) {
	veto := &VetoError{Hook: "budget_guard"}
	var err error = veto
	var asVeto *VetoError
	if !errors.As(err, &asVeto) {
		t.Fatal("VetoError should unwrap via errors.As")
	}
	if asVeto.Hook != "budget_guard" {
		t.Fatalf("hook = %q", asVeto.Hook)
	}
}

func TestRegistry_AfterModelRunsOnVeto(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterBeforeModelCall("deny", func(*ModelCallContext) bool { return false })

	var afterErr error
	r.RegisterAfterModelCall("observer", func(ctx *ModelCallContext) bool {
		afterErr = ctx.Err
		return true
	})

	ctx := &ModelCallContext{AgentID: "w1"}
	if veto := r.RunBeforeModel(ctx); veto != nil {
		ctx.Err = veto
	}
	r.RunAfterModel(ctx)

	var veto *VetoError
	if !errors.As(afterErr, &veto) || veto.Hook != "deny" {
		t.Fatalf("after-hook error = %v, want veto by deny", afterErr)
	}
}

func TestRegistry_HookPanicDoesNotVeto(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterBeforeModelCall("panicky", func(*ModelCallContext) bool {
		panic("hook exploded")
	})

	if veto := r.RunBeforeModel(&ModelCallContext{}); veto != nil {
		t.Fatalf("panicking hook vetoed: %v", veto)
	}
}

func TestRegistry_AgentScopedHooksRunAfterGlobal(t *testing.T) {
	r := NewRegistry(nil)

	var order []string
	r.RegisterBeforeModelCall("global", func(*ModelCallContext) bool {
		order = append(order, "global")
		return true
	})
	r.RegisterAgentBeforeModelCall("w1", "scoped", func(*ModelCallContext) bool {
		order = append(order, "scoped")
		return true
	})

	r.RunBeforeModel(&ModelCallContext{AgentID: "w1"})
	if len(order) != 2 || order[0] != "global" || order[1] != "scoped" {
		t.Fatalf("order = %v", order)
	}

	// Another agent's invocation skips the scoped hook.
	order = nil
	r.RunBeforeModel(&ModelCallContext{AgentID: "w2"})
	if len(order) != 1 || order[0] != "global" {
		t.Fatalf("order for other agent = %v", order)
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)

	count := 0
	remove := r.RegisterBeforeToolCall("counter", func(*ToolCallContext) bool {
		count++
		return true
	})

	r.RunBeforeTool(&ToolCallContext{})
	remove()
	r.RunBeforeTool(&ToolCallContext{})

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func TestRegistry_ToolVeto(t *testing.T) {
	r := NewRegistry(nil)
	r.RegisterBeforeToolCall("deny_shell", func(ctx *ToolCallContext) bool {
		return ctx.ToolName != "shell"
	})

	if veto := r.RunBeforeTool(&ToolCallContext{ToolName: "shell"}); veto == nil {
		t.Fatal("shell call should be vetoed")
	}
	if veto := r.RunBeforeTool(&ToolCallContext{ToolName: "search"}); veto != nil {
		t.Fatalf("search call vetoed: %v", veto)
	}
}
