package hooks

import (
	"fmt"

	"github.com/basket/workforce/internal/bus"
)

// RegisterWorkforceHooks wires the four well-known hooks that surface model
// and tool invocations on the event bus: agent_activated on before-model,
// agent_deactivated on after-model, toolkit_activated on before-tool,
// toolkit_deactivated on after-tool. These hooks are the only path by which
// per-invocation events reach the bus. A non-nil owns filter restricts
// publication to invocations by agents of one session, so each session's bus
// sees only its own traffic. The returned func removes all four.
func RegisterWorkforceHooks(reg *Registry, b *bus.Bus, owns func(agentID string) bool) func() {
	match := func(agentID string) bool {
		return owns == nil || owns(agentID)
	}
	unregister := []func(){
		reg.RegisterBeforeModelCall("workforce_agent_activated", func(ctx *ModelCallContext) bool {
			if !match(ctx.AgentID) {
				return true
			}
			b.Publish(bus.Event{
				Action: bus.ActionAgentActivated,
				Data: map[string]any{
					"agent_id":      ctx.AgentID,
					"agent_name":    ctx.AgentName,
					"task_id":       ctx.TaskID,
					"model":         ctx.Model,
					"iteration":     ctx.Iteration,
					"message_count": len(ctx.Messages),
				},
				Timestamp: ctx.Timestamp,
				TaskID:    ctx.TaskID,
				AgentID:   ctx.AgentID,
			})
			return true
		}),

		reg.RegisterAfterModelCall("workforce_agent_deactivated", func(ctx *ModelCallContext) bool {
			if !match(ctx.AgentID) {
				return true
			}
			data := map[string]any{
				"agent_id":    ctx.AgentID,
				"agent_name":  ctx.AgentName,
				"task_id":     ctx.TaskID,
				"model":       ctx.Model,
				"tokens_used": ctx.Usage.Total(),
				"duration_ms": ctx.DurationMS,
				"success":     ctx.Err == nil,
			}
			if ctx.Err != nil {
				data["error"] = ctx.Err.Error()
			}
			b.Publish(bus.Event{
				Action:    bus.ActionAgentDeactivated,
				Data:      data,
				Timestamp: ctx.Timestamp,
				TaskID:    ctx.TaskID,
				AgentID:   ctx.AgentID,
			})
			return true
		}),

		reg.RegisterBeforeToolCall("workforce_toolkit_activated", func(ctx *ToolCallContext) bool {
			if !match(ctx.AgentID) {
				return true
			}
			b.Publish(bus.Event{
				Action: bus.ActionToolkitActivated,
				Data: map[string]any{
					"agent_id":     ctx.AgentID,
					"agent_name":   ctx.AgentName,
					"task_id":      ctx.TaskID,
					"toolkit_name": ctx.ToolName,
					"method_name":  ctx.Method,
					"tool_args":    ctx.ToolArgs,
				},
				Timestamp: ctx.Timestamp,
				TaskID:    ctx.TaskID,
				AgentID:   ctx.AgentID,
			})
			return true
		}),

		reg.RegisterAfterToolCall("workforce_toolkit_deactivated", func(ctx *ToolCallContext) bool {
			if !match(ctx.AgentID) {
				return true
			}
			data := map[string]any{
				"agent_id":     ctx.AgentID,
				"agent_name":   ctx.AgentName,
				"task_id":      ctx.TaskID,
				"toolkit_name": ctx.ToolName,
				"method_name":  ctx.Method,
				"success":      ctx.Success,
				"duration_ms":  ctx.DurationMS,
			}
			if ctx.Result != nil {
				data["result_preview"] = preview(ctx.Result)
			}
			if ctx.Err != nil {
				data["error"] = ctx.Err.Error()
			}
			b.Publish(bus.Event{
				Action:    bus.ActionToolkitDeactivated,
				Data:      data,
				Timestamp: ctx.Timestamp,
				TaskID:    ctx.TaskID,
				AgentID:   ctx.AgentID,
			})
			return true
		}),
	}

	return func() {
		for _, u := range unregister {
			u()
		}
	}
}

// preview bounds tool results embedded in events.
func preview(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
