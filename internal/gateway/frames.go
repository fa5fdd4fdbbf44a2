package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/basket/workforce/internal/bus"
	"github.com/basket/workforce/internal/tasklock"
)

// WireEvent is one of the 24 step values emitted to clients.
type WireEvent string

const (
	WireConfirmed     WireEvent = "confirmed"
	WireDecomposeText WireEvent = "decompose_text"
	WireToSubTasks    WireEvent = "to_sub_tasks"
	WireEnd           WireEvent = "end"
	WireError         WireEvent = "error"

	WireCreateAgent     WireEvent = "create_agent"
	WireActivateAgent   WireEvent = "activate_agent"
	WireDeactivateAgent WireEvent = "deactivate_agent"

	WireTaskState    WireEvent = "task_state"
	WireAssignTask   WireEvent = "assign_task"
	WireNewTaskState WireEvent = "new_task_state"

	WireActivateToolkit   WireEvent = "activate_toolkit"
	WireDeactivateToolkit WireEvent = "deactivate_toolkit"

	WireWaitConfirm WireEvent = "wait_confirm"
	WireAsk         WireEvent = "ask"
	WireNotice      WireEvent = "notice"

	WireWriteFile WireEvent = "write_file"
	WireTerminal  WireEvent = "terminal"

	WireBudgetNotEnough WireEvent = "budget_not_enough"
	WireContextTooLong  WireEvent = "context_too_long"

	WireAddTask    WireEvent = "add_task"
	WireRemoveTask WireEvent = "remove_task"

	WireSync WireEvent = "sync"
)

// Frame renders one SSE frame: `data: {"step":...,"data":...}\n\n`.
// The data payload may be an object or a bare string (the end frame).
func Frame(step WireEvent, data any) string {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(map[string]any{"step": string(step), "data": data})
	if err != nil {
		// Data maps are built from JSON-safe values; reaching this means a
		// programming error upstream. Degrade to an error frame.
		payload, _ = json.Marshal(map[string]any{
			"step": string(WireError),
			"data": map[string]any{"message": err.Error()},
		})
	}
	return fmt.Sprintf("data: %s\n\n", payload)
}

// projectEvent translates one bus event into a wire frame via the fixed
// workforce-action map. Returns "" for unmapped actions: those are dropped,
// never surfaced as errors.
func projectEvent(ev bus.Event) (string, bool) {
	switch ev.Action {
	case bus.ActionDecomposeStart, bus.ActionDecomposeProgress:
		return Frame(WireDecomposeText, map[string]any{
			"content": str(ev.Data, "content"),
		}), true

	case bus.ActionDecomposeComplete:
		return Frame(WireToSubTasks, map[string]any{
			"sub_tasks":    ev.Data["sub_tasks"],
			"summary_task": str(ev.Data, "summary_task"),
		}), true

	case bus.ActionAgentCreated:
		return Frame(WireCreateAgent, map[string]any{
			"agent_name": str(ev.Data, "agent_name"),
			"agent_id":   str(ev.Data, "agent_id"),
			"tools":      toolList(ev.Data["tools"]),
		}), true

	case bus.ActionAgentActivated:
		return Frame(WireActivateAgent, agentStateData(ev, "running")), true

	case bus.ActionAgentDeactivated:
		return Frame(WireDeactivateAgent, agentStateData(ev, "completed")), true

	case bus.ActionTaskAssigned:
		return Frame(WireAssignTask, map[string]any{
			"assignee_id":   firstNonEmpty(ev.AgentID, str(ev.Data, "assignee_id")),
			"task_id":       ev.TaskID,
			"content":       str(ev.Data, "content"),
			"state":         firstNonEmpty(str(ev.Data, "state"), "waiting"),
			"failure_count": num(ev.Data, "failure_count"),
		}), true

	case bus.ActionTaskCompleted:
		return Frame(WireTaskState, map[string]any{
			"state":         "DONE",
			"task_id":       ev.TaskID,
			"result":        str(ev.Data, "result"),
			"failure_count": num(ev.Data, "failure_count"),
		}), true

	case bus.ActionTaskFailed:
		return Frame(WireTaskState, map[string]any{
			"state":         "FAILED",
			"task_id":       ev.TaskID,
			"result":        str(ev.Data, "result"),
			"failure_count": num(ev.Data, "failure_count"),
		}), true

	case bus.ActionToolkitActivated:
		return Frame(WireActivateToolkit, toolkitData(ev)), true

	case bus.ActionToolkitDeactivated:
		return Frame(WireDeactivateToolkit, toolkitData(ev)), true

	case bus.ActionWriteFile:
		return Frame(WireWriteFile, map[string]any{
			"file_path": str(ev.Data, "file_path"),
		}), true

	case bus.ActionTerminalOutput:
		return Frame(WireTerminal, map[string]any{
			"process_task_id": ev.TaskID,
			"output":          str(ev.Data, "output"),
		}), true

	case bus.ActionNotice:
		return Frame(WireNotice, map[string]any{
			"notice":          str(ev.Data, "notice"),
			"process_task_id": ev.TaskID,
		}), true

	case bus.ActionAsk:
		return Frame(WireAsk, map[string]any{
			"agent":    str(ev.Data, "agent"),
			"content":  str(ev.Data, "content"),
			"question": str(ev.Data, "question"),
			"answer":   str(ev.Data, "answer"),
		}), true

	case bus.ActionBudgetExhausted:
		return Frame(WireBudgetNotEnough, map[string]any{}), true

	case bus.ActionContextTooLong:
		return Frame(WireContextTooLong, map[string]any{
			"current_length": num(ev.Data, "current_length"),
			"max_length":     num(ev.Data, "max_length"),
		}), true

	case bus.ActionWorkforceStopped:
		return Frame(WireEnd, map[string]any{
			"summary": firstNonEmpty(str(ev.Data, "summary"), "Task stopped"),
		}), true

	default:
		return "", false
	}
}

// projectAction translates one action record into a wire frame via the
// parallel action map. Control actions are unmapped and dropped here; they
// reach the orchestrator through the TaskLock control channel.
func projectAction(ad tasklock.ActionData) (string, bool) {
	d := ad.Data
	switch ad.Action {
	case tasklock.ActionDecomposeText:
		return Frame(WireDecomposeText, map[string]any{"content": str(d, "content")}), true

	case tasklock.ActionToSubTasks:
		return Frame(WireToSubTasks, map[string]any{
			"sub_tasks":    d["sub_tasks"],
			"summary_task": str(d, "summary_task"),
		}), true

	case tasklock.ActionWaitConfirm:
		return Frame(WireWaitConfirm, map[string]any{
			"content":  str(d, "content"),
			"question": str(d, "question"),
		}), true

	case tasklock.ActionCreateAgent:
		return Frame(WireCreateAgent, map[string]any{
			"agent_name": str(d, "agent_name"),
			"agent_id":   str(d, "agent_id"),
			"tools":      toolList(d["tools"]),
		}), true

	case tasklock.ActionActivateAgent:
		return Frame(WireActivateAgent, map[string]any{
			"state":           "running",
			"agent_id":        str(d, "agent_id"),
			"process_task_id": str(d, "process_task_id"),
			"tokens":          num(d, "tokens"),
			"agent_name":      str(d, "agent_name"),
			"message":         str(d, "message"),
		}), true

	case tasklock.ActionDeactivateAgent:
		return Frame(WireDeactivateAgent, map[string]any{
			"state":           "completed",
			"agent_id":        str(d, "agent_id"),
			"process_task_id": str(d, "process_task_id"),
			"tokens":          num(d, "tokens"),
			"agent_name":      str(d, "agent_name"),
			"message":         str(d, "message"),
		}), true

	case tasklock.ActionAssignTask:
		return Frame(WireAssignTask, map[string]any{
			"assignee_id":   str(d, "assignee_id"),
			"task_id":       str(d, "task_id"),
			"content":       str(d, "content"),
			"state":         firstNonEmpty(str(d, "state"), "waiting"),
			"failure_count": num(d, "failure_count"),
		}), true

	case tasklock.ActionTaskState:
		return Frame(WireTaskState, map[string]any{
			"state":         firstNonEmpty(str(d, "state"), "DONE"),
			"task_id":       str(d, "task_id"),
			"result":        str(d, "result"),
			"failure_count": num(d, "failure_count"),
		}), true

	case tasklock.ActionNewTaskState:
		return Frame(WireNewTaskState, map[string]any{
			"project_id": str(d, "project_id"),
			"tasks":      d["tasks"],
		}), true

	case tasklock.ActionActivateToolkit:
		return Frame(WireActivateToolkit, actionToolkitData(d)), true

	case tasklock.ActionDeactivateToolkit:
		return Frame(WireDeactivateToolkit, actionToolkitData(d)), true

	case tasklock.ActionWriteFile:
		return Frame(WireWriteFile, map[string]any{"file_path": str(d, "file_path")}), true

	case tasklock.ActionTerminal:
		return Frame(WireTerminal, map[string]any{
			"process_task_id": str(d, "process_task_id"),
			"output":          str(d, "output"),
		}), true

	case tasklock.ActionNotice:
		return Frame(WireNotice, map[string]any{
			"notice":          str(d, "notice"),
			"process_task_id": str(d, "process_task_id"),
		}), true

	case tasklock.ActionAsk:
		return Frame(WireAsk, map[string]any{
			"agent":    str(d, "agent"),
			"content":  str(d, "content"),
			"question": str(d, "question"),
			"answer":   str(d, "answer"),
		}), true

	case tasklock.ActionEnd:
		if s, ok := d["summary"]; ok {
			return Frame(WireEnd, map[string]any{"summary": s}), true
		}
		return Frame(WireEnd, map[string]any{"summary": ""}), true

	case tasklock.ActionError:
		return Frame(WireError, map[string]any{"message": str(d, "message")}), true

	case tasklock.ActionBudgetNotEnough:
		return Frame(WireBudgetNotEnough, map[string]any{}), true

	case tasklock.ActionContextTooLong:
		return Frame(WireContextTooLong, map[string]any{
			"current_length": num(d, "current_length"),
			"max_length":     num(d, "max_length"),
		}), true

	case tasklock.ActionAddTask:
		return Frame(WireAddTask, map[string]any{
			"project_id": str(d, "project_id"),
			"task_id":    str(d, "task_id"),
			"content":    str(d, "content"),
		}), true

	case tasklock.ActionRemoveTask:
		return Frame(WireRemoveTask, map[string]any{
			"project_id": str(d, "project_id"),
			"task_id":    str(d, "task_id"),
		}), true

	default:
		return "", false
	}
}

func agentStateData(ev bus.Event, state string) map[string]any {
	return map[string]any{
		"state":           state,
		"agent_id":        firstNonEmpty(ev.AgentID, str(ev.Data, "agent_id")),
		"process_task_id": ev.TaskID,
		"tokens":          num(ev.Data, "tokens_used"),
		"agent_name":      str(ev.Data, "agent_name"),
		"message":         str(ev.Data, "message"),
	}
}

func toolkitData(ev bus.Event) map[string]any {
	return map[string]any{
		"agent_name":      str(ev.Data, "agent_name"),
		"toolkit_name":    str(ev.Data, "toolkit_name"),
		"method_name":     str(ev.Data, "method_name"),
		"message":         str(ev.Data, "message"),
		"process_task_id": ev.TaskID,
	}
}

func actionToolkitData(d map[string]any) map[string]any {
	return map[string]any{
		"agent_name":      str(d, "agent_name"),
		"toolkit_name":    str(d, "toolkit_name"),
		"method_name":     str(d, "method_name"),
		"message":         str(d, "message"),
		"process_task_id": str(d, "process_task_id"),
	}
}

func str(d map[string]any, key string) string {
	if d == nil {
		return ""
	}
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

func num(d map[string]any, key string) int {
	if d == nil {
		return 0
	}
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func toolList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
