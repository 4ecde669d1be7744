package router

import (
	"encoding/json"

	"maestro/internal/message"
)

// dispatchCommand hands a system command to the matching collaborator
// and answers the sender. Commands never enter destination routing.
func (r *Router) dispatchCommand(command message.Message) {
	switch command.Type {
	case message.TypeSpawnAgent:
		r.handleSpawnAgent(command)
	case message.TypeAssignTask:
		r.handleAssignTask(command)
	case message.TypeQueryStatus:
		r.handleQueryStatus(command)
	case message.TypeTerminateAgent:
		r.handleTerminateAgent(command)
	}
}

func (r *Router) handleSpawnAgent(command message.Message) {
	spawned, err := r.options.Agents.SpawnAgent(command.Payload)
	if err != nil {
		r.replyError(command, "spawn failed: "+err.Error())
		return
	}
	r.options.Logger.Info("agent spawned", map[string]string{
		"agent_id":     spawned.ID,
		"requested_by": command.From,
	})
	r.replyStatus(command, map[string]any{
		"command": string(message.TypeSpawnAgent),
		"agent":   spawned,
	})
}

func (r *Router) handleAssignTask(command message.Message) {
	var request struct {
		TaskID  string `json:"taskId"`
		AgentID string `json:"agentId"`
	}
	if len(command.Payload) > 0 {
		if err := json.Unmarshal(command.Payload, &request); err != nil {
			r.replyError(command, "malformed assignment payload")
			return
		}
	}

	// An assignment naming an existing task routes it to an agent; one
	// without a task id creates the task first.
	if request.TaskID == "" {
		created, err := r.options.Tasks.AddTask(command.Payload)
		if err != nil {
			r.replyError(command, "task creation failed: "+err.Error())
			return
		}
		request.TaskID = created.ID
	}
	if request.AgentID != "" {
		if err := r.options.Tasks.AssignTask(request.TaskID, request.AgentID); err != nil {
			r.replyError(command, "assignment failed: "+err.Error())
			return
		}
	}
	r.replyStatus(command, map[string]any{
		"command": string(message.TypeAssignTask),
		"taskId":  request.TaskID,
		"agentId": request.AgentID,
	})
}

func (r *Router) handleQueryStatus(command message.Message) {
	r.replyStatus(command, map[string]any{
		"command":     string(message.TypeQueryStatus),
		"connections": r.pool.Count(),
		"agents":      r.options.Agents.ActiveAgents(),
		"tasks":       r.options.Tasks.AllTasks(),
	})
}

func (r *Router) handleTerminateAgent(command message.Message) {
	var request struct {
		AgentID string `json:"agentId"`
	}
	if len(command.Payload) > 0 {
		_ = json.Unmarshal(command.Payload, &request)
	}
	if request.AgentID == "" {
		r.replyError(command, "terminate requires an agentId")
		return
	}
	removed := r.options.Agents.RemoveAgent(request.AgentID)
	if !removed {
		r.replyError(command, "unknown agent "+request.AgentID)
		return
	}
	r.options.Logger.Info("agent terminated", map[string]string{
		"agent_id":     request.AgentID,
		"requested_by": command.From,
	})
	r.replyStatus(command, map[string]any{
		"command": string(message.TypeTerminateAgent),
		"agentId": request.AgentID,
	})
}

// replyStatus answers a command sender with a status frame correlated
// to the command. Delivery is best effort.
func (r *Router) replyStatus(command message.Message, body map[string]any) {
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	reply := message.New(message.SystemSender, command.From, message.TypeStatus, payload)
	reply.CorrelationID = command.ID
	if !r.pool.SendToLogical(command.From, reply) {
		r.options.Logger.Debug("command reply undeliverable", map[string]string{
			"command_id": command.ID,
			"from":       command.From,
		})
	}
}

func (r *Router) replyError(command message.Message, reason string) {
	reply := message.NewErrorReply(command.From, reason, command.ID)
	if !r.pool.SendToLogical(command.From, reply) {
		r.options.Logger.Debug("command error reply undeliverable", map[string]string{
			"command_id": command.ID,
			"from":       command.From,
		})
	}
	r.options.Logger.Warn("system command rejected", map[string]string{
		"command_id": command.ID,
		"type":       string(command.Type),
		"reason":     reason,
	})
}
