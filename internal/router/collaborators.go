package router

import "encoding/json"

// Agent is the router's view of a spawned agent. Lifecycle management
// lives outside the core; the router only dispatches commands at this
// boundary.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Task is the router's view of a queued task.
type Task struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	AgentID string `json:"agentId,omitempty"`
	Status  string `json:"status"`
}

// AgentDirectory is the host-provided agent lifecycle collaborator.
type AgentDirectory interface {
	SpawnAgent(config json.RawMessage) (Agent, error)
	RemoveAgent(id string) bool
	ActiveAgents() []Agent
}

// TaskDirectory is the host-provided task bookkeeping collaborator.
type TaskDirectory interface {
	AddTask(config json.RawMessage) (Task, error)
	AssignTask(taskID, agentID string) error
	AllTasks() []Task
}

// NoopAgentDirectory satisfies AgentDirectory for hosts that run the
// bus without an agent manager. Injected at construction instead of
// scattering presence checks through the dispatch paths.
type NoopAgentDirectory struct{}

func (NoopAgentDirectory) SpawnAgent(json.RawMessage) (Agent, error) {
	return Agent{}, nil
}

func (NoopAgentDirectory) RemoveAgent(string) bool {
	return false
}

func (NoopAgentDirectory) ActiveAgents() []Agent {
	return nil
}

// NoopTaskDirectory satisfies TaskDirectory for hosts without a task
// subsystem.
type NoopTaskDirectory struct{}

func (NoopTaskDirectory) AddTask(json.RawMessage) (Task, error) {
	return Task{}, nil
}

func (NoopTaskDirectory) AssignTask(string, string) error {
	return nil
}

func (NoopTaskDirectory) AllTasks() []Task {
	return nil
}
