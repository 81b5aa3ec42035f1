package schemas

import (
	"time"
)

// -- Run Result Schemas --

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
	RunError     RunStatus = "error"
)

// Strategy names the decision strategy of a profile.
type Strategy string

const (
	StrategyFSM   Strategy = "fsm"
	StrategySteps Strategy = "steps"
)

// TransitionRecord is one state change observed during an FSM run, or one
// completed step during a linear run.
type TransitionRecord struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Iteration int       `json:"iteration"`
	At        time.Time `json:"at"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID       string             `json:"run_id"`
	Profile     string             `json:"profile"`
	Strategy    Strategy           `json:"strategy"`
	Status      RunStatus          `json:"status"`
	FinalState  string             `json:"final_state"`
	Iterations  int                `json:"iterations"`
	History     []string           `json:"history"`
	Transitions []TransitionRecord `json:"transitions"`
	Vars        map[string]any     `json:"vars,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	EndedAt     time.Time          `json:"ended_at"`
	Error       string             `json:"error,omitempty"`
}

// Succeeded reports whether the run reached its goal.
func (r *RunResult) Succeeded() bool {
	return r.Status == RunCompleted
}
