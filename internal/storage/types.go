package storage

import (
	"errors"
	"time"

	"rulekeeper/internal/callback"
)

var (
	ErrDisabled   = errors.New("storage disabled")
	ErrNotFound   = errors.New("storage: not found")
	ErrNotRunning = errors.New("storage: execution is not running")
	ErrDuplicate  = errors.New("storage: rule name already exists")
)

// Config configures storage.
//
// Driver values: "sqlite" (default), "postgres", "memory".
// If Driver is "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string        // sqlite file
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailure }

// Rule is a scheduled unit of work.
type Rule struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Schedule            string         `json:"schedule"`
	IsActive            bool           `json:"is_active"`
	Payload             map[string]any `json:"payload"`
	ExecutionScriptPath string         `json:"execution_script_path"`
	OnSuccess           *callback.Spec `json:"on_success,omitempty"`
	OnFailure           *callback.Spec `json:"on_failure,omitempty"`
	NextRunAt           time.Time      `json:"next_run_at"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	// LoadError is set when the stored payload could not be decoded. The
	// rule still runs through a tick, where it fails without calling the handler.
	LoadError string `json:"load_error,omitempty"`
}

// Execution is one attempt to run a rule.
type Execution struct {
	ID           string    `json:"id"`
	RuleID       string    `json:"rule_id"`
	Status       Status    `json:"status"`
	ExecutedAt   time.Time `json:"executed_at"`
	LogSummary   string    `json:"log_summary,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var errTxDone = errors.New("storage: transaction already finished")
