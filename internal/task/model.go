// Package task implements the task DAG engine: flow-typed state machine
// execution with class-gated transitions, race-safe pulls, and an
// append-only transition history.
package task

import (
	"database/sql"
	"strconv"
	"strings"
)

// Task is one tracked unit of work. Status is a stage of the task's flow.
type Task struct {
	ID              int64          `db:"id" json:"id"`
	Title           string         `db:"title" json:"title"`
	TaskFile        string         `db:"task_file" json:"task_file,omitempty"`
	Project         string         `db:"project" json:"project,omitempty"`
	Zone            string         `db:"zone" json:"zone,omitempty"`
	Status          string         `db:"status" json:"status"`
	BlockedBy       string         `db:"blocked_by" json:"-"`
	AssignedTo      sql.NullString `db:"assigned_to" json:"-"`
	CreatedBy       string         `db:"created_by" json:"created_by"`
	Files           string         `db:"files" json:"files,omitempty"`
	Progress        string         `db:"progress" json:"progress,omitempty"`
	ClassRequired   string         `db:"class_required" json:"class_required"`
	FlowType        string         `db:"flow_type" json:"flow_type"`
	ActivityCount   int            `db:"activity_count" json:"activity_count"`
	ResultFile      sql.NullString `db:"result_file" json:"-"`
	RequirementPath string         `db:"requirement_path" json:"requirement_path,omitempty"`
	CreatedAt       string         `db:"created_at" json:"created_at"`
	UpdatedAt       string         `db:"updated_at" json:"updated_at"`
}

// Assignee returns the assigned agent or "".
func (t *Task) Assignee() string {
	if t.AssignedTo.Valid {
		return t.AssignedTo.String
	}
	return ""
}

// Result returns the result file path or "".
func (t *Task) Result() string {
	if t.ResultFile.Valid {
		return t.ResultFile.String
	}
	return ""
}

// BlockedByIDs parses the comma-separated blocker list.
func (t *Task) BlockedByIDs() []int64 {
	if t.BlockedBy == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(t.BlockedBy, ",") {
		if id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// JoinIDs formats a blocker list for storage.
func JoinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}

// HistoryEntry is one audited transition. The history table is the sole
// source of transition truth.
type HistoryEntry struct {
	ID         int64  `db:"id" json:"id"`
	TaskID     int64  `db:"task_id" json:"task_id"`
	FromStatus string `db:"from_status" json:"from"`
	ToStatus   string `db:"to_status" json:"to"`
	Agent      string `db:"agent" json:"agent"`
	Timestamp  string `db:"timestamp" json:"timestamp"`
}

// TransitionResult reports a completed transition.
type TransitionResult struct {
	Task    *Task  `json:"task"`
	From    string `json:"from"`
	To      string `json:"to"`
	Warning string `json:"warning,omitempty"`
}

// Lineage is the full audit view of one task: ordered history plus the
// resolved flow rendered with the current stage marked.
type Lineage struct {
	Task    *Task          `json:"task"`
	History []HistoryEntry `json:"history"`
	Stages  []string       `json:"stages"`
	DAG     string         `json:"dag"`
}
