// Package tasktree implements the planner's typed DAG of plan nodes: a
// structural merge from planner JSON that preserves node identity, and
// status propagation (DONE is terminal, FAILED bubbles BLOCKED to ancestors).
package tasktree

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Status is one of the canonical task states. Unknown values normalize to
// StatusPending.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusReady      Status = "READY"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusBlocked    Status = "BLOCKED"
)

func normalizeStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPending, StatusReady, StatusInProgress, StatusDone, StatusFailed, StatusBlocked:
		return Status(strings.ToUpper(strings.TrimSpace(s)))
	default:
		return StatusPending
	}
}

// Node is one task in the tree. Children is ordered; ordering from the most
// recent merge wins.
type Node struct {
	ID            string   `json:"id"`
	Description   string   `json:"description,omitempty"`
	Status        Status   `json:"status"`
	Children      []string `json:"children,omitempty"`
	ResultSummary string   `json:"result_summary,omitempty"`
	parent        string
}

// Update is a possibly-partial planner-emitted patch to a node.
type Update struct {
	ID          string   `json:"id"`
	Description *string  `json:"description,omitempty"`
	Status      *string  `json:"status,omitempty"`
	Children    []string `json:"children,omitempty"`
}

// Tree is the per-request task DAG. Created empty per request, mutated only
// through Merge, and discarded at request end.
type Tree struct {
	mu     sync.Mutex
	RootID string
	Nodes  map[string]*Node
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{Nodes: make(map[string]*Node)}
}

// Merge applies a JSON-encoded planner update: {id, description?, status?,
// children?}, or {tree_update: {...}} wrapping the same shape. Referenced
// ids are patched in place when already present; otherwise created. After
// merging, status propagation runs: FAILED marks every non-DONE ancestor
// BLOCKED.
func (t *Tree) Merge(rawJSON []byte) error {
	if len(strings.TrimSpace(string(rawJSON))) == 0 {
		return nil
	}
	var payload struct {
		TreeUpdate json.RawMessage `json:"tree_update"`
	}
	body := rawJSON
	if err := json.Unmarshal(rawJSON, &payload); err == nil && len(payload.TreeUpdate) > 0 {
		body = payload.TreeUpdate
	}

	var updates []Update
	var single Update
	if err := json.Unmarshal(body, &single); err == nil && single.ID != "" {
		updates = []Update{single}
	} else if err := json.Unmarshal(body, &updates); err != nil {
		return fmt.Errorf("tasktree: invalid update: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range updates {
		t.applyUpdate(u)
	}
	t.propagateFailuresLocked()
	return nil
}

func (t *Tree) applyUpdate(u Update) {
	if u.ID == "" {
		return
	}
	n, exists := t.Nodes[u.ID]
	if !exists {
		n = &Node{ID: u.ID, Status: StatusPending}
		t.Nodes[u.ID] = n
		if t.RootID == "" {
			t.RootID = u.ID
		}
	}
	if n.Status == StatusDone && u.Status != nil && normalizeStatus(*u.Status) != StatusDone {
		// P4: DONE is terminal. Ignore the attempted regression.
	} else if u.Status != nil {
		n.Status = normalizeStatus(*u.Status)
	}
	if u.Description != nil {
		n.Description = *u.Description
	}
	if u.Children != nil {
		n.Children = u.Children
		for _, childID := range u.Children {
			if _, ok := t.Nodes[childID]; !ok {
				t.Nodes[childID] = &Node{ID: childID, Status: StatusPending}
			}
			t.Nodes[childID].parent = u.ID
		}
	}
}

func (t *Tree) propagateFailuresLocked() {
	for id, n := range t.Nodes {
		if n.Status != StatusFailed {
			continue
		}
		parent := t.Nodes[id].parent
		seen := map[string]bool{id: true}
		for parent != "" && !seen[parent] {
			seen[parent] = true
			p := t.Nodes[parent]
			if p == nil {
				break
			}
			if p.Status != StatusDone {
				p.Status = StatusBlocked
			}
			parent = p.parent
		}
	}
}

// Status returns the current status of id, or "" if unknown.
func (t *Tree) Status(id string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.Nodes[id]; ok {
		return n.Status
	}
	return ""
}

// SetStatus sets id's status directly (e.g. from tool-driven completion)
// and re-runs propagation. DONE cannot be overwritten (P4).
func (t *Tree) SetStatus(id string, s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.Nodes[id]
	if !ok {
		return
	}
	if n.Status == StatusDone && s != StatusDone {
		return
	}
	n.Status = s
	t.propagateFailuresLocked()
}

// Render renders the tree as an indented outline, root first, for prompt
// injection into the planner's transcript summary.
func (t *Tree) Render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RootID == "" {
		return ""
	}
	var sb strings.Builder
	var walk func(id string, depth int)
	visited := map[string]bool{}
	walk = func(id string, depth int) {
		if visited[id] {
			return
		}
		visited[id] = true
		n := t.Nodes[id]
		if n == nil {
			return
		}
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", n.Status, n.ID, n.Description))
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(t.RootID, 0)
	return sb.String()
}

// ToJSON serializes the whole tree, for background-job persistence and
// post-mortem capture.
func (t *Tree) ToJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.Marshal(struct {
		RootID string           `json:"root_id"`
		Nodes  map[string]*Node `json:"nodes"`
	}{t.RootID, t.Nodes})
}

// RootDone reports whether the root node has reached DONE, used by the
// reasoning loop to set force_stop after turn 0.
func (t *Tree) RootDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.RootID == "" {
		return false
	}
	n := t.Nodes[t.RootID]
	return n != nil && n.Status == StatusDone
}
