// Package ot implements operational transformation for concurrent edits on a
// shared document or timeline. Operations are ordered by their timestamp,
// which acts as the channel's logical clock; transformation rewrites a late
// operation so its effect survives the operations applied before it.
package ot

import "fmt"

// OpType enumerates the operations the resolver understands. The first three
// act on text-like sequences; the rest act on named timeline targets.
type OpType string

const (
	OpInsert       OpType = "insert"
	OpDelete       OpType = "delete"
	OpUpdate       OpType = "update"
	OpMove         OpType = "move"
	OpSplit        OpType = "split"
	OpMerge        OpType = "merge"
	OpApplyEffect  OpType = "apply_effect"
	OpAdjustTiming OpType = "adjust_timing"
)

// sequential reports whether the type positions into a sequence (and thus
// participates in positional transformation).
func (t OpType) sequential() bool {
	return t == OpInsert || t == OpDelete
}

// targeted reports whether the type acts on a named target with
// last-writer-wins semantics.
func (t OpType) targeted() bool {
	switch t {
	case OpUpdate, OpMove, OpSplit, OpMerge, OpApplyEffect, OpAdjustTiming:
		return true
	}
	return false
}

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool { return t.sequential() || t.targeted() }

// Operation is one atomic change. Position and Length are in sequence
// elements; Content is inserted text; Target and Value carry targeted
// operations. BaseVersion is the channel version the operation was submitted
// against: every merged operation newer than it is unseen by the submitter
// and must be transformed against. A zero BaseVersion claims no prior
// knowledge.
type Operation struct {
	ID          string         `json:"id"`
	Type        OpType         `json:"type"`
	Timestamp   int64          `json:"timestamp"`
	BaseVersion int64          `json:"base_version,omitempty"`
	Position    int            `json:"position,omitempty"`
	Length      int            `json:"length,omitempty"`
	Content     string         `json:"content,omitempty"`
	Target      string         `json:"target,omitempty"`
	Value       map[string]any `json:"value,omitempty"`
}

func (o Operation) String() string {
	if o.Type.sequential() {
		return fmt.Sprintf("%s@%d(pos=%d,len=%d)", o.Type, o.Timestamp, o.Position, o.Length)
	}
	return fmt.Sprintf("%s@%d(target=%s)", o.Type, o.Timestamp, o.Target)
}

// noop reports whether the operation no longer has any effect.
func (o Operation) noop() bool {
	switch o.Type {
	case OpInsert:
		return o.Content == ""
	case OpDelete:
		return o.Length <= 0
	}
	return false
}

// State is the resolved history of one channel. Version is the timestamp of
// the newest merged operation; Ops holds merged operations in apply order.
type State struct {
	Version int64       `json:"version"`
	Ops     []Operation `json:"ops"`

	applied map[string]struct{}
}

func NewState() *State {
	return &State{applied: make(map[string]struct{})}
}

// Seen reports whether an operation id has already been merged. Used to make
// redelivery idempotent.
func (s *State) Seen(id string) bool {
	_, ok := s.applied[id]
	return ok
}

// rebuildIndex restores the applied-id set after deserialization.
func (s *State) rebuildIndex() {
	if s.applied == nil {
		s.applied = make(map[string]struct{}, len(s.Ops))
	}
	for _, op := range s.Ops {
		s.applied[op.ID] = struct{}{}
	}
}

// ApplyToText applies a sequential operation to text, clamping positions to
// the valid range.
func ApplyToText(text string, op Operation) string {
	pos := op.Position
	if pos < 0 {
		pos = 0
	}
	if pos > len(text) {
		pos = len(text)
	}
	switch op.Type {
	case OpInsert:
		return text[:pos] + op.Content + text[pos:]
	case OpDelete:
		end := pos + op.Length
		if end > len(text) {
			end = len(text)
		}
		return text[:pos] + text[end:]
	}
	return text
}
