package command

import (
	"context"
	"sync"
)

// Entry is one recorded edit that Undo can revert.
type Entry struct {
	Action string
	Data   map[string]any
	At     int64
}

// History keeps bounded undo stacks keyed by user and context. Each stack has
// a cursor: entries below it are applied, entries above it form the redo
// tail. Recording a new entry truncates the redo tail.
type History struct {
	mu     sync.Mutex
	depth  int
	stacks map[string]*undoStack
}

type undoStack struct {
	entries []Entry
	cursor  int
}

func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = 100
	}
	return &History{depth: depth, stacks: make(map[string]*undoStack)}
}

func stackKey(user, context string) string { return user + "\x00" + context }

// Record appends an applied edit, truncating any redo tail and dropping the
// oldest entry once the stack exceeds its depth.
func (h *History) Record(user, context string, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := stackKey(user, context)
	st := h.stacks[key]
	if st == nil {
		st = &undoStack{}
		h.stacks[key] = st
	}
	st.entries = append(st.entries[:st.cursor], e)
	if len(st.entries) > h.depth {
		st.entries = st.entries[len(st.entries)-h.depth:]
	}
	st.cursor = len(st.entries)
}

// Undo steps the cursor back and returns the entry to revert.
func (h *History) Undo(user, context string) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stacks[stackKey(user, context)]
	if st == nil || st.cursor == 0 {
		return Entry{}, false
	}
	st.cursor--
	return st.entries[st.cursor], true
}

// Redo re-applies the entry above the cursor, if any.
func (h *History) Redo(user, context string) (Entry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stacks[stackKey(user, context)]
	if st == nil || st.cursor == len(st.entries) {
		return Entry{}, false
	}
	e := st.entries[st.cursor]
	st.cursor++
	return e, true
}

// Clear discards the history for user/context.
func (h *History) Clear(user, context string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.stacks, stackKey(user, context))
}

// Depth reports how many entries are currently undoable for user/context.
func (h *History) Depth(user, context string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.stacks[stackKey(user, context)]
	if st == nil {
		return 0
	}
	return st.cursor
}

// UndoHandler serves the undo action against a shared History.
type UndoHandler struct {
	hist *History
}

func NewUndoHandler(hist *History) *UndoHandler { return &UndoHandler{hist: hist} }

func (u *UndoHandler) Name() string { return "undo" }

func (u *UndoHandler) CheckPermissions(cmd Command) bool {
	return cmd.UserID != "" && cmd.Has(PermEdit)
}

func (u *UndoHandler) Validate(cmd Command) error {
	if _, err := DecodeUndo(cmd.Raw); err != nil {
		return decodeErr(cmd.Action, err)
	}
	return nil
}

func (u *UndoHandler) Process(_ context.Context, cmd Command) Result {
	p, _ := DecodeUndo(cmd.Raw)
	if p.Clear {
		u.hist.Clear(cmd.UserID, p.Context)
		return Success(map[string]any{"cleared": true, "remaining": 0})
	}
	var (
		e  Entry
		ok bool
	)
	if p.Redo {
		e, ok = u.hist.Redo(cmd.UserID, p.Context)
	} else {
		e, ok = u.hist.Undo(cmd.UserID, p.Context)
	}
	if !ok {
		if p.Redo {
			return Errorf("nothing to redo in %q", p.Context)
		}
		return Errorf("nothing to undo in %q", p.Context)
	}
	return Success(map[string]any{
		"reverted_action": e.Action,
		"reverted_data":   e.Data,
		"remaining":       u.hist.Depth(cmd.UserID, p.Context),
	})
}
