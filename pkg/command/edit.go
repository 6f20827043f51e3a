package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Permission names carried in session metadata.
const (
	PermEdit  = "edit"
	PermShare = "share"
)

// editOps is the set of timeline operations the edit handler accepts.
var editOps = map[string]struct{}{
	"insert":        {},
	"delete":        {},
	"update":        {},
	"move":          {},
	"split":         {},
	"merge":         {},
	"apply_effect":  {},
	"adjust_timing": {},
}

// DeltaSink receives validated edits for conflict resolution and fan-out.
// The delta broadcaster satisfies this; a nil sink applies edits locally only.
type DeltaSink interface {
	Apply(ctx context.Context, cmd Command, p EditPayload) (map[string]any, error)
}

// EditHandler serves the edit action: it pushes the operation through the
// delta sink and records it in the undo history.
type EditHandler struct {
	sink DeltaSink
	hist *History
	log  *zap.Logger
}

func NewEditHandler(sink DeltaSink, hist *History, log *zap.Logger) *EditHandler {
	if log == nil {
		log = zap.L()
	}
	return &EditHandler{sink: sink, hist: hist, log: log}
}

func (e *EditHandler) Name() string { return "edit" }

func (e *EditHandler) CheckPermissions(cmd Command) bool {
	return cmd.UserID != "" && cmd.Has(PermEdit)
}

func (e *EditHandler) Validate(cmd Command) error {
	p, err := DecodeEdit(cmd.Raw)
	if err != nil {
		return decodeErr(cmd.Action, err)
	}
	if _, ok := editOps[p.Operation]; !ok {
		return fmt.Errorf("unknown edit operation %q", p.Operation)
	}
	return nil
}

func (e *EditHandler) Process(ctx context.Context, cmd Command) Result {
	p, _ := DecodeEdit(cmd.Raw)
	out := map[string]any{"target": p.Target, "operation": p.Operation}
	if e.sink != nil {
		applied, err := e.sink.Apply(ctx, cmd, p)
		if err != nil {
			return Errorf("apply %s on %s: %v", p.Operation, p.Target, err)
		}
		for k, v := range applied {
			out[k] = v
		}
	}
	if e.hist != nil {
		e.hist.Record(cmd.UserID, p.Target, Entry{
			Action: p.Operation,
			Data:   p.Params,
			At:     cmd.Timestamp,
		})
	}
	e.log.Debug("edit applied",
		zap.String("user_id", cmd.UserID),
		zap.String("target", p.Target),
		zap.String("operation", p.Operation))
	return Success(out)
}
