package ot

import (
	"go.uber.org/zap"
)

// Resolver transforms incoming operations against a channel's state and
// merges them. A Resolver is stateless; all history lives in the State the
// caller passes in, so one Resolver serves every channel.
type Resolver struct {
	log *zap.Logger
}

func NewResolver(log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.L()
	}
	return &Resolver{log: log}
}

// Resolve rewrites ops so they can be applied after everything already in
// state. Redelivered operations (ids already merged) and invalid operations
// are dropped. Each operation is transformed, in merge order, against every
// merged operation its submitter had not seen, meaning every merged operation
// newer than the incoming operation's BaseVersion.
func (r *Resolver) Resolve(state *State, ops []Operation) []Operation {
	state.rebuildIndex()
	out := make([]Operation, 0, len(ops))
	for _, op := range ops {
		if state.Seen(op.ID) {
			continue
		}
		if !op.Type.Valid() || op.noop() {
			r.log.Debug("dropping invalid operation", zap.Stringer("op", op))
			continue
		}
		keep := true
		for _, applied := range state.Ops {
			if applied.Timestamp <= op.BaseVersion {
				continue
			}
			op, keep = transformAgainst(op, applied)
			if !keep {
				break
			}
		}
		if !keep || op.noop() {
			r.log.Debug("operation cancelled by transformation", zap.Stringer("op", op))
			continue
		}
		out = append(out, op)
	}
	return out
}

// Merge appends resolved ops to the state and advances Version to the newest
// merged timestamp. Merge is the only writer of Version. Operations with a
// non-positive effect and redelivered ids are skipped.
func (r *Resolver) Merge(state *State, ops []Operation) {
	state.rebuildIndex()
	for _, op := range ops {
		if state.Seen(op.ID) || op.noop() {
			continue
		}
		state.Ops = append(state.Ops, op)
		state.applied[op.ID] = struct{}{}
		if op.Timestamp > state.Version {
			state.Version = op.Timestamp
		}
	}
}
