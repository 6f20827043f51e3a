package ot

// transformAgainst rewrites op so its intent survives applied, an operation
// that reached the channel state first. The second return is false when op is
// cancelled outright.
func transformAgainst(op, applied Operation) (Operation, bool) {
	switch {
	case op.Type.sequential() && applied.Type.sequential():
		return transformSequential(op, applied)
	case op.Type.targeted() && applied.Type.targeted():
		// Targeted operations only interact on the same target; the newer
		// write wins, with the id breaking timestamp ties.
		if op.Target != "" && op.Target == applied.Target {
			if applied.Timestamp > op.Timestamp ||
				(applied.Timestamp == op.Timestamp && applied.ID > op.ID) {
				return op, false
			}
		}
		return op, true
	default:
		// Sequence edits and targeted edits never interact.
		return op, true
	}
}

func transformSequential(op, applied Operation) (Operation, bool) {
	switch {
	case op.Type == OpInsert && applied.Type == OpInsert:
		if applied.Position < op.Position ||
			(applied.Position == op.Position && insertWinsTie(applied, op)) {
			op.Position += len(applied.Content)
		}
		return op, true

	case op.Type == OpInsert && applied.Type == OpDelete:
		aEnd := applied.Position + applied.Length
		switch {
		case aEnd <= op.Position:
			op.Position -= applied.Length
		case applied.Position < op.Position:
			// Insertion point was deleted; collapse to the deletion start.
			op.Position = applied.Position
		}
		return op, true

	case op.Type == OpDelete && applied.Type == OpInsert:
		switch {
		case applied.Position <= op.Position:
			op.Position += len(applied.Content)
		case applied.Position < op.Position+op.Length:
			// Text was inserted inside the doomed range; widen to cover it.
			op.Length += len(applied.Content)
		}
		return op, true

	case op.Type == OpDelete && applied.Type == OpDelete:
		aStart, aEnd := applied.Position, applied.Position+applied.Length
		oStart, oEnd := op.Position, op.Position+op.Length
		switch {
		case aEnd <= oStart:
			op.Position -= applied.Length
		case aStart >= oEnd:
			// No overlap, applied range is entirely after.
		default:
			overlap := min(aEnd, oEnd) - max(aStart, oStart)
			op.Length -= overlap
			if aStart < oStart {
				op.Position = aStart
			}
			if op.Length <= 0 {
				return op, false
			}
		}
		return op, true
	}
	return op, true
}

// insertWinsTie breaks position ties between concurrent inserts
// deterministically: the earlier timestamp keeps the left slot, with the
// operation id as the final tiebreaker.
func insertWinsTie(applied, op Operation) bool {
	if applied.Timestamp != op.Timestamp {
		return applied.Timestamp < op.Timestamp
	}
	return applied.ID < op.ID
}
