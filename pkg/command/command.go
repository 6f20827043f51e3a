// Package command routes inbound requests to named handlers. Dispatch is a
// fixed pipeline: permission check, payload validation, processing. Payloads
// are decoded into typed structs at the boundary so handlers never poke at
// raw maps.
package command

import (
	"errors"
	"fmt"

	"clipsync/pkg/protocol"
)

// Command is one request after envelope decoding, annotated with the caller's
// identity and permissions resolved from the session.
type Command struct {
	ID          string
	Action      string
	UserID      string
	SessionID   string
	Timestamp   int64
	Permissions []string
	Raw         map[string]any
}

// FromMessage builds a Command from a decoded request envelope.
func FromMessage(msg *protocol.Message, userID string, perms []string) Command {
	return Command{
		ID:          msg.ID,
		Action:      msg.Action,
		UserID:      userID,
		SessionID:   msg.SessionID,
		Timestamp:   msg.Timestamp,
		Permissions: perms,
		Raw:         msg.Data,
	}
}

// Has reports whether the command carries the named permission.
func (c Command) Has(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// EditPayload is the typed body of an edit command: one operation applied to
// one timeline target.
type EditPayload struct {
	Target    string         `json:"target"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params,omitempty"`
}

// DecodeEdit validates and extracts an edit payload from raw command data.
func DecodeEdit(raw map[string]any) (EditPayload, error) {
	var p EditPayload
	p.Target, _ = raw["target"].(string)
	p.Operation, _ = raw["operation"].(string)
	p.Params, _ = raw["params"].(map[string]any)
	if p.Target == "" {
		return p, errors.New("edit: target is required")
	}
	if p.Operation == "" {
		return p, errors.New("edit: operation is required")
	}
	return p, nil
}

// CollabPayload is the typed body of a collab command.
type CollabPayload struct {
	Verb        string   `json:"verb"`
	Resource    string   `json:"resource"`
	TargetUsers []string `json:"target_users,omitempty"`
}

// DecodeCollab validates and extracts a collab payload from raw command data.
func DecodeCollab(raw map[string]any) (CollabPayload, error) {
	var p CollabPayload
	p.Verb, _ = raw["verb"].(string)
	p.Resource, _ = raw["resource"].(string)
	if users, ok := raw["target_users"].([]any); ok {
		for _, u := range users {
			if s, ok := u.(string); ok && s != "" {
				p.TargetUsers = append(p.TargetUsers, s)
			}
		}
	}
	if p.Verb == "" {
		return p, errors.New("collab: verb is required")
	}
	if p.Resource == "" {
		return p, errors.New("collab: resource is required")
	}
	return p, nil
}

// UndoPayload is the typed body of an undo command. Redo walks the cursor
// forward instead of back; Clear discards the whole history for the context.
type UndoPayload struct {
	Context string `json:"context"`
	Redo    bool   `json:"redo,omitempty"`
	Clear   bool   `json:"clear,omitempty"`
}

// DecodeUndo validates and extracts an undo payload from raw command data.
func DecodeUndo(raw map[string]any) (UndoPayload, error) {
	var p UndoPayload
	p.Context, _ = raw["context"].(string)
	p.Redo, _ = raw["redo"].(bool)
	p.Clear, _ = raw["clear"].(bool)
	if p.Context == "" {
		return p, errors.New("undo: context is required")
	}
	if p.Redo && p.Clear {
		return p, errors.New("undo: redo and clear are mutually exclusive")
	}
	return p, nil
}

// decodeErr normalizes payload decoding failures for Validate implementations.
func decodeErr(action string, err error) error {
	return fmt.Errorf("invalid %s payload: %w", action, err)
}
