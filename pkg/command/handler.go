package command

import "context"

// Handler processes one command action. The router calls the three methods in
// order and stops at the first failure: CheckPermissions yields UNAUTHORIZED,
// Validate yields ERROR, Process yields the final result.
type Handler interface {
	// Name is the action this handler serves.
	Name() string
	// CheckPermissions reports whether the caller may run the command at
	// all. Runs before Validate so payload contents leak nothing to callers
	// without access.
	CheckPermissions(cmd Command) bool
	// Validate checks the payload shape without side effects.
	Validate(cmd Command) error
	// Process executes the command.
	Process(ctx context.Context, cmd Command) Result
}
