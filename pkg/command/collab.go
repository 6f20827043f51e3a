package command

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"clipsync/pkg/protocol"
)

// Notification actions pushed to the sessions of affected users.
const (
	ActionResourceShared   = "resource_shared"
	ActionResourceUnshared = "resource_unshared"
)

// notifyPriority keeps share notifications behind interactive traffic.
const notifyPriority = 5

// Notifier fans a notification out to every session of a user. The session
// manager satisfies this.
type Notifier interface {
	BroadcastToUser(userID string, msg *protocol.Message, priority int) int
}

// ChannelSubs manages a session's channel membership. The delta broadcaster
// satisfies this; nil disables the join and leave verbs.
type ChannelSubs interface {
	Subscribe(ctx context.Context, channel, sessionID string) error
	Unsubscribe(channel, sessionID string)
}

// CollabHandler serves the collab action: sharing resources with other users
// and joining or leaving their delta channels.
type CollabHandler struct {
	notify Notifier
	subs   ChannelSubs
	log    *zap.Logger
}

func NewCollabHandler(notify Notifier, subs ChannelSubs, log *zap.Logger) *CollabHandler {
	if log == nil {
		log = zap.L()
	}
	return &CollabHandler{notify: notify, subs: subs, log: log}
}

func (c *CollabHandler) Name() string { return "collab" }

func (c *CollabHandler) CheckPermissions(cmd Command) bool {
	return cmd.UserID != "" && cmd.Has(PermShare)
}

func (c *CollabHandler) Validate(cmd Command) error {
	p, err := DecodeCollab(cmd.Raw)
	if err != nil {
		return decodeErr(cmd.Action, err)
	}
	switch p.Verb {
	case "share", "unshare", "join", "leave":
	default:
		return fmt.Errorf("unknown collab verb %q", p.Verb)
	}
	if p.Verb == "share" && len(p.TargetUsers) == 0 {
		return fmt.Errorf("collab share requires target_users")
	}
	return nil
}

func (c *CollabHandler) Process(ctx context.Context, cmd Command) Result {
	p, _ := DecodeCollab(cmd.Raw)
	switch p.Verb {
	case "join", "leave":
		return c.processMembership(ctx, cmd, p)
	}
	action := ActionResourceShared
	if p.Verb == "unshare" {
		action = ActionResourceUnshared
	}
	notified := 0
	for _, user := range p.TargetUsers {
		if user == cmd.UserID {
			continue
		}
		note := protocol.NewNotification(action, map[string]any{
			"resource": p.Resource,
			"from":     cmd.UserID,
		})
		if n := c.notify.BroadcastToUser(user, note, notifyPriority); n > 0 {
			notified++
		} else {
			c.log.Debug("collab notification dropped, no sessions",
				zap.String("user_id", user), zap.String("resource", p.Resource))
		}
	}
	return Success(map[string]any{
		"resource": p.Resource,
		"verb":     p.Verb,
		"notified": notified,
	})
}

// processMembership joins or leaves the delta channel named by the resource.
func (c *CollabHandler) processMembership(ctx context.Context, cmd Command, p CollabPayload) Result {
	if c.subs == nil {
		return Errorf("channel membership is not available")
	}
	if cmd.SessionID == "" {
		return Errorf("collab %s requires a session", p.Verb)
	}
	if p.Verb == "leave" {
		c.subs.Unsubscribe(p.Resource, cmd.SessionID)
		return Success(map[string]any{"resource": p.Resource, "verb": p.Verb, "member": false})
	}
	if err := c.subs.Subscribe(ctx, p.Resource, cmd.SessionID); err != nil {
		return Errorf("join %s: %v", p.Resource, err)
	}
	return Success(map[string]any{"resource": p.Resource, "verb": p.Verb, "member": true})
}
