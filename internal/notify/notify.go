// Package notify turns task events into per-agent notifications. Rows are
// written inside the caller's transaction so a notification exists exactly
// when the transition or message that caused it does.
package notify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/persistence"
)

var mentionPattern = regexp.MustCompile(`(?:^|[^A-Za-z0-9_@.])@([A-Za-z0-9][A-Za-z0-9_-]*)`)

// ParseMentions returns the distinct @names in content, in order of first
// appearance. Matching is case-insensitive; the first spelling is kept.
// Email addresses are not mentions.
func ParseMentions(content string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		key := strings.ToLower(m[1])
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m[1])
	}
	return out
}

type Fanout struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger
}

func New(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{store: store, bus: b, logger: logger}
}

// NotifyTx creates an undelivered notification for every subscriber of
// taskID except exclude.
func (f *Fanout) NotifyTx(ctx context.Context, tx *persistence.Tx, taskID, content, source, exclude string) ([]persistence.Notification, error) {
	subs, err := tx.Subscribers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	var out []persistence.Notification
	for _, agentID := range subs {
		if agentID == exclude {
			continue
		}
		n := persistence.Notification{TargetAgentID: agentID, SourceAgentID: source, TaskID: taskID, Content: content}
		if err := tx.InsertNotification(ctx, &n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// MessageTx fans a new message out. Mentioned agents are subscribed to the
// thread and notified even if they had never seen it; the remaining
// subscribers get one notification each. The author is never notified.
func (f *Fanout) MessageTx(ctx context.Context, tx *persistence.Tx, taskID, content, author string, mentionIDs []string) ([]persistence.Notification, error) {
	subs, err := tx.Subscribers(ctx, taskID)
	if err != nil {
		return nil, err
	}
	notified := map[string]bool{author: true}
	var out []persistence.Notification
	emit := func(agentID string) error {
		if notified[agentID] {
			return nil
		}
		notified[agentID] = true
		n := persistence.Notification{TargetAgentID: agentID, SourceAgentID: author, TaskID: taskID, Content: content}
		if err := tx.InsertNotification(ctx, &n); err != nil {
			return err
		}
		out = append(out, n)
		return nil
	}
	for _, id := range mentionIDs {
		if id == author {
			continue
		}
		if _, err := tx.Subscribe(ctx, id, taskID); err != nil {
			return nil, err
		}
		if err := emit(id); err != nil {
			return nil, err
		}
	}
	for _, id := range subs {
		if err := emit(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Notify is NotifyTx in its own transaction, announced on commit.
func (f *Fanout) Notify(ctx context.Context, taskID, content, source, exclude string) ([]persistence.Notification, error) {
	var out []persistence.Notification
	err := f.store.WithTx(ctx, func(tx *persistence.Tx) error {
		var err error
		out, err = f.NotifyTx(ctx, tx, taskID, content, source, exclude)
		return err
	})
	if err != nil {
		return nil, err
	}
	f.Announce(out)
	return out, nil
}

// Announce publishes committed notifications on the bus.
func (f *Fanout) Announce(ns []persistence.Notification) {
	for _, n := range ns {
		f.bus.Publish(bus.TopicNotificationCreated, bus.NotificationEvent{
			NotificationID: n.ID,
			TargetAgentID:  n.TargetAgentID,
			TaskID:         n.TaskID,
		})
	}
}

// Pending returns undelivered notifications, oldest first. An empty agentID
// returns them for every agent.
func (f *Fanout) Pending(ctx context.Context, agentID string, limit int) ([]persistence.Notification, error) {
	return f.store.ListNotifications(ctx, agentID, true, limit)
}

// MarkDelivered flags notifications as delivered. Already delivered ids are
// left alone, so redelivery is harmless.
func (f *Fanout) MarkDelivered(ctx context.Context, ids []string) (int64, error) {
	n, err := f.store.MarkDelivered(ctx, ids)
	if err != nil {
		return 0, err
	}
	f.logger.Debug("notifications delivered", "count", n)
	return n, nil
}
