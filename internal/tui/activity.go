package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/crewdesk/internal/bus"
)

// ActivityItem is one agent turn as seen from the event stream: it starts
// when work is assigned and completes with the turn's outcome.
type ActivityItem struct {
	ID        string
	Icon      string
	Message   string
	StartedAt time.Time
	DoneAt    *time.Time
	Cost      float64
}

type ActivityFeed struct {
	mu        sync.Mutex
	items     []ActivityItem
	collapsed bool
	maxItems  int
	now       func() time.Time
}

func NewActivityFeed() *ActivityFeed {
	return &ActivityFeed{maxItems: 10, collapsed: true, now: time.Now}
}

func (f *ActivityFeed) Add(item ActivityItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
	f.collapsed = false // auto-expand
}

// Complete closes the newest open item with this id.
func (f *ActivityFeed) Complete(id, icon string, cost float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	for i := len(f.items) - 1; i >= 0; i-- {
		if f.items[i].ID == id && f.items[i].DoneAt == nil {
			f.items[i].Icon = icon
			f.items[i].DoneAt = &now
			f.items[i].Cost = cost
			return
		}
	}
}

// Observe folds one bus event into the feed.
func (f *ActivityFeed) Observe(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskEvent:
		switch ev.Topic {
		case bus.TopicTaskAssigned:
			f.Add(ActivityItem{
				ID:        p.TaskID,
				Icon:      "⏳",
				Message:   fmt.Sprintf("%s → %s", shortID(p.TaskID), strings.Join(shortIDs(p.AssigneeIDs), ", ")),
				StartedAt: f.now(),
			})
		case bus.TopicTaskEscalated:
			f.Complete(p.TaskID, "⬆", 0)
		case bus.TopicTaskTransitioned:
			switch p.To {
			case "done":
				f.Complete(p.TaskID, "✅", 0)
			case "cancelled":
				f.Complete(p.TaskID, "✖", 0)
			}
		}
	case bus.TurnEvent:
		icon := "✅"
		switch {
		case ev.Topic == bus.TopicTurnDenied:
			icon = "⛔"
		case p.Error != "":
			icon = "❌"
		}
		f.Complete(p.TaskID, icon, p.CostUSD)
	}
}

// Follow feeds the activity stream from b until ctx ends.
func (f *ActivityFeed) Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	go func() {
		defer b.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				f.Observe(ev)
			}
		}
	}()
}

func (f *ActivityFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ActivityFeed) HasActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.DoneAt == nil {
			return true
		}
	}
	return false
}

func (f *ActivityFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ActivityFeed) CleanupOld(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	kept := f.items[:0]
	removed := 0
	for _, it := range f.items {
		if it.DoneAt != nil && now.Sub(*it.DoneAt) >= maxAge {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	f.items = kept
	return removed
}

func (f *ActivityFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	if f.collapsed {
		active := 0
		for _, it := range f.items {
			if it.DoneAt == nil {
				active++
			}
		}
		if active == 0 {
			return ""
		}
		return dim.Render(fmt.Sprintf("── %d turns in flight (a to expand) ──", active)) + "\n"
	}

	itemS := lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	costS := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var out strings.Builder
	out.WriteString(dim.Render("── Activity (a to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s", it.Icon, it.Message)
		if it.DoneAt != nil {
			dur := it.DoneAt.Sub(it.StartedAt).Truncate(100 * time.Millisecond)
			line += fmt.Sprintf(" (%s)", dur)
			if it.Cost > 0 {
				line += costS.Render(fmt.Sprintf(" $%.4f", it.Cost))
			}
		} else {
			line += fmt.Sprintf(" (%s)", f.now().Sub(it.StartedAt).Truncate(time.Second))
		}
		out.WriteString(itemS.Render(line) + "\n")
	}
	return out.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortIDs(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = shortID(id)
	}
	return out
}
