package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/crewdesk/internal/agent"
	"github.com/basket/crewdesk/internal/bus"
	"github.com/basket/crewdesk/internal/persistence"
)

// Sender sends one text message to a chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// NotificationStore is the persistence a deliverer needs.
type NotificationStore interface {
	ListNotifications(ctx context.Context, agentID string, pendingOnly bool, limit int) ([]persistence.Notification, error)
	MarkDelivered(ctx context.Context, ids []string) (int64, error)
}

// Directory maps agent names to ids and back.
type Directory interface {
	Resolve(ref string) (agent.Profile, bool)
	Get(id string) (agent.Profile, bool)
}

type TelegramConfig struct {
	// Token is used to build a bot sender when Sender is nil.
	Token string
	// Chats maps agent names to the Telegram chat that receives their
	// notifications.
	Chats     map[string]int64
	Store     NotificationStore
	Agents    Directory
	Bus       *bus.Bus
	Sender    Sender
	Logger    *slog.Logger
	Interval  time.Duration
	BatchSize int
}

// TelegramDeliverer forwards pending notifications to each agent's chat
// and marks them delivered once Telegram accepts them. A failed send leaves
// the notification pending for the next pass.
type TelegramDeliverer struct {
	token    string
	chats    map[string]int64
	store    NotificationStore
	agents   Directory
	bus      *bus.Bus
	sender   Sender
	logger   *slog.Logger
	interval time.Duration
	batch    int

	passMu sync.Mutex
}

func NewTelegramDeliverer(cfg TelegramConfig) *TelegramDeliverer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &TelegramDeliverer{
		token:    cfg.Token,
		chats:    map[string]int64{},
		store:    cfg.Store,
		agents:   cfg.Agents,
		bus:      cfg.Bus,
		sender:   cfg.Sender,
		logger:   logger.With("component", "telegram"),
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
	for name, chat := range cfg.Chats {
		d.chats[strings.ToLower(strings.TrimSpace(name))] = chat
	}
	if d.interval <= 0 {
		d.interval = 5 * time.Second
	}
	if d.batch <= 0 {
		d.batch = 50
	}
	return d
}

func (d *TelegramDeliverer) Name() string {
	return "telegram"
}

// Start delivers on every interval and whenever a notification is created.
func (d *TelegramDeliverer) Start(ctx context.Context) error {
	if d.sender == nil {
		bot, err := tgbotapi.NewBotAPI(d.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		d.logger.Info("telegram bot started", "user", bot.Self.UserName, "chats", len(d.chats))
		d.sender = botSender{bot: bot}
	}

	var wake <-chan bus.Event
	if d.bus != nil {
		sub := d.bus.Subscribe(bus.TopicNotificationCreated)
		defer d.bus.Unsubscribe(sub)
		wake = sub.Ch()
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		if _, err := d.DeliverPending(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("telegram delivery pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// DeliverPending sends every pending notification for agents with a
// configured chat and returns how many were delivered.
func (d *TelegramDeliverer) DeliverPending(ctx context.Context) (int, error) {
	d.passMu.Lock()
	defer d.passMu.Unlock()
	if d.sender == nil {
		return 0, fmt.Errorf("telegram sender not started")
	}

	names := make([]string, 0, len(d.chats))
	for name := range d.chats {
		names = append(names, name)
	}
	sort.Strings(names)

	delivered := 0
	var firstErr error
	for _, name := range names {
		profile, ok := d.agents.Resolve(name)
		if !ok {
			d.logger.Debug("telegram chat configured for unknown agent", "agent", name)
			continue
		}
		n, err := d.deliverFor(ctx, profile, d.chats[name])
		delivered += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
	}
	return delivered, firstErr
}

func (d *TelegramDeliverer) deliverFor(ctx context.Context, profile agent.Profile, chatID int64) (int, error) {
	pending, err := d.store.ListNotifications(ctx, profile.ID, true, d.batch)
	if err != nil {
		return 0, err
	}
	var sent []string
	var sendErr error
	for _, n := range pending {
		if err := d.sender.Send(ctx, chatID, d.format(n)); err != nil {
			// Keep order: later notifications wait for this one.
			sendErr = err
			d.logger.Warn("telegram send failed", "agent_id", profile.ID, "notification_id", n.ID, "error", err)
			break
		}
		sent = append(sent, n.ID)
	}
	if len(sent) > 0 {
		if _, err := d.store.MarkDelivered(ctx, sent); err != nil {
			return 0, err
		}
		d.logger.Debug("telegram notifications delivered", "agent_id", profile.ID, "count", len(sent))
	}
	return len(sent), sendErr
}

func (d *TelegramDeliverer) format(n persistence.Notification) string {
	from := n.SourceAgentID
	if p, ok := d.agents.Get(n.SourceAgentID); ok {
		from = p.Name
	}
	if from == "" {
		from = "system"
	}
	return fmt.Sprintf("[%s] %s: %s", shortID(n.TaskID), from, n.Content)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type botSender struct {
	bot *tgbotapi.BotAPI
}

func (b botSender) Send(_ context.Context, chatID int64, text string) error {
	_, err := b.bot.Send(tgbotapi.NewMessage(chatID, text))
	return err
}
