package discord

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/jholhewres/mkvbot/pkg/mkvbot/channels"
)

const (
	// Discord allows 5 action rows of 5 buttons per message.
	maxRows       = 5
	maxRowButtons = 5

	// maxSelectOptions is the option limit of a select menu.
	maxSelectOptions = 25

	maxLabel = 80
)

// componentEntry is the callback behind a custom_id.
type componentEntry struct {
	data         string
	allowedUser  string
	registeredAt time.Time
}

// ComponentRegistry maps the custom_id of sent buttons to their callback
// data. Entries are scoped to one user and expire after ttl.
type ComponentRegistry struct {
	mu         sync.RWMutex
	components map[string]componentEntry
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// NewComponentRegistry creates a registry and starts background TTL cleanup.
func NewComponentRegistry(ttl time.Duration, logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ComponentRegistry{
		components: make(map[string]componentEntry),
		ttl:        ttl,
		now:        time.Now,
		logger:     logger.With("component", "discord_components"),
		stopCh:     make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Register stores data for userID and returns the custom_id to send.
func (r *ComponentRegistry) Register(userID, data string) string {
	id := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[id] = componentEntry{data: data, allowedUser: userID, registeredAt: r.now()}
	return id
}

// Resolve returns the callback data of a custom_id pressed by userID.
// Unknown, expired or foreign components resolve to false.
func (r *ComponentRegistry) Resolve(customID, userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.components[customID]
	if !ok || r.expired(e) {
		return "", false
	}
	if e.allowedUser != "" && e.allowedUser != userID {
		return "", false
	}
	return e.data, true
}

// Len returns the number of registered components.
func (r *ComponentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.components)
}

func (r *ComponentRegistry) expired(e componentEntry) bool {
	return r.ttl > 0 && r.now().Sub(e.registeredAt) > r.ttl
}

func (r *ComponentRegistry) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.cleanupExpired()
		}
	}
}

func (r *ComponentRegistry) cleanupExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for id, e := range r.components {
		if r.expired(e) {
			delete(r.components, id)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("cleaned up expired components", "count", n)
	}
}

// Stop halts the cleanup loop.
func (r *ComponentRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// buildComponents lays out button rows within Discord's limits. Rows wider
// than 5 are wrapped; when more than 5 rows would be needed, the first 4
// rows hold buttons and the rest go into a select menu.
func (r *ComponentRegistry) buildComponents(userID string, rows [][]channels.Button) []discordgo.MessageComponent {
	var wrapped [][]channels.Button
	for _, row := range rows {
		for len(row) > maxRowButtons {
			wrapped = append(wrapped, row[:maxRowButtons])
			row = row[maxRowButtons:]
		}
		if len(row) > 0 {
			wrapped = append(wrapped, row)
		}
	}

	var overflow []channels.Button
	if len(wrapped) > maxRows {
		for _, row := range wrapped[maxRows-1:] {
			overflow = append(overflow, row...)
		}
		wrapped = wrapped[:maxRows-1]
	}

	components := make([]discordgo.MessageComponent, 0, len(wrapped)+1)
	for _, row := range wrapped {
		buttons := make([]discordgo.MessageComponent, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, discordgo.Button{
				Label:    truncate(b.Text, maxLabel),
				Style:    buttonStyle(b.Data),
				CustomID: r.Register(userID, b.Data),
			})
		}
		components = append(components, discordgo.ActionsRow{Components: buttons})
	}

	if len(overflow) > 0 {
		if len(overflow) > maxSelectOptions {
			overflow = overflow[:maxSelectOptions]
		}
		options := make([]discordgo.SelectMenuOption, 0, len(overflow))
		for _, b := range overflow {
			options = append(options, discordgo.SelectMenuOption{
				Label: truncate(b.Text, 100),
				Value: r.Register(userID, b.Data),
			})
		}
		components = append(components, discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				MenuType:    discordgo.StringSelectMenu,
				CustomID:    r.Register(userID, ""),
				Placeholder: "More options…",
				Options:     options,
			},
		}})
	}
	return components
}

func buttonStyle(data string) discordgo.ButtonStyle {
	switch data {
	case "cancel":
		return discordgo.DangerButton
	case "go":
		return discordgo.SuccessButton
	case "back":
		return discordgo.SecondaryButton
	}
	return discordgo.PrimaryButton
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
