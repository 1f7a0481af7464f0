// Package command turns the latest inbound notification message into at most
// one on-demand report request, using a persisted cursor so a message is never
// acted on twice.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/couchcryptid/rainwatch/internal/domain"
)

// DefaultKeywords trigger an on-demand report.
var DefaultKeywords = []string{"status", "now", "rain", "dam"}

// Inbox returns the most recent inbound message, if any.
type Inbox interface {
	LatestMessage(ctx context.Context) (domain.InboundMessage, bool, error)
}

// CursorStore persists the last processed update id. Load returns "" when no
// id has been stored yet.
type CursorStore interface {
	LoadCursor(ctx context.Context) (string, error)
	SaveCursor(ctx context.Context, id string) error
}

// Poller checks the inbox for new commands.
type Poller struct {
	inbox    Inbox
	cursor   CursorStore
	keywords []string
	logger   *slog.Logger
}

// NewPoller creates a Poller. Empty keywords fall back to DefaultKeywords.
func NewPoller(inbox Inbox, cursor CursorStore, keywords []string, logger *slog.Logger) *Poller {
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			normalized = append(normalized, k)
		}
	}
	if len(normalized) == 0 {
		normalized = DefaultKeywords
	}
	return &Poller{inbox: inbox, cursor: cursor, keywords: normalized, logger: logger}
}

// Poll returns a Command when the latest message is new and asks for a report.
// The cursor is saved before returning, so a crash afterwards drops the
// command rather than replaying it.
func (p *Poller) Poll(ctx context.Context) (domain.Command, bool, error) {
	msg, ok, err := p.inbox.LatestMessage(ctx)
	if err != nil {
		return domain.Command{}, false, fmt.Errorf("read inbox: %w", err)
	}
	if !ok || msg.UpdateID == "" {
		return domain.Command{}, false, nil
	}

	last, err := p.cursor.LoadCursor(ctx)
	if err != nil {
		return domain.Command{}, false, fmt.Errorf("load cursor: %w", err)
	}
	if AlreadyProcessed(last, msg.UpdateID) {
		return domain.Command{}, false, nil
	}

	if err := p.cursor.SaveCursor(ctx, msg.UpdateID); err != nil {
		return domain.Command{}, false, fmt.Errorf("save cursor: %w", err)
	}

	if !p.matches(msg.Text) {
		p.logger.Debug("ignoring inbound message without keyword", "update_id", msg.UpdateID)
		return domain.Command{}, false, nil
	}

	p.logger.Info("accepted on-demand command", "update_id", msg.UpdateID, "chat_id", msg.ChannelID)
	return domain.Command{Text: msg.Text, ChannelID: msg.ChannelID, UpdateID: msg.UpdateID}, true, nil
}

func (p *Poller) matches(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range p.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// AlreadyProcessed reports whether incoming is at or behind last. Integer ids
// compare numerically; anything else compares by equality.
func AlreadyProcessed(last, incoming string) bool {
	if last == "" {
		return false
	}
	l, errL := strconv.ParseInt(last, 10, 64)
	n, errN := strconv.ParseInt(incoming, 10, 64)
	if errL == nil && errN == nil {
		return n <= l
	}
	return last == incoming
}
