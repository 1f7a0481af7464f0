// Package telegram delivers reports through the Telegram Bot API and reads the
// latest inbound message for on-demand commands.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/couchcryptid/rainwatch/internal/adapter/httpretry"
	"github.com/couchcryptid/rainwatch/internal/domain"
)

// DefaultBaseURL is the public Bot API root.
const DefaultBaseURL = "https://api.telegram.org"

// MaxMessageLength is the Bot API limit for one sendMessage text, counted in
// UTF-16 code units.
const MaxMessageLength = 4096

var (
	// ErrNotConfigured is returned when the bot token or target chat is missing.
	ErrNotConfigured = errors.New("telegram: token or chat id not configured")
	// ErrAPI wraps a Bot API response with ok=false.
	ErrAPI = errors.New("telegram API error")
)

// Client talks to one bot.
type Client struct {
	token       string
	defaultChat string
	baseURL     string
	http        *httpretry.Client
	logger      *slog.Logger
}

// NewClient creates a Bot API client. defaultChat receives scheduled reports.
func NewClient(baseURL, token, defaultChat string, hc *httpretry.Client, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		token:       token,
		defaultChat: defaultChat,
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        hc,
		logger:      logger,
	}
}

// Send posts text to chatID, or to the default chat when chatID is empty.
// Texts over MaxMessageLength are split on line boundaries and sent in order.
func (c *Client) Send(ctx context.Context, chatID, text string) error {
	if chatID == "" {
		chatID = c.defaultChat
	}
	if c.token == "" || chatID == "" {
		return ErrNotConfigured
	}

	chunks := SplitMessage(text, MaxMessageLength)
	for i, chunk := range chunks {
		if err := c.sendOne(ctx, chatID, chunk); err != nil {
			return fmt.Errorf("send chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	c.logger.Debug("message delivered", "chat_id", chatID, "chunks", len(chunks))
	return nil
}

func (c *Client) sendOne(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := c.methodURL("sendMessage")
	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}

	var body apiResponse[json.RawMessage]
	if err := decode(resp, &body); err != nil {
		return err
	}
	return nil
}

// LatestMessage returns the most recent update with text. The bool is false
// when the inbox is empty.
func (c *Client) LatestMessage(ctx context.Context) (domain.InboundMessage, bool, error) {
	if c.token == "" {
		return domain.InboundMessage{}, false, ErrNotConfigured
	}

	params := url.Values{"offset": {"-1"}, "limit": {"1"}}
	resp, err := c.http.Get(ctx, c.methodURL("getUpdates")+"?"+params.Encode())
	if err != nil {
		return domain.InboundMessage{}, false, err
	}

	var body apiResponse[[]update]
	if err := decode(resp, &body); err != nil {
		return domain.InboundMessage{}, false, err
	}
	if len(body.Result) == 0 {
		return domain.InboundMessage{}, false, nil
	}

	u := body.Result[len(body.Result)-1]
	msg := u.Message
	if msg == nil {
		msg = u.ChannelPost
	}
	in := domain.InboundMessage{UpdateID: strconv.FormatInt(u.UpdateID, 10)}
	if msg != nil {
		in.ChannelID = strconv.FormatInt(msg.Chat.ID, 10)
		in.Text = msg.Text
	}
	return in, true, nil
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func decode[T any](resp httpretry.Response, out *apiResponse[T]) error {
	if err := json.Unmarshal(resp.Body, out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("%w: %d %s", ErrAPI, out.ErrorCode, out.Description)
	}
	return nil
}

// SplitMessage breaks text into pieces of at most limit UTF-16 code units,
// preferring line boundaries. Lines longer than limit are cut between runes.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf16Len(text) <= limit {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for utf16Len(line) > limit {
			flush()
			head, rest := cutUnits(line, limit)
			chunks = append(chunks, head)
			line = rest
		}
		n := utf16Len(line)
		sep := 0
		if size > 0 {
			sep = 1
		}
		if size+sep+n > limit {
			flush()
			sep = 0
		}
		if sep == 1 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
		size += sep + n
	}
	flush()
	return chunks
}

// utf16Len is the length Telegram measures: astral runes count twice.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// cutUnits splits s after the longest rune prefix that fits in limit code
// units. A single rune wider than limit is returned on its own.
func cutUnits(s string, limit int) (head, rest string) {
	units := 0
	for i, r := range s {
		w := utf16.RuneLen(r)
		if units+w > limit {
			if i == 0 {
				_, size := utf8.DecodeRuneInString(s)
				return s[:size], s[size:]
			}
			return s[:i], s[i:]
		}
		units += w
	}
	return s, ""
}

// Bot API request and response types.

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type apiResponse[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
}

type update struct {
	UpdateID    int64    `json:"update_id"`
	Message     *message `json:"message"`
	ChannelPost *message `json:"channel_post"`
}

type message struct {
	Text string `json:"text"`
	Chat chat   `json:"chat"`
}

type chat struct {
	ID int64 `json:"id"`
}
