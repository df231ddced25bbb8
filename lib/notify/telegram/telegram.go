/*
 * Pulse
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package telegram delivers alerts to a Telegram chat through the Bot
// API. Messages are rendered as MarkdownV2, throttled to keep the bot
// under the API flood limits, and retried on transient failures.
package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/pulse"
	"github.com/gravitational/pulse/lib/defaults"
	"github.com/gravitational/pulse/lib/notify"
)

const (
	// apiURL is the production Telegram Bot API endpoint.
	apiURL = "https://api.telegram.org"

	// telegramMaxConns caps concurrent connections to the Bot API. One
	// chat rarely needs more than a single in-flight request.
	telegramMaxConns = 10
)

// Config holds the settings of the Telegram notifier.
type Config struct {
	// Token is the bot API token. When empty the notifier is disabled
	// and Send reports every message as dropped.
	Token string
	// ChatID is the identifier of the destination chat. When empty the
	// notifier is disabled.
	ChatID string
	// ThreadID optionally routes messages into a forum topic of the
	// destination chat.
	ThreadID int
	// Environment is the deployment name stamped on every message.
	Environment string
	// APIURL overrides the Bot API endpoint, used in tests.
	APIURL string
	// SendTimeout bounds a single API request.
	SendTimeout time.Duration
	// MinInterval is the minimum spacing between two sends.
	MinInterval time.Duration
	// MaxAttempts is how many times one message is attempted.
	MaxAttempts int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
	// BackoffMax caps the delay between retries.
	BackoffMax time.Duration
	// MaxMessageLen is the hard cap on rendered message length.
	MaxMessageLen int
	// MaxTracebackLines is how many traceback lines a message keeps.
	MaxTracebackLines int
	// Clock is used to throttle and schedule retries.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks the config and fills in defaults. An
// empty Token or ChatID is not an error: it disables the notifier.
func (c *Config) CheckAndSetDefaults() error {
	if c.Environment == "" {
		c.Environment = pulse.EnvironmentDevelopment
	}
	if c.APIURL == "" {
		c.APIURL = apiURL
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaults.NotifySendTimeout
	}
	if c.MinInterval <= 0 {
		c.MinInterval = defaults.NotifyMinInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.NotifyMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaults.NotifyBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaults.NotifyBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		return trace.BadParameter("backoff cap %v is below the base delay %v", c.BackoffMax, c.BackoffBase)
	}
	if c.MaxMessageLen <= 0 {
		c.MaxMessageLen = defaults.NotifyMaxMessageLen
	}
	if c.MaxMessageLen <= len(truncatedSuffix) {
		return trace.BadParameter("message length cap %v cannot fit the truncation marker", c.MaxMessageLen)
	}
	if c.MaxTracebackLines <= 0 {
		c.MaxTracebackLines = defaults.NotifyMaxTracebackLines
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(pulse.ComponentKey, pulse.ComponentTelegram)
	}
	return nil
}

// Notifier sends formatted alert messages to one Telegram chat.
type Notifier struct {
	cfg    Config
	client *resty.Client

	// mu serializes sends and guards lastSend so the bot stays under
	// the per-chat flood limit.
	mu       sync.Mutex
	lastSend time.Time
}

// New creates a Telegram notifier. A notifier without a token or chat
// ID is valid: it drops every message and reports it as unsent.
func New(cfg Config) (*Notifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	n := &Notifier{cfg: cfg}
	if n.disabled() {
		return n, nil
	}
	n.client = resty.
		NewWithClient(&http.Client{
			Timeout: cfg.SendTimeout,
			Transport: &http.Transport{
				MaxConnsPerHost:     telegramMaxConns,
				MaxIdleConnsPerHost: telegramMaxConns,
				Proxy:               http.ProxyFromEnvironment,
			},
		}).
		SetBaseURL(cfg.APIURL).
		SetHeader("Content-Type", "application/json")
	return n, nil
}

func (n *Notifier) disabled() bool {
	return n.cfg.Token == "" || n.cfg.ChatID == ""
}

// sendMessageRequest is the payload of the Bot API sendMessage call.
type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
	MessageThreadID     int    `json:"message_thread_id,omitempty"`
}

// apiResponse is the envelope every Bot API call answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send renders the message and delivers it to the configured chat. It
// returns false without error when the notifier is disabled. Sends are
// serialized and spaced at least MinInterval apart.
func (n *Notifier) Send(ctx context.Context, msg notify.Message) (bool, error) {
	if n.disabled() {
		return false, nil
	}

	req := sendMessageRequest{
		ChatID:              n.cfg.ChatID,
		Text:                n.format(msg),
		ParseMode:           "MarkdownV2",
		DisableNotification: msg.Muted || msg.Severity == notify.SeverityInfo,
		MessageThreadID:     n.cfg.ThreadID,
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if wait := n.cfg.MinInterval - n.cfg.Clock.Since(n.lastSend); wait > 0 {
		select {
		case <-ctx.Done():
			return false, trace.Wrap(ctx.Err())
		case <-n.cfg.Clock.After(wait):
		}
	}

	for attempt := 1; ; attempt++ {
		retryable, retryAfter, err := n.post(ctx, req)
		if err == nil {
			n.lastSend = n.cfg.Clock.Now()
			return true, nil
		}
		if !retryable || attempt >= n.cfg.MaxAttempts {
			return false, trace.Wrap(err)
		}
		delay := n.backoff(attempt)
		if retryAfter > 0 {
			delay = retryAfter
		}
		n.cfg.Logger.WarnContext(ctx, "Retrying Telegram send.",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false, trace.Wrap(ctx.Err())
		case <-n.cfg.Clock.After(delay):
		}
	}
}

// post performs one sendMessage attempt and classifies the outcome:
// transport errors, 5xx and 429 are retryable, the latter carrying the
// server-provided delay, and any other rejection is permanent.
func (n *Notifier) post(ctx context.Context, req sendMessageRequest) (retryable bool, retryAfter time.Duration, err error) {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&apiResponse{}).
		SetError(&apiResponse{}).
		Post("/bot" + n.cfg.Token + "/sendMessage")
	if err != nil {
		return true, 0, trace.Wrap(err)
	}
	switch {
	case resp.IsSuccess():
		if out, ok := resp.Result().(*apiResponse); ok && !out.OK {
			return false, 0, trace.Errorf("telegram API rejected the message: %v", out.Description)
		}
		return false, 0, nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return true, n.retryAfter(resp), trace.LimitExceeded("telegram API throttled the bot")
	case resp.StatusCode() >= http.StatusInternalServerError:
		return true, 0, trace.ConnectionProblem(nil, "telegram API returned %v", resp.Status())
	default:
		return false, 0, trace.BadParameter("telegram API returned %v: %v", resp.Status(), apiError(resp))
	}
}

// retryAfter extracts the server-requested delay from a 429 response,
// falling back to the base backoff when the server did not send one.
func (n *Notifier) retryAfter(resp *resty.Response) time.Duration {
	if out, ok := resp.Error().(*apiResponse); ok && out.Parameters.RetryAfter > 0 {
		return time.Duration(out.Parameters.RetryAfter) * time.Second
	}
	if after, err := time.ParseDuration(resp.Header().Get("Retry-After") + "s"); err == nil && after > 0 {
		return after
	}
	return n.cfg.BackoffBase
}

func apiError(resp *resty.Response) string {
	if out, ok := resp.Error().(*apiResponse); ok && out.Description != "" {
		return out.Description
	}
	return string(resp.Body())
}

// backoff returns the delay before the next attempt, doubling from
// BackoffBase up to BackoffMax.
func (n *Notifier) backoff(attempt int) time.Duration {
	delay := n.cfg.BackoffBase << (attempt - 1)
	if delay > n.cfg.BackoffMax {
		return n.cfg.BackoffMax
	}
	return delay
}

// truncatedSuffix replaces the tail of a message that exceeds the
// length cap.
const truncatedSuffix = "\n\n*\\[Message truncated\\]*"

// format renders the message as MarkdownV2 and caps its length.
func (n *Notifier) format(msg notify.Message) string {
	lines := []string{
		msg.Severity.Emoji() + " *" + escapeText(msg.Title) + "*",
		"Environment: " + escapeText(n.cfg.Environment),
	}
	if msg.Body != "" {
		lines = append(lines, "", escapeText(msg.Body))
	}
	if len(msg.Details) > 0 {
		keys := make([]string, 0, len(msg.Details))
		for k := range msg.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines = append(lines, "", "*Details:*")
		for _, k := range keys {
			lines = append(lines, "• "+escapeText(k)+": `"+escapeCode(msg.Details[k])+"`")
		}
	}
	if msg.Error != "" {
		lines = append(lines, "", "*Error:* `"+escapeCode(msg.Error)+"`")
	}
	if msg.Traceback != "" {
		tb := strings.Split(msg.Traceback, "\n")
		if len(tb) > n.cfg.MaxTracebackLines {
			tb = tb[:n.cfg.MaxTracebackLines]
		}
		lines = append(lines, "", "*Traceback:*", "```")
		for _, line := range tb {
			lines = append(lines, escapeCode(line))
		}
		lines = append(lines, "```")
	}
	stamp := n.cfg.Clock.Now().UTC().Format(time.RFC3339)
	lines = append(lines, "", "🕐 "+escapeText(stamp)+" UTC")

	return n.truncate(strings.Join(lines, "\n"))
}

// truncate hard-caps the rendered text, cutting at a rune boundary so
// the tail marker never follows a broken character.
func (n *Notifier) truncate(text string) string {
	if len(text) <= n.cfg.MaxMessageLen {
		return text
	}
	cut := n.cfg.MaxMessageLen - len(truncatedSuffix)
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncatedSuffix
}

// escapeChars are the characters MarkdownV2 requires escaping outside
// code spans and fences.
const escapeChars = "_*[]()~`>#+-=|{}.!"

// escapeText escapes dynamic text for MarkdownV2 body positions.
func escapeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < utf8.RuneSelf && strings.ContainsRune(escapeChars, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeCode escapes text placed inside MarkdownV2 code spans and
// fences, where only backslashes and backticks are special.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

var _ notify.Notifier = (*Notifier)(nil)
