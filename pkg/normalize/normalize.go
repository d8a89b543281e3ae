// Package normalize converts raw platform event payloads into canonical
// Event records. It is deterministic and has no side effects; everything
// downstream (dedup, sequencing, dispatch) consumes its output only.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"threadrelay/pkg/models"
)

// ErrMalformed marks payloads missing required fields. The caller logs and
// drops; there is nothing to retry.
var ErrMalformed = errors.New("malformed event")

// ErrIgnored marks well-formed payloads the bot deliberately does not
// process (bot echoes, message edits, unsupported event kinds). Dropped
// silently.
var ErrIgnored = errors.New("ignored event")

// envelope is the outer platform delivery wrapper.
type envelope struct {
	Type      string          `json:"type"`
	EventID   string          `json:"event_id"`
	EventTime int64           `json:"event_time"`
	Event     json.RawMessage `json:"event"`
}

// innerEvent is the platform message payload we care about.
type innerEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// mentionPrefix matches a leading bot mention like "<@U12345> ".
var mentionPrefix = regexp.MustCompile(`^\s*<@[A-Z0-9]+>\s*`)

// Normalize parses a raw event_callback payload into an Event.
//
// The thread id is the platform thread_ts, falling back to the message's
// own ts: a top-level message starts its own thread. The dedup key is the
// envelope event_id, which the platform reuses on redelivery.
func Normalize(raw []byte) (*models.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}
	if env.Type != "event_callback" {
		return nil, fmt.Errorf("%w: envelope type %q", ErrIgnored, env.Type)
	}
	if env.EventID == "" {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformed)
	}
	if len(env.Event) == 0 {
		return nil, fmt.Errorf("%w: missing event body", ErrMalformed)
	}

	var in innerEvent
	if err := json.Unmarshal(env.Event, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid event body: %v", ErrMalformed, err)
	}

	var kind models.EventKind
	switch in.Type {
	case "app_mention":
		kind = models.KindMention
	case "message":
		kind = models.KindMessage
	default:
		return nil, fmt.Errorf("%w: event type %q", ErrIgnored, in.Type)
	}
	// Bot echoes and message mutations (edits, joins, bot_message …) never
	// enter the pipeline.
	if in.BotID != "" {
		return nil, fmt.Errorf("%w: bot message", ErrIgnored)
	}
	if in.Subtype != "" {
		return nil, fmt.Errorf("%w: message subtype %q", ErrIgnored, in.Subtype)
	}

	if in.Channel == "" {
		return nil, fmt.Errorf("%w: missing channel", ErrMalformed)
	}
	threadID := in.ThreadTS
	if threadID == "" {
		threadID = in.TS
	}
	if threadID == "" {
		return nil, fmt.Errorf("%w: missing ts", ErrMalformed)
	}

	text := ScrubMention(in.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrIgnored)
	}

	receivedAt := env.EventTime * int64(time.Second)
	if receivedAt <= 0 {
		receivedAt = time.Now().UTC().UnixNano()
	}

	return &models.Event{
		ThreadID:   threadID,
		Channel:    in.Channel,
		DedupKey:   env.EventID,
		Sender:     in.User,
		Text:       text,
		Kind:       kind,
		ReceivedAt: receivedAt,
	}, nil
}

// ScrubMention removes a leading bot mention from the message text.
func ScrubMention(text string) string {
	return strings.TrimSpace(mentionPrefix.ReplaceAllString(text, ""))
}
