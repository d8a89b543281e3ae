// Package slack is the outbound platform client: response delivery via
// chat.postMessage, with markdown rewritten into the platform's link and
// bold syntax.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"threadrelay/pkg/logger"
)

// Client posts responses back into threads. Safe for concurrent use.
type Client struct {
	apiBase string
	token   string
	hc      *http.Client
}

// NewClient builds a Client for the given API base (e.g.
// "https://slack.com/api") and bot token.
func NewClient(apiBase, token string) *Client {
	return &Client{
		apiBase: apiBase,
		token:   token,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

type postMessageRequest struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
	Text     string `json:"text"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Send posts text as a threaded reply in channel.
func (c *Client) Send(ctx context.Context, channel, threadID, text string) error {
	if text == "" {
		logger.Warn("empty_response_not_sent", "thread", threadID)
		return nil
	}
	body, err := json.Marshal(postMessageRequest{
		Channel:  channel,
		ThreadTS: threadID,
		Text:     ConvertMarkdownLinks(text),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("post message: unexpected status %d", resp.StatusCode)
	}
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("post message: invalid response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("post message: platform error %q", out.Error)
	}
	return nil
}

var (
	mdLink = regexp.MustCompile(`\[([^\]]+)]\(([^)]+)\)`)
	mdBold = regexp.MustCompile(`\*\*(.*?)\*\*`)
)

// ConvertMarkdownLinks rewrites markdown links to <url|text> and **bold**
// to *bold*, the platform's mrkdwn forms.
func ConvertMarkdownLinks(text string) string {
	out := mdLink.ReplaceAllString(text, "<$2|$1>")
	return mdBold.ReplaceAllString(out, "*$1*")
}
