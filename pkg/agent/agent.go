// Package agent provides the response-generation collaborators handed to
// the dispatcher: an HTTP JSON client for a real agent service, and a
// local echo agent for running without one.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"threadrelay/pkg/models"
)

// HTTPAgent calls an external agent service: POST {URL} with the event and
// history, expecting {"text": "..."} back. The dispatcher owns timeouts
// and retries; this client only shapes the exchange.
type HTTPAgent struct {
	url string
	hc  *http.Client
}

// NewHTTP builds an HTTPAgent for the given endpoint.
func NewHTTP(url string) *HTTPAgent {
	return &HTTPAgent{url: url, hc: &http.Client{}}
}

type generateRequest struct {
	Event   *models.Event    `json:"event"`
	History []models.Message `json:"history"`
}

// Generate implements dispatch.Agent.
func (a *HTTPAgent) Generate(ctx context.Context, ev *models.Event, history []models.Message) (models.Response, error) {
	var resp models.Response
	body, err := json.Marshal(generateRequest{Event: ev, History: history})
	if err != nil {
		return resp, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return resp, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := a.hc.Do(req)
	if err != nil {
		return resp, fmt.Errorf("agent call: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("agent call: unexpected status %d", res.StatusCode)
	}
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("agent call: invalid response: %w", err)
	}
	return resp, nil
}

// Echo answers with the user's own text. Useful for local runs and tests.
type Echo struct{}

// Generate implements dispatch.Agent.
func (Echo) Generate(_ context.Context, ev *models.Event, history []models.Message) (models.Response, error) {
	return models.Response{Text: fmt.Sprintf("(%d messages in thread) you said: %s", len(history), ev.Text)}, nil
}
