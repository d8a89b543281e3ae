// Package api exposes the service's HTTP surface: the platform events
// endpoint and a small read API over thread history.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"threadrelay/pkg/auth"
	"threadrelay/pkg/httpx"
	"threadrelay/pkg/ingest"
	"threadrelay/pkg/logger"
	"threadrelay/pkg/models"
	"threadrelay/pkg/store"
	"threadrelay/pkg/telemetry"
	"threadrelay/pkg/utils"
)

const defaultMaxPayload = 1 << 20

// API bundles the handlers' dependencies.
type API struct {
	st         *store.Store
	q          *ingest.Queue
	guard      *auth.Guard
	maxPayload int64
}

// New builds the API. maxPayload <= 0 falls back to 1 MiB.
func New(st *store.Store, q *ingest.Queue, guard *auth.Guard, maxPayload int64) *API {
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayload
	}
	return &API{st: st, q: q, guard: guard, maxPayload: maxPayload}
}

// Router returns the gorilla/mux router with all JSON endpoints.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/v1/events", httpx.NetHTTPAdapter(a.HandleEvents)).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads", a.listThreads).Methods(http.MethodGet)
	r.HandleFunc("/v1/threads/{threadID}/messages", a.listMessages).Methods(http.MethodGet)
	return r
}

// eventPeek is the minimal envelope view the endpoint needs before
// queuing: enough to answer the URL-verification handshake inline.
type eventPeek struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// HandleEvents accepts one platform delivery. Anything past the
// handshake is acked immediately and processed by the pipeline; the
// platform expects an answer within seconds and redelivers on 5xx.
func (a *API) HandleEvents(w httpx.ResponseWriter, r *httpx.Request) {
	w.Header().Set("Content-Type", "application/json")

	if !a.guard.AllowRemote(r.RemoteAddr) {
		utils.JSONError(w, http.StatusTooManyRequests, "rate limited")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, a.maxPayload+1))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if int64(len(body)) > a.maxPayload {
		utils.JSONError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if !a.guard.VerifyRequest(r.Header, body) {
		logger.Warn("signature_rejected", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusUnauthorized, "invalid request signature")
		return
	}

	var peek eventPeek
	if err := json.Unmarshal(body, &peek); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if peek.Type == "url_verification" {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"challenge": peek.Challenge})
		return
	}

	if err := a.q.TryEnqueue(body); err != nil {
		telemetry.EventsDropped.WithLabelValues("intake_full").Inc()
		logger.Warn("intake_full", "remote", r.RemoteAddr)
		utils.JSONError(w, http.StatusServiceUnavailable, "intake queue full, retry later")
		return
	}
	telemetry.EventsReceived.Inc()
	_ = utils.JSONWrite(w, http.StatusOK, map[string]bool{"ok": true})
}

func (a *API) listThreads(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	threads, err := a.st.ListThreads()
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Threads []models.Thread `json:"threads"`
	}{Threads: threads})
}

func (a *API) listMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	threadID := mux.Vars(r)["threadID"]
	msgs, err := a.st.History(threadID)
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		if lim, err := strconv.Atoi(limStr); err == nil && lim >= 0 && lim < len(msgs) {
			msgs = msgs[len(msgs)-lim:]
		}
	}
	_ = utils.JSONWrite(w, http.StatusOK, struct {
		Thread   string           `json:"thread"`
		Messages []models.Message `json:"messages"`
	}{Thread: threadID, Messages: msgs})
}
