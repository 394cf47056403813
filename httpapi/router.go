package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kernelci/eventbus/pubsub"
	"github.com/kernelci/eventbus/store"
)

// Event-history pagination bounds.
const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// API serves the engine's HTTP surface.
type API struct {
	engine Engine
	events EventStore
	auth   Authenticator
}

// New creates the API around its collaborators.
func New(engine Engine, events EventStore, auth Authenticator) *API {
	return &API{engine: engine, events: events, auth: auth}
}

// Router builds the chi handler. When gatherer is non-nil a /metrics
// endpoint is mounted.
func (a *API) Router(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/subscribe/{channel}", a.handleSubscribe)
	r.Post("/unsubscribe/{id}", a.handleUnsubscribe)
	r.Get("/listen/{id}", a.handleListen)
	r.Post("/publish/{channel}", a.handlePublish)
	r.Get("/events", a.handleEvents)
	r.Get("/stats", a.handleStats)

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError maps engine errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pubsub.ErrSubscriptionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pubsub.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, pubsub.ErrSubscriberConflict):
		status = http.StatusConflict
	case errors.Is(err, pubsub.ErrInvalidChannel):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

// user resolves the request identity, writing the error response itself on
// failure.
func (a *API) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, err := a.auth.Authenticate(r)
	if err != nil {
		writeError(w, err)
		return "", false
	}
	return user, true
}

func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	promiscuous, _ := strconv.ParseBool(r.URL.Query().Get("promiscuous"))
	opts := pubsub.SubscribeOptions{
		Promiscuous:  promiscuous,
		SubscriberID: r.URL.Query().Get("subscriber_id"),
	}
	sub, err := a.engine.Subscribe(r.Context(), chi.URLParam(r, "channel"), user, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	subID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid subscription id"})
		return
	}
	if err := a.engine.Unsubscribe(r.Context(), subID, user); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// handleListen long-polls the next message for the subscription. The
// response body is the CloudEvents envelope, identical for live and
// catch-up delivery. Client disconnection cancels the request context,
// which releases the broker handle at the next poll boundary.
func (a *API) handleListen(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}
	subID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid subscription id"})
		return
	}
	msg, err := a.engine.Listen(r.Context(), subID, user)
	if err != nil {
		if errors.Is(err, r.Context().Err()) && r.Context().Err() != nil {
			// Client went away; nothing useful to write.
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg.Data); err != nil {
		slog.Debug("Failed to write listen response", "error", err)
	}
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	user, ok := a.user(w, r)
	if !ok {
		return
	}

	var body struct {
		Type   string         `json:"type"`
		Source string         `json:"source"`
		Owner  string         `json:"owner"`
		Data   map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid CloudEvents body"})
		return
	}
	if body.Data == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing data object"})
		return
	}
	owner := body.Owner
	if owner == "" {
		owner = user
	}

	seq, err := a.engine.Publish(r.Context(), chi.URLParam(r, "channel"), body.Data, pubsub.Attributes{
		Type:   body.Type,
		Source: body.Source,
		Owner:  owner,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sequence_id": seq})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.user(w, r); !ok {
		return
	}

	q := r.URL.Query()
	filter := store.EventFilter{
		Channel: q.Get("channel"),
		Limit:   defaultEventsLimit,
	}
	if v := q.Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid from_seq"})
			return
		}
		filter.FromSeq = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "invalid limit"})
			return
		}
		filter.Limit = min(n, maxEventsLimit)
	}

	events, err := a.events.Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []pubsub.Event{}
	}
	resp := map[string]any{
		"items": events,
		"count": len(events),
	}
	if len(events) > 0 {
		resp["next_seq"] = events[len(events)-1].SequenceID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.user(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": a.engine.Stats(),
	})
}
