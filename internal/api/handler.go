package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conatusassistant/conatus-scheduler/internal/domain"
	"github.com/conatusassistant/conatus-scheduler/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// ErrNotCancellable is returned by the store when a cancel targets a record
// that is processing or already terminal.
var ErrNotCancellable = errors.New("not cancellable")

type Store interface {
	CreateMessage(ctx context.Context, msg domain.ScheduledMessage) error
	GetMessage(ctx context.Context, id uuid.UUID) (domain.ScheduledMessage, error)
	ListMessages(ctx context.Context, status string, limit, offset int) ([]domain.ScheduledMessage, error)
	CancelMessage(ctx context.Context, id uuid.UUID) error

	InsertEntry(ctx context.Context, entry domain.ScheduleEntry) error
	ListEntries(ctx context.Context, automationID uuid.UUID, limit, offset int) ([]domain.ScheduleEntry, error)
	CancelEntry(ctx context.Context, id uuid.UUID) error
}

// DueIndex is the producer-side view of the due-time index: scheduling adds
// an id, cancellation removes it. The durable record is always written first.
type DueIndex interface {
	Enqueue(ctx context.Context, id string, dueAt time.Time) error
	Remove(ctx context.Context, id string) error
}

// Pinger provides component health status for the /health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingerFunc adapts a plain ping function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) PingContext(ctx context.Context) error { return f(ctx) }

type Handler struct {
	store Store
	index DueIndex
	clock func() time.Time

	db        Pinger // optional, nil omits the component from /health
	indexPing Pinger
}

func NewHandler(store Store, index DueIndex) *Handler {
	return &Handler{store: store, index: index, clock: time.Now}
}

// WithHealthCheckers sets component health checkers for verbose /health responses.
func (h *Handler) WithHealthCheckers(db, index Pinger) *Handler {
	h.db = db
	h.indexPing = index
	return h
}

// WithClock replaces the wall clock, for tests.
func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/messages" && r.Method == http.MethodPost:
		h.createMessage(w, r)

	case path == "/messages" && r.Method == http.MethodGet:
		h.listMessages(w, r)

	case strings.HasPrefix(path, "/messages/") && r.Method == http.MethodGet:
		h.getMessage(w, r)

	case strings.HasPrefix(path, "/messages/") && r.Method == http.MethodDelete:
		h.cancelMessage(w, r)

	case strings.HasPrefix(path, "/automations/") && strings.HasSuffix(path, "/entries") && r.Method == http.MethodPost:
		h.createEntry(w, r)

	case strings.HasPrefix(path, "/automations/") && strings.HasSuffix(path, "/entries") && r.Method == http.MethodGet:
		h.listEntries(w, r)

	case strings.HasPrefix(path, "/entries/") && r.Method == http.MethodDelete:
		h.cancelEntry(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || (h.db == nil && h.indexPing == nil) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	check := func(name string, p Pinger) {
		if p == nil {
			return
		}
		if err := p.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}
	check("database", h.db)
	check("due_index", h.indexPing)

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	dueAt, err := validateCreateMessage(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := h.clock().UTC()
	msg := domain.ScheduledMessage{
		ID:            uuid.New(),
		Service:       req.Service,
		Recipient:     req.Recipient,
		Subject:       req.Subject,
		Content:       req.Content,
		DueAt:         dueAt,
		Status:        domain.MessageStatusScheduled,
		CredentialRef: req.CredentialRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Durable record first; the index entry is derived state and the
	// reclaim sweep re-enqueues any durable row the index has lost, so an
	// index failure does not fail the request.
	if err := h.store.CreateMessage(r.Context(), msg); err != nil {
		log.Printf("api: create message error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create message")
		return
	}
	if err := h.index.Enqueue(r.Context(), msg.ID.String(), msg.DueAt); err != nil {
		log.Printf("api: message=%s index enqueue error: %v", msg.ID, err)
	}

	writeJSON(w, http.StatusCreated, messageResponse(msg))
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDPath(w, r, "messages")
	if !ok {
		return
	}

	msg, err := h.store.GetMessage(r.Context(), id)
	if err != nil {
		if errors.Is(err, scheduler.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		log.Printf("api: get message error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to get message")
		return
	}

	writeJSON(w, http.StatusOK, messageResponse(msg))
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := r.URL.Query().Get("status")
	if err := validateStatusFilter(status); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.store.ListMessages(r.Context(), status, limit, offset)
	if err != nil {
		log.Printf("api: list messages error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	resp := ListMessagesResponse{Messages: make([]MessageResponse, len(messages))}
	for i, msg := range messages {
		resp.Messages[i] = messageResponse(msg)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDPath(w, r, "messages")
	if !ok {
		return
	}

	if err := h.store.CancelMessage(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, ErrNotCancellable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("api: cancel message error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel message")
		}
		return
	}

	if err := h.index.Remove(r.Context(), id.String()); err != nil {
		log.Printf("api: message=%s index remove error: %v", id, err)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) createEntry(w http.ResponseWriter, r *http.Request) {
	automationID, ok := parseEntriesPath(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	dueAt, err := validateCreateEntry(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := domain.ScheduleEntry{
		ID:           uuid.New(),
		AutomationID: automationID,
		DueAt:        dueAt,
		Payload:      req.Payload,
		Status:       domain.EntryStatusScheduled,
		CreatedAt:    h.clock().UTC(),
	}

	if err := h.store.InsertEntry(r.Context(), entry); err != nil {
		log.Printf("api: create entry error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to create entry")
		return
	}

	writeJSON(w, http.StatusCreated, entryResponse(entry))
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	automationID, ok := parseEntriesPath(w, r)
	if !ok {
		return
	}

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.store.ListEntries(r.Context(), automationID, limit, offset)
	if err != nil {
		log.Printf("api: list entries error: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list entries")
		return
	}

	resp := ListEntriesResponse{Entries: make([]EntryResponse, len(entries))}
	for i, entry := range entries {
		resp.Entries[i] = entryResponse(entry)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDPath(w, r, "entries")
	if !ok {
		return
	}

	if err := h.store.CancelEntry(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "entry not found")
		case errors.Is(err, ErrNotCancellable):
			writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("api: cancel entry error: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to cancel entry")
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseIDPath extracts a UUID from /{resource}/{id}.
func parseIDPath(w http.ResponseWriter, r *http.Request, resource string) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != resource {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+strings.TrimSuffix(resource, "s")+" id")
		return uuid.Nil, false
	}
	return id, true
}

// parseEntriesPath extracts the automation UUID from /automations/{id}/entries.
func parseEntriesPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "automations" || parts[2] != "entries" {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(parts[1])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid automation id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
