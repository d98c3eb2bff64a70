package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/internal/storage"
	"github.com/funnyzak/mitmtap/pkg/request"
)

const (
	maxPayloadBytes = 1 << 20
	contentTypeJSON = "application/json"
)

// Error codes carried in error bodies.
const (
	CodeInvalidMode    = "invalid_mode"
	CodeMissingField   = "missing_field"
	CodeNotFound       = "not_found"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidPayload = "invalid_payload"
	CodeInternal       = "internal"
)

// ErrorBody is the JSON shape of every failed API call.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// API exposes a Controller over HTTP.
type API struct {
	ctrl    *Controller
	hub     *WebsocketHub
	auth    *TokenAuth
	formats []string
	origins []string
	logger  logger.Logger
}

// NewAPI builds the HTTP API. hub may be nil to disable the live feed.
func NewAPI(ctrl *Controller, hub *WebsocketHub, cfg *config.ControlConfig, log logger.Logger) *API {
	return &API{
		ctrl:    ctrl,
		hub:     hub,
		auth:    NewTokenAuth(cfg.Auth.Token),
		formats: AllowedFormats(cfg.ExportFormats),
		origins: cfg.CORSOrigins,
		logger:  log,
	}
}

// Handler returns a router serving every API route.
func (a *API) Handler() http.Handler {
	router := mux.NewRouter()
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes wires HTTP routes into the provided router.
func (a *API) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/proxy/status", a.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/proxy/toggle", a.handleToggle).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/proxy/mode", a.handleMode).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/proxy/domain", a.handleDomain).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/proxy/stats", a.handleStats).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/requests", a.handleRequests).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/requests/export", a.handleExport).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/requests/{id}", a.handleRequest).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/interception", a.handleSetInterception).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/interception", a.handleClearInterception).Methods(http.MethodDelete)
	if a.hub != nil {
		api.HandleFunc("/ws", a.handleWebsocket).Methods(http.MethodGet)
	}

	api.Use(mux.CORSMethodMiddleware(api))
	api.Use(corsMiddleware(a.origins))
	api.Use(a.auth.Middleware(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid token")
	}))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	a.respondJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	// A client that disconnects mid-toggle must not cut the drain short.
	res := a.ctrl.Toggle(context.WithoutCancel(r.Context()))
	status := http.StatusOK
	if res.Status == StatusError {
		status = http.StatusInternalServerError
	}
	a.respondJSON(w, status, res)
}

func (a *API) handleMode(w http.ResponseWriter, r *http.Request) {
	payload, ok := a.readPayload(w, r)
	if !ok {
		return
	}
	field, err := requireField(payload, "mode")
	if err != nil {
		a.respondCommandError(w, err)
		return
	}
	if field.Type != gjson.String {
		a.respondCommandError(w, fmt.Errorf("%w: %s", ErrInvalidMode, field.Raw))
		return
	}

	snap, err := a.ctrl.SetMode(field.String())
	if err != nil {
		a.respondCommandError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"mode":   snap.Mode,
	})
}

func (a *API) handleDomain(w http.ResponseWriter, r *http.Request) {
	payload, ok := a.readPayload(w, r)
	if !ok {
		return
	}
	field, err := requireField(payload, "domain")
	if err != nil {
		a.respondCommandError(w, err)
		return
	}

	snap := a.ctrl.SetDomain(field.String())
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"domain": snap.Domain,
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.ctrl.Stats()
	if err != nil {
		a.respondCommandError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, stats)
}

func (a *API) handleRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	// Without a limit every stored request is returned.
	limit := parseIntDefault(query.Get("limit"), 0)
	if limit < 0 {
		limit = 0
	}
	offset := parseIntDefault(query.Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	items, total, err := a.ctrl.ListRequests(storage.ListOptions{
		Search: query.Get("search"),
		Method: query.Get("method"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		a.respondCommandError(w, err)
		return
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	a.respondJSON(w, http.StatusOK, items)
}

type requestDetail struct {
	*request.RecordedRequest
	BodyText string `json:"body_text"`
}

func (a *API) handleRequest(w http.ResponseWriter, r *http.Request) {
	rec, err := a.ctrl.GetRequest(mux.Vars(r)["id"])
	if err != nil {
		a.respondCommandError(w, err)
		return
	}
	detail := requestDetail{RecordedRequest: rec}
	if !rec.IsBinary {
		detail.BodyText = rec.BodyText()
	}
	a.respondJSON(w, http.StatusOK, detail)
}

func (a *API) handleSetInterception(w http.ResponseWriter, r *http.Request) {
	payload, ok := a.readPayload(w, r)
	if !ok {
		return
	}
	field, err := requireField(payload, "requestId")
	if err != nil {
		a.respondCommandError(w, err)
		return
	}

	rec, err := a.ctrl.SetActiveTemplate(field.String())
	if err != nil {
		a.respondCommandError(w, err)
		return
	}
	a.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Interception template set to %s %s", rec.Method, rec.URL),
		"request": rec.Summary(),
	})
}

func (a *API) handleClearInterception(w http.ResponseWriter, r *http.Request) {
	a.ctrl.ClearActiveTemplate()
	a.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Interception template cleared",
	})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	contentType, ext, err := DescribeFormat(format)
	if err != nil || !containsFormat(a.formats, format) {
		a.respondError(w, http.StatusBadRequest, CodeInvalidPayload, fmt.Sprintf("unsupported export format: %s", format))
		return
	}

	opts := storage.ListOptions{
		Search: r.URL.Query().Get("search"),
		Method: r.URL.Query().Get("method"),
	}
	iter := func(yield func(*request.RecordedRequest) bool) error {
		return a.ctrl.Iterate(opts, yield)
	}

	filename := fmt.Sprintf("mitmtap_requests_%d.%s", time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	if _, _, err := StreamExport(w, iter, format); err != nil {
		a.logger.Error("Export failed", "format", format, "error", err)
	}
}

func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if _, err := a.hub.Upgrade(w, r); err != nil {
		a.logger.Error("Failed to upgrade websocket", "error", err)
		return
	}
	a.hub.BroadcastState(a.ctrl.Status())
}

func (a *API) readPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		a.respondError(w, http.StatusBadRequest, CodeInvalidPayload, "failed to read payload")
		return nil, false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		a.respondError(w, http.StatusBadRequest, CodeInvalidPayload, "payload is not valid JSON")
		return nil, false
	}
	return body, true
}

// requireField returns the named top-level field; absent and null fields are missing.
func requireField(payload []byte, name string) (gjson.Result, error) {
	field := gjson.GetBytes(payload, name)
	if !field.Exists() || field.Type == gjson.Null {
		return field, &MissingFieldError{Field: name}
	}
	return field, nil
}

func (a *API) respondCommandError(w http.ResponseWriter, err error) {
	var missing *MissingFieldError
	switch {
	case errors.As(err, &missing):
		a.respondError(w, http.StatusBadRequest, CodeMissingField, err.Error())
	case errors.Is(err, ErrInvalidMode):
		a.respondError(w, http.StatusBadRequest, CodeInvalidMode, err.Error())
	case errors.Is(err, ErrNotFound):
		a.respondError(w, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		a.logger.Error("Control command failed", "error", err)
		a.respondError(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, code, msg string) {
	a.respondJSON(w, status, ErrorBody{Error: msg, Code: code})
}

func (a *API) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// BroadcastState forwards state changes to the live feed.
func (a *API) BroadcastState(snap state.Snapshot) {
	if a.hub != nil {
		a.hub.BroadcastState(snap)
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}

	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}
