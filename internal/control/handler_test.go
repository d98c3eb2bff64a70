package control

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/internal/storage"
)

type apiFixture struct {
	srv   *httptest.Server
	ctrl  *Controller
	state *state.State
	hub   *WebsocketHub
}

func newAPIFixture(t *testing.T, token string) *apiFixture {
	t.Helper()
	ctrl, st, _ := newTestController(t)
	hub := NewWebsocketHub(noopLogger{}, nil)
	t.Cleanup(hub.Close)
	ctrl.OnChange(hub.BroadcastState)

	api := NewAPI(ctrl, hub, &config.ControlConfig{
		Auth:          config.ControlAuthConfig{Token: token},
		CORSOrigins:   []string{"*"},
		ExportFormats: []string{"json", "csv"},
	}, noopLogger{})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, ctrl: ctrl, state: st, hub: hub}
}

func (f *apiFixture) call(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), contentTypeJSON) {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *apiFixture) list(t *testing.T, path string) (*http.Response, []map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestAPIStatusAndToggle(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.call(t, http.MethodGet, "/api/proxy/status", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["running"])
	assert.Equal(t, "recording", body["mode"])
	assert.Equal(t, "", body["domain"])

	resp, body = f.call(t, http.MethodPost, "/api/proxy/toggle", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "started", body["status"])

	_, body = f.call(t, http.MethodGet, "/api/proxy/status", "")
	assert.Equal(t, true, body["running"])

	_, body = f.call(t, http.MethodPost, "/api/proxy/toggle", "")
	assert.Equal(t, "stopped", body["status"])
}

func TestAPIToggleErrorIs500(t *testing.T) {
	ctrl, _, px := newTestController(t)
	px.startErr = assert.AnError
	api := NewAPI(ctrl, nil, &config.ControlConfig{}, noopLogger{})

	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/proxy/toggle", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body ToggleResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusError, body.Status)
	assert.NotEmpty(t, body.Message)
}

func TestAPIToggleOutlivesClientDisconnect(t *testing.T) {
	ctrl, _, px := newTestController(t)
	api := NewAPI(ctrl, nil, &config.ControlConfig{}, noopLogger{})
	require.Equal(t, StatusStarted, ctrl.Toggle(context.Background()).Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/proxy/toggle", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	px.mu.Lock()
	defer px.mu.Unlock()
	assert.NoError(t, px.stopCtxErr, "stop keeps its grace period")
	assert.False(t, px.running)
}

func TestAPISetMode(t *testing.T) {
	f := newAPIFixture(t, "")

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{name: "interception", body: `{"mode":"interception"}`, status: http.StatusOK},
		{name: "recording", body: `{"mode":"recording"}`, status: http.StatusOK},
		{name: "unknown", body: `{"mode":"replay"}`, status: http.StatusBadRequest, code: CodeInvalidMode},
		{name: "not a string", body: `{"mode":1}`, status: http.StatusBadRequest, code: CodeInvalidMode},
		{name: "missing", body: `{}`, status: http.StatusBadRequest, code: CodeMissingField},
		{name: "null", body: `{"mode":null}`, status: http.StatusBadRequest, code: CodeMissingField},
		{name: "empty body", body: ``, status: http.StatusBadRequest, code: CodeMissingField},
		{name: "bad json", body: `{"mode":`, status: http.StatusBadRequest, code: CodeInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.call(t, http.MethodPost, "/api/proxy/mode", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, body["code"])
				assert.NotEmpty(t, body["error"])
			} else {
				assert.Equal(t, "success", body["status"])
			}
		})
	}
	assert.Equal(t, state.Recording, f.state.Snapshot().Mode)
}

func TestAPISetDomain(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.call(t, http.MethodPost, "/api/proxy/domain", `{"domain":"example.com"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "example.com", body["domain"])
	assert.Equal(t, "example.com", f.state.Snapshot().Domain)

	resp, body = f.call(t, http.MethodPost, "/api/proxy/domain", `{"other":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMissingField, body["code"])
	assert.Equal(t, "example.com", f.state.Snapshot().Domain)

	// An empty string is present, so it clears the filter.
	resp, _ = f.call(t, http.MethodPost, "/api/proxy/domain", `{"domain":""}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, f.state.Snapshot().Domain)
}

func TestAPIRequestsAndInterception(t *testing.T) {
	f := newAPIFixture(t, "")
	record(t, f.state, "GET", "http://example.com/api/users", "")
	record(t, f.state, "POST", "http://example.com/api/login", "secret")

	resp, data := f.list(t, "/api/requests")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2", resp.Header.Get("X-Total-Count"))
	require.Len(t, data, 2)
	assert.Equal(t, "2", data[0]["id"], "newest first, ids are strings")
	assert.Equal(t, "1", data[1]["id"])

	resp, data = f.list(t, "/api/requests?method=post")
	assert.Equal(t, "1", resp.Header.Get("X-Total-Count"))
	require.Len(t, data, 1)
	assert.Equal(t, "POST", data[0]["method"])

	resp, body := f.call(t, http.MethodGet, "/api/requests/2", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "POST", body["method"])
	assert.Equal(t, "secret", body["body_text"])

	resp, body = f.call(t, http.MethodGet, "/api/requests/42", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, body["code"])

	resp, body = f.call(t, http.MethodPost, "/api/interception", `{"requestId":"2"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", body["status"])
	assert.Contains(t, body["message"], "POST")
	assert.Equal(t, uint64(2), f.state.Snapshot().ActiveTemplate)

	resp, body = f.call(t, http.MethodPost, "/api/interception", `{"requestId":1}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "numeric ids are accepted")
	assert.Equal(t, uint64(1), f.state.Snapshot().ActiveTemplate)

	resp, body = f.call(t, http.MethodPost, "/api/interception", `{"requestId":"77"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, body["code"])
	assert.Equal(t, uint64(1), f.state.Snapshot().ActiveTemplate)

	resp, body = f.call(t, http.MethodPost, "/api/interception", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeMissingField, body["code"])

	resp, _ = f.call(t, http.MethodDelete, "/api/interception", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, f.state.Snapshot().ActiveTemplate)
}

func TestAPIRequestsReturnsEveryRecord(t *testing.T) {
	st := state.New(storage.NewMemoryStore(1000), noopLogger{})
	ctrl := NewController(st, &fakeProxy{st: st}, "127.0.0.1", 8080, noopLogger{})
	srv := httptest.NewServer(NewAPI(ctrl, nil, &config.ControlConfig{}, noopLogger{}).Handler())
	defer srv.Close()
	f := &apiFixture{srv: srv, ctrl: ctrl, state: st}

	resp, data := f.list(t, "/api/requests")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, data, "an empty store is an empty array")
	assert.Empty(t, data)

	for i := 0; i < 150; i++ {
		record(t, st, "GET", fmt.Sprintf("http://example.com/item/%d", i), "")
	}

	resp, data = f.list(t, "/api/requests")
	assert.Equal(t, "150", resp.Header.Get("X-Total-Count"))
	require.Len(t, data, 150)
	for i, item := range data {
		assert.Equal(t, strconv.Itoa(150-i), item["id"])
	}

	_, data = f.list(t, "/api/requests?limit=10&offset=5")
	require.Len(t, data, 10)
	assert.Equal(t, "145", data[0]["id"])
}

func TestAPIStats(t *testing.T) {
	f := newAPIFixture(t, "")
	record(t, f.state, "GET", "http://example.com/", "")

	resp, body := f.call(t, http.MethodGet, "/api/proxy/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["records"])
	assert.EqualValues(t, 3, body["accepted"])
	assert.Equal(t, "127.0.0.1:8080", body["addr"])
}

func TestAPIExport(t *testing.T) {
	f := newAPIFixture(t, "")
	record(t, f.state, "GET", "http://example.com/a", "")
	record(t, f.state, "POST", "http://example.com/b", "payload")

	resp, err := http.Get(f.srv.URL + "/api/requests/export?format=csv")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".csv")

	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvColumns, rows[0])
	assert.Equal(t, "2", rows[1][0])

	resp2, err := http.Get(f.srv.URL + "/api/requests/export")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var items []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&items))
	assert.Len(t, items, 2)

	resp3, body := f.call(t, http.MethodGet, "/api/requests/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
	assert.Equal(t, CodeInvalidPayload, body["code"])
}

func TestAPITokenAuth(t *testing.T) {
	f := newAPIFixture(t, "s3cret")

	resp, body := f.call(t, http.MethodGet, "/api/proxy/status", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeUnauthorized, body["code"])

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/proxy/status", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodOptions, f.srv.URL+"/api/proxy/mode", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "preflight needs no token")
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
	assert.Equal(t, "X-Total-Count", resp.Header.Get("Access-Control-Expose-Headers"))
}

func TestAPIWebsocketFeed(t *testing.T) {
	f := newAPIFixture(t, "")

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev Event
		dec := json.NewDecoder(bytes.NewReader(msg))
		require.NoError(t, dec.Decode(&ev))
		return ev
	}

	assert.Equal(t, EventState, readEvent().Type, "state is pushed on connect")

	f.call(t, http.MethodPost, "/api/proxy/domain", `{"domain":"example.com"}`)
	ev := readEvent()
	assert.Equal(t, EventState, ev.Type)
	assert.Equal(t, "example.com", ev.Data.(map[string]interface{})["domain"])

	p := pipeline.New(f.state, noopLogger{}, pipeline.Options{}, f.hub)
	_, err = p.Process(httptest.NewRequest("GET", "http://example.com/live", nil))
	require.NoError(t, err)
	p.Wait()

	ev = readEvent()
	assert.Equal(t, EventRequest, ev.Type)
	data := ev.Data.(map[string]interface{})
	assert.Equal(t, "1", data["id"])
	assert.Equal(t, "http://example.com/live", data["url"])

	items, _, err := f.ctrl.ListRequests(storage.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, items, 1)
}
