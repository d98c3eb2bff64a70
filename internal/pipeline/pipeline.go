// Package pipeline applies the recording and interception rules to every request
// that passes through the proxy.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/pkg/request"
)

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// Event describes a recorded or intercepted flow.
type Event struct {
	FlowID string
	Action state.Action
	Method string
	URL    string
	// Record is the captured request, or the template that was applied.
	Record *request.RecordedRequest
	At     time.Time
}

// Observer receives flow events. Observe runs off the request path.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer
func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Options pipeline configuration
type Options struct {
	// MaxBodyBytes caps captured bodies (0 = unlimited)
	MaxBodyBytes int64
}

// Result is the outcome of Process.
type Result struct {
	FlowID string
	Action state.Action
	Record *request.RecordedRequest
	Reason string
}

// Pipeline classifies requests against the shared state and rewrites them when intercepting.
type Pipeline struct {
	state     *state.State
	logger    logger.Logger
	opts      Options
	observers []Observer

	mu     sync.Mutex
	closed bool
	procWG sync.WaitGroup
}

// New creates a pipeline
func New(st *state.State, log logger.Logger, opts Options, observers ...Observer) *Pipeline {
	return &Pipeline{
		state:     st,
		logger:    log,
		opts:      opts,
		observers: observers,
	}
}

type flowContext struct {
	id     string
	action state.Action
	start  time.Time
}

// Register installs the pipeline's request and response hooks on proxy.
func (p *Pipeline) Register(proxy *goproxy.ProxyHttpServer) {
	proxy.OnRequest().DoFunc(p.HandleRequest)
	proxy.OnResponse().DoFunc(p.HandleResponse)
}

// HandleRequest is a goproxy request hook.
func (p *Pipeline) HandleRequest(req *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	start := time.Now()
	trimDefaultPort(req.URL)
	res, err := p.Process(req)
	ctx.UserData = &flowContext{id: res.FlowID, action: res.Action, start: start}

	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errRequestBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
			p.logger.Warn("Request body exceeds configured limit",
				"flow_id", res.FlowID,
				"limit_bytes", p.opts.MaxBodyBytes,
				"url", req.URL.String(),
			)
		} else {
			p.logger.Error("Failed to read request body", "flow_id", res.FlowID, "error", err)
		}
		return req, goproxy.NewResponse(req, goproxy.ContentTypeText, status, http.StatusText(status))
	}

	// Go's transport adds its own User-Agent when none is present.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}
	return req, nil
}

// HandleResponse is a goproxy response hook. Responses are relayed untouched;
// a failed upstream round trip becomes a 502.
func (p *Pipeline) HandleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	fc, _ := ctx.UserData.(*flowContext)
	if fc == nil {
		fc = &flowContext{start: time.Now()}
	}

	if resp == nil {
		if ctx.Error == nil || ctx.Req == nil {
			return nil
		}
		p.logger.Warn("Upstream request failed",
			"flow_id", fc.id,
			"url", ctx.Req.URL.String(),
			"error", ctx.Error,
		)
		return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, http.StatusBadGateway,
			fmt.Sprintf("upstream error: %v", ctx.Error))
	}

	if ctx.Req != nil {
		p.logger.Debug("Flow completed",
			"flow_id", fc.id,
			"action", fc.action.String(),
			"method", ctx.Req.Method,
			"url", ctx.Req.URL.String(),
			"status", resp.StatusCode,
			"duration_ms", time.Since(fc.start).Milliseconds(),
		)
	}
	return resp
}

// Process runs the filter and mode rules on req, rewriting it in place when a
// template applies. The body is only buffered, and held to MaxBodyBytes, when
// the host passes the filter in recording mode. Otherwise it streams through.
func (p *Pipeline) Process(req *http.Request) (Result, error) {
	res := Result{FlowID: uuid.NewString(), Action: state.PassThrough}
	host := request.Hostname(req)

	mode, ok := p.state.Route(host)
	if !ok {
		res.Reason = "domain filter"
		return res, nil
	}

	var body []byte
	if mode == state.Recording {
		var err error
		body, err = p.readRequestBody(req)
		if err != nil {
			return res, err
		}
		restoreBody(req, body)
	}

	decision, err := p.state.Evaluate(state.Flow{
		Host:   host,
		Method: req.Method,
		Capture: func() *request.RecordedRequest {
			// The mode switched to recording after the body started streaming.
			if body == nil {
				return nil
			}
			return request.Capture(req, body)
		},
	})
	if err != nil {
		// Store trouble must not break the flow; it is forwarded as-is.
		p.logger.Error("Failed to evaluate flow", "flow_id", res.FlowID, "error", err)
	}
	res.Action = decision.Action
	res.Record = decision.Record
	res.Reason = decision.Reason

	switch decision.Action {
	case state.Recorded:
		p.logger.Info("Request recorded",
			"flow_id", res.FlowID,
			"id", decision.Record.ID,
			"method", req.Method,
			"url", decision.Record.URL,
			"size", decision.Record.Size,
		)
	case state.Intercepted:
		if req.Body != nil {
			req.Body.Close()
		}
		applyTemplate(req, decision.Record)
		p.logger.Info("Request intercepted",
			"flow_id", res.FlowID,
			"template_id", decision.Record.ID,
			"method", req.Method,
			"url", req.URL.String(),
		)
	default:
		p.logger.Debug("Request passed through", "flow_id", res.FlowID, "host", host, "reason", decision.Reason)
		return res, nil
	}

	p.notify(Event{
		FlowID: res.FlowID,
		Action: decision.Action,
		Method: req.Method,
		URL:    req.URL.String(),
		Record: decision.Record,
		At:     time.Now(),
	})
	return res, nil
}

// Wait blocks until pending observer notifications are delivered. Flows
// processed after Wait is called are still handled but no longer notified.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.procWG.Wait()
}

func (p *Pipeline) notify(ev Event) {
	if len(p.observers) == 0 {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.procWG.Add(1)
	p.mu.Unlock()
	go func() {
		defer p.procWG.Done()
		var group errgroup.Group
		for _, o := range p.observers {
			o := o
			group.Go(func() error {
				o.Observe(ev)
				return nil
			})
		}
		_ = group.Wait()
	}()
}

func (p *Pipeline) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return []byte{}, nil
	}
	defer r.Body.Close()

	if p.opts.MaxBodyBytes <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, p.opts.MaxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > p.opts.MaxBodyBytes {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func restoreBody(r *http.Request, body []byte) {
	if len(body) == 0 && r.ContentLength <= 0 {
		r.Body = http.NoBody
		r.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// trimDefaultPort drops the scheme's default port, which goproxy adds to
// requests read from a terminated CONNECT tunnel.
func trimDefaultPort(u *url.URL) {
	port := u.Port()
	if (u.Scheme == "https" && port == "443") || (u.Scheme == "http" && port == "80") {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}
}

// applyTemplate replaces every header and the body of r with the template's.
// Method, URL and Host stay those of the live request.
func applyTemplate(r *http.Request, tpl *request.RecordedRequest) {
	r.Header = tpl.Headers.HTTP()
	r.TransferEncoding = nil
	r.ContentLength = int64(len(tpl.Body))
	if len(tpl.Body) > 0 {
		r.Header.Set("Content-Length", fmt.Sprint(len(tpl.Body)))
	} else {
		r.Header.Del("Content-Length")
	}
	restoreBody(r, tpl.Body)
}
