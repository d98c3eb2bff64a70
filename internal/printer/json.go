package printer

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/pkg/request"
)

// JSONPrinter writes one JSON line per flow event
type JSONPrinter struct {
	mu      sync.Mutex
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON printer writing to stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the output target
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)

	p.mu.Lock()
	p.out = w
	p.encoder = encoder
	p.mu.Unlock()
}

type jsonEventEnvelope struct {
	Type       string                   `json:"type"`
	FlowID     string                   `json:"flow_id"`
	At         time.Time                `json:"at"`
	Method     string                   `json:"method"`
	URL        string                   `json:"url"`
	Request    *request.RecordedRequest `json:"request,omitempty"`
	TemplateID uint64                   `json:"template_id,string,omitempty"`
	BodyText   string                   `json:"body_text,omitempty"`
}

// Observe implements pipeline.Observer
func (p *JSONPrinter) Observe(ev pipeline.Event) {
	_ = p.PrintEvent(ev)
}

// PrintEvent encodes ev as a "request" or "interception" line.
func (p *JSONPrinter) PrintEvent(ev pipeline.Event) error {
	if ev.Record == nil {
		return errNoRecord
	}

	env := jsonEventEnvelope{
		FlowID: ev.FlowID,
		At:     ev.At,
		Method: ev.Method,
		URL:    ev.URL,
	}
	if ev.Action == state.Intercepted {
		env.Type = "interception"
		env.TemplateID = ev.Record.ID
	} else {
		env.Type = "request"
		env.Request = ev.Record
		if !ev.Record.IsBinary && len(ev.Record.Body) > 0 {
			env.BodyText = ev.Record.BodyText()
		}
	}

	p.mu.Lock()
	err := p.encoder.Encode(env)
	p.mu.Unlock()
	if err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode flow JSON", "flow_id", ev.FlowID, "error", err)
		}
		return err
	}
	return nil
}
