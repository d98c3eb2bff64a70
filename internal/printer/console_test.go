package printer

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/pkg/request"
)

func init() {
	color.NoColor = true
	os.Setenv("MITMTAP_TEST_WIDTH", "80")
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) Fatal(string, ...interface{}) {}

func recordedEvent(rec *request.RecordedRequest) pipeline.Event {
	return pipeline.Event{
		FlowID: "flow-1",
		Action: state.Recorded,
		Method: rec.Method,
		URL:    rec.URL,
		Record: rec,
		At:     rec.CapturedAt,
	}
}

func TestConsolePrinter_PrintRecorded(t *testing.T) {
	p := NewConsolePrinter(noopLogger{}, 0)
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	rec := &request.RecordedRequest{
		ID:     7,
		Method: "GET",
		URL:    "https://example.com/hello?q=1",
		Host:   "example.com",
		Headers: request.Header{
			{Name: "Authorization", Value: "secret"},
			{Name: "Connection", Value: "keep-alive"},
			{Name: "User-Agent", Value: "test-agent"},
		},
		Body:        []byte("hi"),
		CapturedAt:  time.Now(),
		RemoteAddr:  "127.0.0.1",
		ContentType: "text/plain",
		Size:        2,
	}

	if err := p.PrintEvent(recordedEvent(rec)); err != nil {
		t.Fatalf("print event failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Request #7") {
		t.Fatalf("output missing summary:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("sensitive header should be redacted")
	}
	if strings.Contains(out, "Connection:") {
		t.Fatalf("hop-by-hop header should be skipped")
	}
	if !strings.Contains(out, "GET https://example.com/hello?q=1 HTTP/1.1") {
		t.Fatalf("request line missing:\n%s", out)
	}
	if !strings.Contains(out, "UA: test-agent") {
		t.Fatalf("metadata line missing user agent:\n%s", out)
	}
	if !strings.Contains(out, "\nhi\n") {
		t.Fatalf("body missing:\n%s", out)
	}
}

func TestConsolePrinter_BinaryAndEmptyBodies(t *testing.T) {
	p := NewConsolePrinter(noopLogger{}, 0)
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	bin := &request.RecordedRequest{
		ID: 1, Method: "POST", URL: "http://example.com/upload",
		Body: []byte{0, 1, 2}, IsBinary: true, ContentType: "application/octet-stream", Size: 3,
	}
	empty := &request.RecordedRequest{ID: 2, Method: "GET", URL: "http://example.com/", Body: []byte{}}

	if err := p.PrintEvent(recordedEvent(bin)); err != nil {
		t.Fatalf("print event failed: %v", err)
	}
	if err := p.PrintEvent(recordedEvent(empty)); err != nil {
		t.Fatalf("print event failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "[Binary Body: application/octet-stream, 3 B. Content skipped.]") {
		t.Errorf("binary notice missing:\n%s", out)
	}
	if !strings.Contains(out, "[Empty Body - 0 B]") {
		t.Errorf("empty body notice missing:\n%s", out)
	}
}

func TestConsolePrinter_TruncatesLongBodies(t *testing.T) {
	p := NewConsolePrinter(noopLogger{}, 4)
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	rec := &request.RecordedRequest{
		ID: 3, Method: "POST", URL: "http://example.com/",
		Body: []byte("abcdefgh"), Size: 8,
	}
	if err := p.PrintEvent(recordedEvent(rec)); err != nil {
		t.Fatalf("print event failed: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "abcdefgh") {
		t.Errorf("Expected body to be truncated, got:\n%s", out)
	}
	if !strings.Contains(out, "[Truncated: showing 4 B of 8 B]") {
		t.Errorf("truncation notice missing:\n%s", out)
	}
}

func TestConsolePrinter_PrintIntercepted(t *testing.T) {
	p := NewConsolePrinter(noopLogger{}, 0)
	buf := &bytes.Buffer{}
	p.SetOutput(buf)

	tpl := &request.RecordedRequest{ID: 4, Method: "POST", URL: "https://example.com/login", Body: []byte("user=a")}
	ev := pipeline.Event{
		FlowID: "flow-2",
		Action: state.Intercepted,
		Method: "POST",
		URL:    "https://example.com/login",
		Record: tpl,
		At:     time.Now(),
	}
	if err := p.PrintEvent(ev); err != nil {
		t.Fatalf("print event failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "Intercepted") {
		t.Errorf("interception header missing:\n%s", out)
	}
	if !strings.Contains(out, "Template: #4 POST https://example.com/login") {
		t.Errorf("template line missing:\n%s", out)
	}
}

func TestConsolePrinter_RejectsEventWithoutRecord(t *testing.T) {
	p := NewConsolePrinter(noopLogger{}, 0)
	p.SetOutput(&bytes.Buffer{})
	if err := p.PrintEvent(pipeline.Event{Action: state.Recorded}); err == nil {
		t.Fatalf("Expected error for event without record")
	}
}

func TestConsolePrinter_WrapText(t *testing.T) {
	p := NewConsolePrinter(noopLogger{}, 0)

	lines := p.wrapText("alpha beta gamma delta", 11)
	if len(lines) != 2 || lines[0] != "alpha beta" || lines[1] != "gamma delta" {
		t.Fatalf("Expected two wrapped lines, got %q", lines)
	}

	// Wide characters count as two columns.
	lines = p.wrapText("你好 世界", 4)
	if len(lines) != 2 {
		t.Fatalf("Expected wide text to wrap, got %q", lines)
	}
}

func TestNewSelectsPrinterByMode(t *testing.T) {
	if _, ok := New(noopLogger{}, &config.OutputConfig{Mode: "json"}).(*JSONPrinter); !ok {
		t.Errorf("Expected JSONPrinter for json mode")
	}
	if _, ok := New(noopLogger{}, &config.OutputConfig{Mode: "console"}).(*ConsolePrinter); !ok {
		t.Errorf("Expected ConsolePrinter for console mode")
	}
	if _, ok := New(noopLogger{}, nil).(*ConsolePrinter); !ok {
		t.Errorf("Expected ConsolePrinter by default")
	}
}
