package printer

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/state"
	"github.com/funnyzak/mitmtap/pkg/request"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET      *color.Color
	MethodPOST     *color.Color
	MethodPUT      *color.Color
	MethodDELETE   *color.Color
	MethodPATCH    *color.Color
	HeaderKey      *color.Color
	HeaderValue    *color.Color
	Separator      *color.Color
	Intercepted    *color.Color
	Timestamp      *color.Color
	BodyContent    *color.Color
	BinaryNotice   *color.Color
	TruncateNotice *color.Color
	RemoteAddr     *color.Color
	Query          *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:      color.New(color.FgBlue, color.Bold),
		MethodPOST:     color.New(color.FgGreen, color.Bold),
		MethodPUT:      color.New(color.FgYellow, color.Bold),
		MethodDELETE:   color.New(color.FgRed, color.Bold),
		MethodPATCH:    color.New(color.FgMagenta, color.Bold),
		HeaderKey:      color.New(color.FgCyan),
		HeaderValue:    color.New(color.FgWhite),
		Separator:      color.New(color.FgYellow, color.Bold),
		Intercepted:    color.New(color.FgHiMagenta, color.Bold),
		Timestamp:      color.New(color.FgHiBlack),
		BodyContent:    color.New(color.FgWhite),
		BinaryNotice:   color.New(color.FgHiRed, color.Bold),
		TruncateNotice: color.New(color.FgHiYellow, color.Bold),
		RemoteAddr:     color.New(color.FgHiBlue),
		Query:          color.New(color.FgHiMagenta),
	}
}

// ConsolePrinter renders flow events as raw HTTP messages on a terminal.
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	maxBody     int

	// mu keeps the lines of one event together; observers run concurrently.
	mu  sync.Mutex
	out io.Writer
}

// NewConsolePrinter creates a new console printer. Bodies longer than
// maxBody bytes are truncated on screen (0 = print everything).
func NewConsolePrinter(log logger.Logger, maxBody int) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		maxBody:     maxBody,
		out:         color.Output,
	}
}

// SetOutput replaces the output target
func (p *ConsolePrinter) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w == nil {
		w = color.Output
	}
	p.out = w
}

// Observe implements pipeline.Observer
func (p *ConsolePrinter) Observe(ev pipeline.Event) {
	if err := p.PrintEvent(ev); err != nil && p.logger != nil {
		p.logger.Error("Failed to print flow", "flow_id", ev.FlowID, "error", err)
	}
}

// PrintEvent prints a recorded request in full, or a one-block notice for an
// intercepted flow.
func (p *ConsolePrinter) PrintEvent(ev pipeline.Event) error {
	if ev.Record == nil {
		return errNoRecord
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	width := p.getTerminalWidth()
	if ev.Action == state.Intercepted {
		p.printInterception(ev, width)
		return nil
	}

	rec := ev.Record
	p.printSummary(rec, width)
	p.printRequestLine(rec.Method, rec.URL)
	p.printHeaders(rec.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(rec)
	fmt.Fprintln(p.out)
	return nil
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("MITMTAP_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within maxWidth display columns, preserving words.
func (p *ConsolePrinter) wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := runewidth.StringWidth(currentLine)

	for _, word := range words[1:] {
		wordWidth := runewidth.StringWidth(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}

	return append(lines, currentLine)
}

func (p *ConsolePrinter) printSummary(rec *request.RecordedRequest, width int) {
	separator := strings.Repeat("-", width)
	timestamp := rec.CapturedAt.Format("2006-01-02T15:04:05-07:00")

	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Request #%d  %s\n", rec.ID, timestamp)
	p.printMetadataLine(rec)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printInterception(ev pipeline.Event, width int) {
	separator := strings.Repeat("-", width)
	tpl := ev.Record

	p.colorScheme.Intercepted.Fprintln(p.out, separator)
	p.colorScheme.Intercepted.Fprintf(p.out, "Intercepted  %s\n", ev.At.Format("2006-01-02T15:04:05-07:00"))
	p.printRequestLine(ev.Method, ev.URL)
	fmt.Fprintf(p.out, "Template: #%d %s %s | Body: %s\n",
		tpl.ID, tpl.Method, tpl.URL, humanize.Bytes(uint64(len(tpl.Body))))
	p.colorScheme.Intercepted.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printMetadataLine(rec *request.RecordedRequest) {
	first := true
	addSep := func() {
		if first {
			first = false
			return
		}
		fmt.Fprint(p.out, " | ")
	}

	if rec.RemoteAddr != "" {
		addSep()
		fmt.Fprint(p.out, "Remote: ")
		p.colorScheme.RemoteAddr.Fprint(p.out, rec.RemoteAddr)
	}

	if ua := rec.Headers.Get("User-Agent"); ua != "" {
		addSep()
		fmt.Fprint(p.out, "UA: ")
		p.colorScheme.BodyContent.Fprint(p.out, ua)
	}

	if rec.ContentType != "" {
		addSep()
		fmt.Fprint(p.out, "Content-Type: ")
		p.colorScheme.HeaderValue.Fprint(p.out, rec.ContentType)
	}

	addSep()
	fmt.Fprint(p.out, "Size: ")
	p.colorScheme.BodyContent.Fprint(p.out, humanize.Bytes(uint64(rec.Size)))
	fmt.Fprintln(p.out)
}

// printRequestLine prints an absolute-form request line, the way a client
// talks to a forward proxy.
func (p *ConsolePrinter) printRequestLine(method, rawURL string) {
	method = strings.ToUpper(method)
	target, query := rawURL, ""
	if u, err := url.Parse(rawURL); err == nil && u.RawQuery != "" {
		query = u.RawQuery
		u.RawQuery = ""
		target = u.String()
	}

	p.getMethodColor(method).Fprintf(p.out, "%s ", method)
	fmt.Fprint(p.out, target)
	if query != "" {
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, query)
	}
	fmt.Fprintln(p.out, " HTTP/1.1")
}

func (p *ConsolePrinter) printHeaders(headers request.Header, width int) {
	for _, field := range headers {
		lowerKey := strings.ToLower(field.Name)
		if p.shouldSkipHeader(lowerKey) {
			continue
		}
		value := field.Value
		if p.isSensitiveHeader(lowerKey) {
			value = "[REDACTED]"
		}
		p.printHeaderLine(field.Name, value, width)
	}
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	prefix := key + ": "
	prefixWidth := runewidth.StringWidth(prefix)
	available := width - prefixWidth
	if available < 20 {
		available = 20
	}

	wrapped := p.wrapText(value, available)

	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, wrapped[0])

	indent := strings.Repeat(" ", prefixWidth)
	for _, line := range wrapped[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(rec *request.RecordedRequest) {
	bodySize := humanize.Bytes(uint64(len(rec.Body)))

	if len(rec.Body) == 0 {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Empty Body - %s]\n", bodySize)
		return
	}

	if rec.IsBinary {
		p.colorScheme.BinaryNotice.Fprintf(p.out, "[Binary Body: %s, %s. Content skipped.]\n", rec.ContentType, bodySize)
		return
	}

	body := rec.Body
	truncated := false
	if p.maxBody > 0 && len(body) > p.maxBody {
		body = body[:p.maxBody]
		truncated = true
	}

	for _, line := range strings.Split(strings.ToValidUTF8(string(body), "�"), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			fmt.Fprintln(p.out)
			continue
		}
		p.colorScheme.BodyContent.Fprintln(p.out, trimmed)
	}

	if truncated {
		p.colorScheme.TruncateNotice.Fprintf(p.out, "[Truncated: showing %s of %s]\n",
			humanize.Bytes(uint64(len(body))), bodySize)
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch method {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

// isSensitiveHeader checks if it's sensitive header information
func (p *ConsolePrinter) isSensitiveHeader(key string) bool {
	sensitiveHeaders := map[string]bool{
		"authorization":       true,
		"proxy-authorization": true,
		"cookie":              true,
		"set-cookie":          true,
		"x-api-key":           true,
		"x-auth-token":        true,
		"x-csrf-token":        true,
		"x-session-token":     true,
	}
	return sensitiveHeaders[key]
}

// shouldSkipHeader checks if header should be skipped from display
func (p *ConsolePrinter) shouldSkipHeader(key string) bool {
	skipHeaders := map[string]bool{
		"connection":        true,
		"keep-alive":        true,
		"proxy-connection":  true,
		"te":                true,
		"trailer":           true,
		"transfer-encoding": true,
		"upgrade":           true,
	}
	return skipHeaders[key]
}
