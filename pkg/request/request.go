package request

import (
	"net"
	"net/http"
	"strings"
	"time"
)

// RecordedRequest is a captured HTTP request. It is immutable once stored:
// consumers must treat every field, including Headers and Body, as read-only.
type RecordedRequest struct {
	ID          uint64    `json:"id,string"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Host        string    `json:"host"`
	Headers     Header    `json:"headers"`
	Body        []byte    `json:"body"`
	CapturedAt  time.Time `json:"captured_at"`
	RemoteAddr  string    `json:"remote_addr"`
	ContentType string    `json:"content_type"`
	IsBinary    bool      `json:"is_binary"`
	Size        int64     `json:"size"`
}

// Summary is the list view of a RecordedRequest.
type Summary struct {
	ID         uint64    `json:"id,string"`
	Method     string    `json:"method"`
	URL        string    `json:"url"`
	Host       string    `json:"host"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int64     `json:"size"`
}

// Capture builds a record from a live request and its already-read body.
// ID and CapturedAt are left for the owner of the id sequence to assign.
func Capture(r *http.Request, body []byte) *RecordedRequest {
	if body == nil {
		body = []byte{}
	}
	contentType := r.Header.Get("Content-Type")

	return &RecordedRequest{
		Method:      r.Method,
		URL:         r.URL.String(),
		Host:        Hostname(r),
		Headers:     FromHTTP(r.Header),
		Body:        body,
		RemoteAddr:  getClientIP(r),
		ContentType: contentType,
		IsBinary:    isBinaryContent(contentType, body),
		Size:        int64(len(body)),
	}
}

// Summary returns the list view of r.
func (r *RecordedRequest) Summary() Summary {
	return Summary{
		ID:         r.ID,
		Method:     r.Method,
		URL:        r.URL,
		Host:       r.Host,
		CapturedAt: r.CapturedAt,
		Size:       r.Size,
	}
}

// BodyText returns the body as UTF-8 text with invalid sequences replaced.
func (r *RecordedRequest) BodyText() string {
	return strings.ToValidUTF8(string(r.Body), "�")
}

// Hostname returns the target host of r without port, lowercased.
func Hostname(r *http.Request) string {
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		host = strings.Trim(host, "[]")
	}
	return strings.ToLower(host)
}

// getClientIP returns the address of the connecting client. Forwarding headers are
// ignored since a forward proxy is the first hop.
func getClientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// isBinaryContent detects if it's binary content
func isBinaryContent(contentType string, body []byte) bool {
	binaryTypes := []string{
		"image/", "video/", "audio/",
		"application/octet-stream",
		"application/zip", "application/gzip",
		"application/pdf", "application/msword",
		"application/protobuf", "application/grpc",
		"application/vnd.ms-", "application/vnd.openxmlformats-",
	}

	for _, binaryType := range binaryTypes {
		if strings.HasPrefix(contentType, binaryType) {
			return true
		}
	}

	nullCount := 0
	for _, b := range body {
		if b == 0 {
			nullCount++
		}
	}
	// More than 10% null bytes
	return len(body) > 0 && nullCount > len(body)/10
}
