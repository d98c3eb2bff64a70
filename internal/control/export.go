package control

import (
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/funnyzak/mitmtap/pkg/request"
)

// RequestIterator yields stored requests until yield returns false.
type RequestIterator func(yield func(*request.RecordedRequest) bool) error

// DescribeFormat returns the content type and file extension for format.
func DescribeFormat(format string) (string, string, error) {
	switch strings.ToLower(format) {
	case "json":
		return "application/json", "json", nil
	case "csv":
		return "text/csv", "csv", nil
	default:
		return "", "", fmt.Errorf("unsupported export format: %s", format)
	}
}

// StreamExport writes every request from iter to w in format, one record at a time.
func StreamExport(w io.Writer, iter RequestIterator, format string) (string, string, error) {
	contentType, ext, err := DescribeFormat(format)
	if err != nil {
		return "", "", err
	}

	switch ext {
	case "json":
		err = streamJSON(w, iter)
	case "csv":
		err = streamCSV(w, iter)
	}
	return contentType, ext, err
}

func streamJSON(w io.Writer, iter RequestIterator) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	var writeErr error
	err := iter(func(item *request.RecordedRequest) bool {
		buf, err := json.Marshal(item)
		if err != nil {
			writeErr = err
			return false
		}
		if !first {
			if _, writeErr = io.WriteString(w, ",\n"); writeErr != nil {
				return false
			}
		}
		first = false
		_, writeErr = w.Write(buf)
		return writeErr == nil
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

var csvColumns = []string{
	"id", "captured_at", "method", "url", "host", "remote_addr",
	"content_type", "size", "is_binary", "headers", "body_base64",
}

func streamCSV(w io.Writer, iter RequestIterator) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvColumns); err != nil {
		return err
	}

	var writeErr error
	err := iter(func(item *request.RecordedRequest) bool {
		headersJSON, _ := json.Marshal(item.Headers)
		line := []string{
			strconv.FormatUint(item.ID, 10),
			item.CapturedAt.Format(time.RFC3339Nano),
			item.Method,
			item.URL,
			item.Host,
			item.RemoteAddr,
			item.ContentType,
			strconv.FormatInt(item.Size, 10),
			strconv.FormatBool(item.IsBinary),
			string(headersJSON),
			base64.StdEncoding.EncodeToString(item.Body),
		}
		writeErr = writer.Write(line)
		return writeErr == nil
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return writeErr
	}

	writer.Flush()
	return writer.Error()
}

// AllowedFormats normalizes configured export formats.
func AllowedFormats(formats []string) []string {
	set := make(map[string]struct{})
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		set[f] = struct{}{}
	}

	result := make([]string, 0, len(set))
	for f := range set {
		result = append(result, f)
	}
	sort.Strings(result)
	return result
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}
