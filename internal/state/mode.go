package state

import (
	"errors"
	"fmt"
	"strings"
)

// Mode is the proxy's operating mode.
type Mode int

const (
	// Recording forwards traffic and archives matching requests.
	Recording Mode = iota
	// Interception rewrites matching requests with the active template.
	Interception
)

// ErrInvalidMode is returned when parsing an unknown mode name.
var ErrInvalidMode = errors.New("invalid mode")

// ParseMode parses "recording" or "interception", ignoring case and surrounding space.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "recording":
		return Recording, nil
	case "interception":
		return Interception, nil
	default:
		return Recording, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) String() string {
	switch m {
	case Recording:
		return "recording"
	case Interception:
		return "interception"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}
