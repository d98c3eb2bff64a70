// Package printer renders flow events on the terminal, as coloured HTTP
// messages or as JSON lines.
package printer

import (
	"errors"

	"github.com/funnyzak/mitmtap/internal/config"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/pipeline"
)

var errNoRecord = errors.New("flow event carries no request")

// Printer is a pipeline observer that renders each event.
type Printer interface {
	pipeline.Observer
	PrintEvent(pipeline.Event) error
}

// New creates a Printer for the configured output mode
func New(log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	switch cfg.Mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		return NewConsolePrinter(log, cfg.BodyPreviewBytes)
	}
}
