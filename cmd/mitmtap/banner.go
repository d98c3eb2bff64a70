package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/mitmtap/internal/config"
)

const minBoxWidth = 50

func printStartupBanner(w io.Writer, cfg *config.Config) {
	titleLine := fmt.Sprintf("MitmTap v%s", version)
	subtitleLine := "Recording & Intercepting Forward Proxy"

	lines := bannerLines(cfg)

	maxLength := runewidth.StringWidth(titleLine)
	if n := runewidth.StringWidth(subtitleLine); n > maxLength {
		maxLength = n
	}
	for _, line := range lines {
		if n := runewidth.StringWidth(line) + 2; n > maxLength {
			maxLength = n
		}
	}
	boxWidth := maxLength + 4
	if boxWidth < minBoxWidth {
		boxWidth = minBoxWidth
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(w, titleLine, boxWidth, true)
	printBoxContent(w, subtitleLine, boxWidth, true)
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(w, line, boxWidth, false)
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)
}

func bannerLines(cfg *config.Config) []string {
	var lines []string

	proxyState := "stopped (start via control API)"
	if cfg.Proxy.AutoStart {
		proxyState = "starting"
	}
	lines = append(lines,
		fmt.Sprintf("Proxy:        http://%s (%s)", cfg.ProxyAddr(), proxyState),
		fmt.Sprintf("Mode:         %s", cfg.Proxy.Mode),
	)
	if cfg.Proxy.Domain != "" {
		lines = append(lines, fmt.Sprintf("Domain:       *%s*", cfg.Proxy.Domain))
	} else {
		lines = append(lines, "Domain:       (all hosts)")
	}

	lines = append(lines, "")
	if cfg.TLS.Enable {
		lines = append(lines, "HTTPS:        intercepted")
		lines = append(lines, fmt.Sprintf("  └─ CA:      %s", cfg.TLS.CACert))
	} else {
		lines = append(lines, "HTTPS:        disabled")
	}

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("Control API:  http://%s/api", cfg.ControlAddr()))
	if cfg.Control.Auth.Token != "" {
		lines = append(lines, "  └─ Auth:    bearer token")
	} else {
		lines = append(lines, "  └─ Auth:    none")
	}
	lines = append(lines, fmt.Sprintf("  └─ Export:  %s", strings.Join(cfg.Control.ExportFormats, ", ")))

	lines = append(lines, "")
	lines = append(lines, fmt.Sprintf("Store:        %s (max %d records)", cfg.Store.Driver, cfg.Store.MaxRecords))
	if cfg.Log.FileLogging.Enable {
		lines = append(lines, fmt.Sprintf("Log File:     %s", cfg.Log.FileLogging.Path))
	}

	lines = append(lines, "", "(Press Ctrl+C to stop)")
	return lines
}

func printBoxContent(w io.Writer, content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		if padding >= 2 {
			rightPad = strings.Repeat(" ", padding-2)
		}
	}

	fmt.Fprintf(w, "│%s%s%s│\n", leftPad, content, rightPad)
}
