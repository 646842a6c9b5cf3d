package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

// ErrorLevel represents the severity of an error message
type ErrorLevel int

const (
	ErrorLevelError ErrorLevel = iota
	ErrorLevelWarning
)

// ErrorOptions configures the error message formatting
type ErrorOptions struct {
	Level        ErrorLevel
	Context      string
	Problem      string
	Consequence  string
	Suggestions  []string
	HelpCommands []string
	NoColor      bool
}

// FormatError creates a standardized error message with suggestions and help commands
//
// Example output:
//
//	❌ ENTITY NOT FOUND: Invoice
//	   No metadata for entity type 'Invoice'.
//
//	   Known entity types: WorkOrder, Asset
//
//	   → Check metadata.file or metadata.crm_url in layoutd.yaml
func FormatError(opts ErrorOptions) string {
	var b strings.Builder

	var headerColor, bodyColor *color.Color
	var symbol string
	switch opts.Level {
	case ErrorLevelWarning:
		headerColor = color.New(color.FgYellow, color.Bold)
		bodyColor = color.New(color.FgYellow)
		symbol = "⚠️"
	default:
		headerColor = color.New(color.FgRed, color.Bold)
		bodyColor = color.New(color.FgRed)
		symbol = "❌"
	}
	if opts.NoColor {
		headerColor.DisableColor()
		bodyColor.DisableColor()
	}

	if opts.Context != "" {
		headerColor.Fprintf(&b, "%s %s\n", symbol, strings.ToUpper(opts.Context))
		bodyColor.Fprintf(&b, "   %s\n", opts.Problem)
	} else {
		headerColor.Fprintf(&b, "%s %s\n", symbol, opts.Problem)
	}

	if opts.Consequence != "" {
		b.WriteString("\n")
		bodyColor.Fprintf(&b, "   %s\n", opts.Consequence)
	}

	if len(opts.Suggestions) > 0 {
		b.WriteString("\n")
		yellow := color.New(color.FgYellow)
		if opts.NoColor {
			yellow.DisableColor()
		}
		for _, s := range opts.Suggestions {
			yellow.Fprintf(&b, "   %s\n", s)
		}
	}

	if len(opts.HelpCommands) > 0 {
		b.WriteString("\n")
		cyan := color.New(color.FgCyan)
		if opts.NoColor {
			cyan.DisableColor()
		}
		for _, cmd := range opts.HelpCommands {
			cyan.Fprintf(&b, "   → %s\n", cmd)
		}
	}

	return b.String()
}

// WriteError writes a formatted error message to the writer
func WriteError(w io.Writer, opts ErrorOptions) {
	fmt.Fprint(w, FormatError(opts))
}

// EntityNotFoundError reports an entity type the metadata source does not know
func EntityNotFoundError(entityType string, noColor bool) string {
	return FormatError(ErrorOptions{
		Level:   ErrorLevelError,
		Context: "entity not found",
		Problem: fmt.Sprintf("No metadata for entity type '%s'.", entityType),
		HelpCommands: []string{
			"Check metadata.file or metadata.crm_url in layoutd.yaml",
		},
		NoColor: noColor,
	})
}

// MigrationError reports a failed schema migration
func MigrationError(message string, noColor bool) string {
	return FormatError(ErrorOptions{
		Level:       ErrorLevelError,
		Context:     "migration failed",
		Problem:     message,
		Consequence: "Applied migrations were committed; the failed one was rolled back.",
		HelpCommands: []string{
			"Check migration status: layoutd migrate status",
			"Show the driver error: layoutd migrate up --verbose",
		},
		NoColor: noColor,
	})
}

// ConfigError reports an invalid or unreadable configuration
func ConfigError(message string, noColor bool) string {
	return FormatError(ErrorOptions{
		Level:   ErrorLevelError,
		Context: "configuration error",
		Problem: message,
		Suggestions: []string{
			"Settings are read from layoutd.yaml, .env and LAYOUTD_* variables.",
		},
		HelpCommands: []string{
			"Use another file: layoutd --config path/to/layoutd.yaml",
		},
		NoColor: noColor,
	})
}
