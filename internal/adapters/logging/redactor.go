// Package logging provides slog handlers that keep key material out of logs.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder for redacted sensitive data.
const RedactedValue = "[REDACTED]"

var defaultSensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"bearer",
	"private_key",
	"private-key",
	"privatekey",
	"key_pem",
	"key_material",
}

// RedactorHandler wraps an slog.Handler and replaces sensitive attributes.
// A key is sensitive when it, one of its '_', '-' or '.' separated words, or
// one of its trailing word runs is a configured name: "tls_private_key" and
// "api_token" are redacted while "authorization_mode" is not.
type RedactorHandler struct {
	handler         slog.Handler
	sensitiveFields map[string]bool
}

// NewRedactorHandler creates a handler that redacts the default sensitive fields
// plus any extra names given.
func NewRedactorHandler(handler slog.Handler, extra ...string) *RedactorHandler {
	fields := make(map[string]bool, len(defaultSensitiveFields)+len(extra))
	for _, f := range defaultSensitiveFields {
		fields[f] = true
	}
	for _, f := range extra {
		fields[strings.ToLower(f)] = true
	}
	return &RedactorHandler{handler: handler, sensitiveFields: fields}
}

// Enabled implements slog.Handler.
func (h *RedactorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler with sensitive data redaction.
//
//nolint:gocritic // Required by slog.Handler interface
func (h *RedactorHandler) Handle(ctx context.Context, record slog.Record) error {
	newRecord := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		newRecord.AddAttrs(h.redactAttr(attr))
		return true
	})

	if err := h.handler.Handle(ctx, newRecord); err != nil {
		return fmt.Errorf("redactor handle failed: %w", err)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *RedactorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redactedAttrs := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redactedAttrs[i] = h.redactAttr(attr)
	}
	return &RedactorHandler{handler: h.handler.WithAttrs(redactedAttrs), sensitiveFields: h.sensitiveFields}
}

// WithGroup implements slog.Handler.
func (h *RedactorHandler) WithGroup(name string) slog.Handler {
	return &RedactorHandler{handler: h.handler.WithGroup(name), sensitiveFields: h.sensitiveFields}
}

func (h *RedactorHandler) redactAttr(attr slog.Attr) slog.Attr {
	if h.isSensitiveField(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}

	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		group := value.Group()
		redactedAttrs := make([]slog.Attr, len(group))
		for i, groupAttr := range group {
			redactedAttrs[i] = h.redactAttr(groupAttr)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(redactedAttrs...)}
	case slog.KindString:
		if containsPrivateKey(value.String()) {
			return slog.String(attr.Key, RedactedValue)
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *RedactorHandler) isSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if h.sensitiveFields[lower] {
		return true
	}
	start := 0
	for i := 0; i <= len(lower); i++ {
		if i < len(lower) && !isSeparator(lower[i]) {
			continue
		}
		if h.sensitiveFields[lower[start:i]] || (i < len(lower) && h.sensitiveFields[lower[i+1:]]) {
			return true
		}
		start = i + 1
	}
	return false
}

func isSeparator(b byte) bool {
	return b == '_' || b == '-' || b == '.'
}

// containsPrivateKey matches PKCS#1, PKCS#8 and SEC 1 PEM headers.
func containsPrivateKey(value string) bool {
	return strings.Contains(value, "PRIVATE KEY-----")
}

// NewSecureSlogLogger creates a logger with automatic sensitive data redaction.
func NewSecureSlogLogger(handler slog.Handler) *slog.Logger {
	return slog.New(NewRedactorHandler(handler))
}

// Format selects the output encoding of New.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat accepts "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown log format %q", s)
	}
}

// New creates a redacting logger writing to w.
func New(w io.Writer, format Format, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return NewSecureSlogLogger(handler)
}
