// Package providers defines the shared error shape for external provider
// integrations (payment gateway, invoicing, carrier) so orchestration code
// never branches on a specific provider's payload format.
package providers

import (
	"errors"
	"fmt"
	"strings"
)

// Error normalises a provider-reported failure. Code is a short machine
// identifier from the provider when available, Title a one-line summary and
// Detail the preserved provider detail text.
type Error struct {
	Provider string
	Code     string
	Title    string
	Detail   string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "provider error"
	}
	parts := make([]string, 0, 3)
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	summary := e.Title
	if summary == "" {
		summary = e.Detail
	}
	if summary != "" {
		parts = append(parts, summary)
	}
	if len(parts) == 0 {
		return "provider error"
	}
	return strings.Join(parts, ": ")
}

// NewError builds an Error for the given provider.
func NewError(provider, code, title, detail string) *Error {
	return &Error{
		Provider: strings.TrimSpace(provider),
		Code:     strings.TrimSpace(code),
		Title:    strings.TrimSpace(title),
		Detail:   strings.TrimSpace(detail),
	}
}

// Wrapf builds an Error from an underlying transport failure.
func Wrapf(provider string, err error, format string, args ...any) *Error {
	title := fmt.Sprintf(format, args...)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return NewError(provider, "", title, detail)
}

// AsError extracts a provider Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr, true
	}
	return nil, false
}
