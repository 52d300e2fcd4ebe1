package report

import (
	"fmt"
	"slices"
)

// Severity thresholds. Any severity at or above SeverityFatal aborts further
// processing of a request.
const (
	SeverityNone    = 0
	SeverityWarning = 4
	SeverityFatal   = 8
)

// ErrorKind classifies where a RenderError originated.
type ErrorKind int

// Error kinds, in pipeline order.
const (
	KindUnspecified ErrorKind = iota
	KindConfiguration
	KindSourceNotFound
	KindParse
	KindFatalParse
	KindRenderFailure
	KindInternal
)

// String returns a short lowercase label for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSourceNotFound:
		return "source_not_found"
	case KindParse:
		return "parse"
	case KindFatalParse:
		return "fatal_parse"
	case KindRenderFailure:
		return "render_failure"
	case KindInternal:
		return "internal"
	default:
		return "unspecified"
	}
}

// RenderError is a single severity-ranked message raised while compiling or
// rendering a report.
type RenderError struct {
	Message  string    `json:"message"`
	Severity int       `json:"severity"`
	Kind     ErrorKind `json:"kind"`
}

// IsFatal reports whether the entry aborts the request.
func (e RenderError) IsFatal() bool {
	return e.Severity >= SeverityFatal
}

// String implements fmt.Stringer.
func (e RenderError) String() string {
	return fmt.Sprintf("[%d] %s", e.Severity, e.Message)
}

// ErrorList is an ordered, request-scoped accumulation of RenderError
// entries. The zero value is ready to use. It is not safe for concurrent use.
type ErrorList struct {
	items       []RenderError
	maxSeverity int
}

// Add appends a formatted message at the given severity.
func (l *ErrorList) Add(kind ErrorKind, severity int, format string, args ...any) {
	message := format
	if len(args) > 0 {
		message = fmt.Sprintf(format, args...)
	}

	l.Append(RenderError{Message: message, Severity: severity, Kind: kind})
}

// Append adds entries and raises the maximum severity accordingly.
func (l *ErrorList) Append(items ...RenderError) {
	for _, item := range items {
		if item.Severity > l.maxSeverity {
			l.maxSeverity = item.Severity
		}

		l.items = append(l.items, item)
	}
}

// Merge copies items reported by a collaborator whose own maximum severity
// is maxSeverity. The collaborator's maximum wins even if no single item
// carries it.
func (l *ErrorList) Merge(maxSeverity int, items []RenderError) {
	l.Append(items...)

	if maxSeverity > l.maxSeverity {
		l.maxSeverity = maxSeverity
	}
}

// MaxSeverity returns the highest severity seen since the last Reset.
func (l *ErrorList) MaxSeverity() int {
	return l.maxSeverity
}

// IsFatal reports whether MaxSeverity is at or above SeverityFatal.
func (l *ErrorList) IsFatal() bool {
	return l.maxSeverity >= SeverityFatal
}

// Len returns the number of accumulated entries.
func (l *ErrorList) Len() int {
	return len(l.items)
}

// Items returns a copy of the accumulated entries.
func (l *ErrorList) Items() []RenderError {
	return slices.Clone(l.items)
}

// Messages returns the message text of every entry, in order.
func (l *ErrorList) Messages() []string {
	messages := make([]string, len(l.items))
	for i, item := range l.items {
		messages[i] = item.Message
	}

	return messages
}

// Reset clears all entries and the maximum severity.
func (l *ErrorList) Reset() {
	l.items = nil
	l.maxSeverity = SeverityNone
}
