package report

import (
	"context"
	"io"
)

// PasswordFunc supplies a data source password on demand. The second result
// is false when no password is available.
type PasswordFunc func() (string, bool)

// ParameterDef describes a report parameter as declared by the definition.
type ParameterDef struct {
	Name     string
	Prompt   string
	Default  []string
	Required bool
	Multi    bool
}

// ParseInput carries everything a Parser needs to compile one definition.
type ParseInput struct {
	Text     string
	Folder   string
	Name     string
	Password PasswordFunc
}

// Parser compiles report source text into a Definition.
//
// A parse that produces only non-fatal diagnostics returns a Definition whose
// ErrorMaxSeverity is below SeverityFatal. A returned error means no
// Definition could be built at all.
type Parser interface {
	Parse(ctx context.Context, in ParseInput) (Definition, error)
}

// Diagnostics exposes a buffer of parse or render diagnostics.
type Diagnostics interface {
	ErrorMaxSeverity() int
	ErrorItems() []RenderError
	ErrorReset()
}

// Definition is a compiled report. Apart from ErrorReset it must not change
// after construction: it is shared read-only across concurrent renders.
type Definition interface {
	Diagnostics

	Name() string
	Parameters() []ParameterDef
	// NewPass allocates the transient state of one render pass.
	NewPass(password PasswordFunc) Pass
}

// Pass holds the per-request state of rendering a Definition.
type Pass interface {
	Diagnostics

	// RunGetData retrieves all datasets using params.
	RunGetData(ctx context.Context, params *ParameterSet) error
	// RunRender writes the report in format into gen. The token is unique per
	// pass and is used to name auxiliary streams.
	RunRender(ctx context.Context, gen StreamGenerator, format Format, token string) error
	// CSS returns the style sheet collected by an HTML render.
	CSS() string
	// JavaScript returns the script collected by an HTML render.
	JavaScript() string
}

// StreamGenerator is the output sink a Pass renders into.
type StreamGenerator interface {
	// Main returns the writer of the primary stream.
	Main() io.Writer
	// OpenNamed creates (or returns) the auxiliary stream called name.
	OpenNamed(name string) io.Writer
	// Reference returns the URL by which the main document refers to the
	// auxiliary stream called name.
	Reference(name string) string
	// Format returns the target output format.
	Format() Format
}
