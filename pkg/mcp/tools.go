package mcp

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/rdlserve/pkg/render"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/source"
)

// Tool name constants.
const (
	ToolNameRender   = "report_render"
	ToolNameArtifact = "report_artifact"
	ToolNameStats    = "report_stats"
)

// Input size limits.
const (
	// MaxDefinitionBytes is the maximum allowed size for an inline definition (1 MB).
	MaxDefinitionBytes = 1 << 20
)

// inlinePrefix is the key namespace of inline definitions.
const inlinePrefix = "inline/"

// Sentinel errors for tool input validation.
var (
	// ErrNoReport indicates neither report nor definition was given.
	ErrNoReport = errors.New("report or definition parameter is required")
	// ErrAmbiguousReport indicates both report and definition were given.
	ErrAmbiguousReport = errors.New("report and definition are mutually exclusive")
	// ErrDefinitionTooLarge indicates the inline definition exceeds the size limit.
	ErrDefinitionTooLarge = errors.New("definition exceeds maximum size")
	// ErrInlineDisabled indicates the server has no inline definition store.
	ErrInlineDisabled = errors.New("inline definitions are not enabled")
	// ErrEmptySession indicates the session parameter is empty.
	ErrEmptySession = errors.New("session parameter is required and must not be empty")
	// ErrEmptyName indicates the name parameter is empty.
	ErrEmptyName = errors.New("name parameter is required and must not be empty")
	// ErrArtifactNotFound indicates the session holds no artifact under the name.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrNoRenderer indicates the server was built without a render orchestrator.
	ErrNoRenderer = errors.New("report rendering is not configured")
)

// Input types (auto-generate JSON schemas via struct tags).

// RenderInput is the input schema for the report_render tool.
type RenderInput struct {
	Definition string              `json:"definition,omitempty" jsonschema:"inline report definition text (YAML); exclusive with report"`
	Format     string              `json:"format,omitempty"     jsonschema:"output format: html pdf xml csv spreadsheet richtext (default: html)"`
	NoShow     bool                `json:"noshow,omitempty"     jsonschema:"only build the parameter form without running the report"`
	Params     map[string][]string `json:"params,omitempty"     jsonschema:"report parameter values by name"`
	Report     string              `json:"report,omitempty"     jsonschema:"report path relative to the server report root"`
	Session    string              `json:"session,omitempty"    jsonschema:"session that receives auxiliary artifacts (default: a new session)"`
}

// ArtifactInput is the input schema for the report_artifact tool.
type ArtifactInput struct {
	Name    string `json:"name"    jsonschema:"artifact name as listed by report_render"`
	Session string `json:"session" jsonschema:"session returned by report_render"`
}

// StatsInput is the input schema for the report_stats tool.
type StatsInput struct{}

// Output types.

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

// RenderOutput is the structured result of report_render.
type RenderOutput struct {
	Report        string        `json:"report"`
	Format        string        `json:"format"`
	State         string        `json:"state"`
	Cache         string        `json:"cache"`
	Session       string        `json:"session"`
	Text          string        `json:"text,omitempty"`
	Base64        string        `json:"base64,omitempty"`
	CSS           string        `json:"css,omitempty"`
	JavaScript    string        `json:"javascript,omitempty"`
	ParameterHTML string        `json:"parameter_html,omitempty"`
	Artifacts     []string      `json:"artifacts,omitempty"`
	Errors        []ErrorOutput `json:"errors,omitempty"`
}

// ErrorOutput is one report diagnostic.
type ErrorOutput struct {
	Message  string `json:"message"`
	Kind     string `json:"kind"`
	Severity int    `json:"severity"`
}

// ArtifactOutput is the structured result of report_artifact.
type ArtifactOutput struct {
	Name   string `json:"name"`
	Size   int    `json:"size"`
	Base64 string `json:"base64"`
}

// StatsOutput is the structured result of report_stats.
type StatsOutput struct {
	Sessions     int      `json:"sessions"`
	CacheEntries int      `json:"cache_entries"`
	Hits         int64    `json:"hits"`
	Misses       int64    `json:"misses"`
	HitRate      float64  `json:"hit_rate"`
	Keys         []string `json:"keys,omitempty"`
}

// Result helpers.

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}

// validateRenderInput checks the report selection constraints.
func validateRenderInput(input RenderInput) error {
	switch {
	case input.Report == "" && input.Definition == "":
		return ErrNoReport
	case input.Report != "" && input.Definition != "":
		return ErrAmbiguousReport
	case len(input.Definition) > MaxDefinitionBytes:
		return fmt.Errorf("%w: %d bytes (max %d)", ErrDefinitionTooLarge, len(input.Definition), MaxDefinitionBytes)
	}

	return nil
}

// inlineKey names an inline definition by content, so repeated submissions
// of the same text share one compiled definition.
func inlineKey(definition string) string {
	sum := source.Digest([]byte(definition))

	return inlinePrefix + hex.EncodeToString(sum[:8]) + ".rdl"
}

// renderOutput flattens a render result for tool clients.
func renderOutput(res *render.Result, session string) RenderOutput {
	out := RenderOutput{
		Report:        res.Key.String(),
		Format:        res.Format.String(),
		State:         res.State,
		Cache:         res.Outcome.String(),
		Session:       session,
		CSS:           res.CSS,
		JavaScript:    res.JavaScript,
		ParameterHTML: res.ParameterHTML,
	}

	if res.Format.IsText() {
		out.Text = res.Text()
	} else if len(res.Main) > 0 {
		out.Base64 = base64.StdEncoding.EncodeToString(res.Main)
	}

	for _, a := range res.Artifacts {
		out.Artifacts = append(out.Artifacts, a.Name)
	}

	for _, e := range res.Errors.Items() {
		out.Errors = append(out.Errors, ErrorOutput{Message: e.Message, Kind: e.Kind.String(), Severity: e.Severity})
	}

	return out
}

// renderParams converts tool parameters into a parameter set.
func renderParams(params map[string][]string) *report.ParameterSet {
	set := report.NewParameterSet()

	for name, values := range params {
		set.Set(strings.TrimSpace(name), values...)
	}

	return set
}

// cleanReportPath normalizes a client-supplied report path.
func cleanReportPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
