// Package streamgen multiplexes the output of one render pass into a main
// stream and any number of named auxiliary streams.
package streamgen

import (
	"bytes"
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
)

// ErrBinaryFormat is returned by MainText for formats whose main stream is not text.
var ErrBinaryFormat = errors.New("main stream is binary")

// ErrClosed is returned when writing to a closed stream.
var ErrClosed = errors.New("stream closed")

// Stream is a named, append-only byte buffer.
type Stream struct {
	name   string
	buf    bytes.Buffer
	closed bool
	mu     sync.Mutex
}

// Name returns the stream name. The main stream has an empty name.
func (s *Stream) Name() string {
	return s.name
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	return s.buf.Write(p)
}

// Close marks the stream finished. Already written bytes stay available.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

// Bytes returns a copy of the written bytes.
func (s *Stream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return bytes.Clone(s.buf.Bytes())
}

// Len returns the number of written bytes.
func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.Len()
}

// Artifact is a snapshot of one stream.
type Artifact struct {
	Name string
	Data []byte
}

// Multiplexer owns the streams of a single render pass. Index 0 is the main
// stream; auxiliary streams follow in creation order.
type Multiplexer struct {
	format  report.Format
	baseRef string
	main    *Stream
	aux     []*Stream
	byName  map[string]*Stream
	mu      sync.Mutex
}

// New creates a multiplexer. baseRef is the prefix under which auxiliary
// streams are addressed, for example "showfile?type=".
func New(baseRef string, format report.Format) *Multiplexer {
	return &Multiplexer{
		format:  format,
		baseRef: baseRef,
		main:    &Stream{},
		byName:  make(map[string]*Stream),
	}
}

// Format returns the target output format.
func (m *Multiplexer) Format() report.Format {
	return m.format
}

// Main returns the main stream writer.
func (m *Multiplexer) Main() io.Writer {
	return m.main
}

// WriteMain appends p to the main stream.
func (m *Multiplexer) WriteMain(p []byte) (int, error) {
	return m.main.Write(p)
}

// OpenNamed creates an auxiliary stream. Opening an existing name returns the
// same stream.
func (m *Multiplexer) OpenNamed(name string) io.Writer {
	return m.Open(name)
}

// Open is OpenNamed returning the concrete stream.
func (m *Multiplexer) Open(name string) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byName[name]; ok {
		return existing
	}

	stream := &Stream{name: name}
	m.byName[name] = stream
	m.aux = append(m.aux, stream)

	return stream
}

// Reference returns the address of the auxiliary stream called name.
func (m *Multiplexer) Reference(name string) string {
	return m.baseRef + name
}

// CloseMain finishes the main stream. Safe to call repeatedly and with no writes.
func (m *Multiplexer) CloseMain() {
	_ = m.main.Close()
}

// Close finishes every stream. Written data stays readable.
func (m *Multiplexer) Close() {
	m.CloseMain()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stream := range m.aux {
		_ = stream.Close()
	}
}

// MainBytes returns a copy of the main stream.
func (m *Multiplexer) MainBytes() []byte {
	return m.main.Bytes()
}

// MainText returns the main stream as a string for text formats.
func (m *Multiplexer) MainText() (string, error) {
	if !m.format.IsText() {
		return "", ErrBinaryFormat
	}

	return string(m.main.Bytes()), nil
}

// Streams returns every stream with main first.
func (m *Multiplexer) Streams() []Artifact {
	m.mu.Lock()
	aux := slices.Clone(m.aux)
	m.mu.Unlock()

	out := make([]Artifact, 0, len(aux)+1)
	out = append(out, Artifact{Name: m.main.name, Data: m.main.Bytes()})

	for _, stream := range aux {
		out = append(out, Artifact{Name: stream.name, Data: stream.Bytes()})
	}

	return out
}

// Auxiliary returns the streams after main, in creation order.
func (m *Multiplexer) Auxiliary() []Artifact {
	return m.Streams()[1:]
}
