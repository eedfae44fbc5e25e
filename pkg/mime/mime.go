// pkg/mime/mime.go
package mime

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// CRLF terminates every serialized line
const CRLF = "\r\n"

// MaxBoundaryLength is the longest boundary token RFC 2046 allows
const MaxBoundaryLength = 70

var (
	ErrBoundaryTooLong       = errors.New("boundary too long")
	ErrNoBoundary            = errors.New("no boundaries found")
	ErrInvalidBoundary       = errors.New("invalid boundary found")
	ErrDifferentBoundaries   = errors.New("different boundaries found")
	ErrContentBeforeBoundary = errors.New("content found before boundary")
	ErrNoEndBoundary         = errors.New("no end boundary found")
	ErrEmptyBody             = errors.New("empty body")
)

var (
	headerLineRe = regexp.MustCompile(`^(.*?):(.*)$`)
	addonRe      = regexp.MustCompile(`;\s*(.*?)\s*=\s*([^;]*)`)
	bodyEscapeRe = regexp.MustCompile(`(?m)^(--)`)
)

// Addon is a name=value parameter trailing a header value
type Addon struct {
	Name  string
	Value string
}

// Header is a single MIME part header line
type Header struct {
	Name   string
	Value  string
	Addons []Addon
}

// NewHeader splits raw into the header value and its ;-separated addons.
func NewHeader(name, raw string) Header {
	h := Header{Name: strings.TrimSpace(name)}
	value, rest, found := strings.Cut(raw, ";")
	h.Value = strings.TrimSpace(value)
	if found {
		for _, m := range addonRe.FindAllStringSubmatch(";"+rest, -1) {
			h.Addons = append(h.Addons, Addon{Name: m[1], Value: strings.TrimSpace(m[2])})
		}
	}
	return h
}

// ParseHeader parses a "Name: value; a=b" line.
func ParseHeader(line string) (Header, bool) {
	m := headerLineRe.FindStringSubmatch(line)
	if m == nil {
		return Header{}, false
	}
	return NewHeader(m[1], m[2]), true
}

// Addon returns the named addon value.
func (h Header) Addon(name string) (string, bool) {
	for _, a := range h.Addons {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// FullValue is the value with its addons re-attached.
func (h Header) FullValue() string {
	var b strings.Builder
	b.WriteString(h.Value)
	for _, a := range h.Addons {
		b.WriteString(";")
		b.WriteString(a.Name)
		b.WriteString("=")
		b.WriteString(a.Value)
	}
	return b.String()
}

func (h Header) String() string {
	return h.Name + ": " + h.FullValue()
}

// Part is one body part of a multipart message.
type Part struct {
	Name    string
	Headers []Header
	body    string
}

// NewPart creates a part; the body is escaped on assignment.
func NewPart(name string, headers []Header, body string) *Part {
	p := &Part{Name: name, Headers: headers}
	p.SetBody(body)
	return p
}

// SetBody stores body, prefixing lines that start with "--" with a space.
func (p *Part) SetBody(body string) {
	p.body = bodyEscapeRe.ReplaceAllString(body, " $1")
}

func (p *Part) Body() string {
	return p.body
}

// Header returns the first header with the given name.
func (p *Part) Header(name string) (Header, bool) {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h, true
		}
	}
	return Header{}, false
}

// AddHeader appends a header parsed from a raw value.
func (p *Part) AddHeader(name, raw string) {
	p.Headers = append(p.Headers, NewHeader(name, raw))
}

// SetHeader replaces every header with that name, or appends one.
func (p *Part) SetHeader(name, raw string) {
	h := NewHeader(name, raw)
	replaced := false
	headers := p.Headers[:0]
	for _, existing := range p.Headers {
		if strings.EqualFold(existing.Name, name) {
			if replaced {
				continue
			}
			existing = h
			replaced = true
		}
		headers = append(headers, existing)
	}
	if !replaced {
		headers = append(headers, h)
	}
	p.Headers = headers
}

// RemoveHeader drops every header with that name.
func (p *Part) RemoveHeader(name string) {
	headers := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			headers = append(headers, h)
		}
	}
	p.Headers = headers
}

// ContentType returns the lower-cased media type of the part, without parameters.
func (p *Part) ContentType() string {
	h, ok := p.Header("Content-Type")
	if !ok {
		return ""
	}
	return strings.ToLower(h.Value)
}

// Multipart is a boundary plus an ordered list of parts.
type Multipart struct {
	boundary string
	Parts    []*Part
}

// New creates an empty multipart message. An empty boundary gets a generated one.
func New(boundary string) (*Multipart, error) {
	if boundary == "" {
		boundary = GenerateBoundary()
	}
	if len(boundary) > MaxBoundaryLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrBoundaryTooLong, len(boundary), MaxBoundaryLength)
	}
	return &Multipart{boundary: boundary}, nil
}

// GenerateBoundary returns a fresh random boundary token.
func GenerateBoundary() string {
	return "----------" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func (m *Multipart) Boundary() string {
	return m.boundary
}

// AddPart appends p and returns it.
func (m *Multipart) AddPart(p *Part) *Part {
	m.Parts = append(m.Parts, p)
	return p
}

// ContentType is the header value announcing this message.
func (m *Multipart) ContentType() string {
	return "multipart/mixed;boundary=" + m.boundary
}

// String serializes the message with CRLF line endings.
func (m *Multipart) String() string {
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString("--" + m.boundary + CRLF)
		for i, h := range p.Headers {
			if i > 0 {
				b.WriteString(CRLF)
			}
			b.WriteString(h.String())
		}
		if len(p.Headers) > 0 {
			b.WriteString(CRLF)
		}
		b.WriteString(CRLF)
		b.WriteString(p.body + CRLF)
	}
	if len(m.Parts) > 0 {
		b.WriteString("--" + m.boundary + "--" + CRLF)
	}
	return b.String()
}

// BoundaryInfo is the result of DetermineBoundary.
type BoundaryInfo struct {
	Boundary string
	Parts    int
}

// DetermineBoundary finds the boundary token of a body that carries no declared one.
func DetermineBoundary(body string) (BoundaryInfo, error) {
	var (
		boundary, end string
		parts         int
		endFound      bool
	)

	for i, line := range splitLines(body) {
		if !strings.HasPrefix(line, "--") {
			if boundary == "" && strings.TrimSpace(line) != "" {
				return BoundaryInfo{}, fmt.Errorf("%w (body line: %d)", ErrContentBeforeBoundary, i)
			}
			continue
		}
		if strings.TrimSpace(line) == "--" {
			return BoundaryInfo{}, fmt.Errorf("%w (body line: %d)", ErrInvalidBoundary, i)
		}
		if boundary == "" {
			boundary = strings.TrimSpace(line)
			end = boundary + "--"
			parts = 1
			continue
		}
		if strings.HasPrefix(line, end) {
			endFound = true
			break
		}
		if strings.TrimRight(line, " \t") != boundary {
			return BoundaryInfo{}, fmt.Errorf("%w (body line: %d)", ErrDifferentBoundaries, i)
		}
		parts++
	}

	if boundary == "" {
		return BoundaryInfo{}, ErrNoBoundary
	}
	if !endFound {
		return BoundaryInfo{}, ErrNoEndBoundary
	}
	return BoundaryInfo{Boundary: strings.TrimPrefix(boundary, "--"), Parts: parts}, nil
}

const (
	seekBoundary = iota
	readHeaders
	readBody
)

// Parse decodes body using boundary. An empty boundary is determined from the body.
// Parts are only returned once the closing boundary has been seen.
func Parse(body, boundary string) (*Multipart, error) {
	if strings.TrimSpace(body) == "" {
		return nil, ErrEmptyBody
	}
	if boundary == "" {
		info, err := DetermineBoundary(body)
		if err != nil {
			return nil, err
		}
		boundary = info.Boundary
	}
	m, err := New(boundary)
	if err != nil {
		return nil, err
	}

	start := "--" + boundary
	end := start + "--"
	state := seekBoundary
	var (
		current   *Part
		bodyLines []string
		closed    bool
	)

	finish := func() {
		if current != nil {
			current.SetBody(strings.Join(bodyLines, CRLF))
			m.AddPart(current)
		}
		current, bodyLines = nil, nil
	}

scan:
	for _, line := range splitLines(body) {
		trimmed := strings.TrimRight(line, " \t")
		switch state {
		case seekBoundary:
			if trimmed == end {
				closed = true
				break scan
			}
			if trimmed == start {
				current = &Part{}
				state = readHeaders
			}
		case readHeaders:
			if line == "" {
				state = readBody
				continue
			}
			if h, ok := ParseHeader(line); ok {
				current.Headers = append(current.Headers, h)
			}
		case readBody:
			if trimmed == end {
				finish()
				closed = true
				break scan
			}
			if trimmed == start {
				finish()
				current = &Part{}
				state = readHeaders
				continue
			}
			bodyLines = append(bodyLines, line)
		}
	}

	if !closed {
		return nil, ErrNoEndBoundary
	}
	return m, nil
}

// BoundaryFromContentType extracts the boundary parameter of a multipart content type.
func BoundaryFromContentType(contentType string) string {
	h := NewHeader("Content-Type", contentType)
	b, _ := h.Addon("boundary")
	return strings.Trim(b, `"`)
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
