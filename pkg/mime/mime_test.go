package mime

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(l ...string) string {
	return strings.Join(l, CRLF)
}

func TestHeaderParsing(t *testing.T) {
	h, ok := ParseHeader(`Content-Type: multipart/mixed; boundary=abc ;charset=utf-8`)
	require.True(t, ok)
	assert.Equal(t, "Content-Type", h.Name)
	assert.Equal(t, "multipart/mixed", h.Value)
	require.Len(t, h.Addons, 2)
	assert.Equal(t, Addon{Name: "boundary", Value: "abc"}, h.Addons[0])
	assert.Equal(t, Addon{Name: "charset", Value: "utf-8"}, h.Addons[1])
	assert.Equal(t, "Content-Type: multipart/mixed;boundary=abc;charset=utf-8", h.String())

	_, ok = ParseHeader("no colon here")
	assert.False(t, ok)

	assert.Equal(t, "xyz", BoundaryFromContentType(`multipart/mixed; boundary="xyz"`))
}

func TestNewRejectsLongBoundary(t *testing.T) {
	_, err := New(strings.Repeat("b", MaxBoundaryLength+1))
	assert.ErrorIs(t, err, ErrBoundaryTooLong)

	m, err := New(strings.Repeat("b", MaxBoundaryLength))
	require.NoError(t, err)
	assert.Len(t, m.Boundary(), MaxBoundaryLength)

	m, err = New("")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.Boundary(), "----------"))
	assert.LessOrEqual(t, len(m.Boundary()), MaxBoundaryLength)
}

func TestRoundTrip(t *testing.T) {
	m, err := New("boundary42")
	require.NoError(t, err)
	m.AddPart(NewPart("", []Header{NewHeader("Content-Type", "text/plain; charset=utf-8")}, "hello world"))
	m.AddPart(NewPart("", []Header{
		NewHeader("Content-Type", "application/pidf+xml"),
		NewHeader("Content-ID", "<loc@example.com>"),
	}, lines("<presence>", "  <tuple/>", "</presence>")))
	m.AddPart(NewPart("", nil, ""))
	m.AddPart(NewPart("", []Header{NewHeader("Content-Type", "text/plain")}, "trailing"+CRLF))

	parsed, err := Parse(m.String(), m.Boundary())
	require.NoError(t, err)
	require.Len(t, parsed.Parts, len(m.Parts))
	for i, p := range m.Parts {
		assert.Equal(t, p.Headers, parsed.Parts[i].Headers, "part %d headers", i)
		assert.Equal(t, p.Body(), parsed.Parts[i].Body(), "part %d body", i)
	}

	// without a declared boundary the same parts come back
	determined, err := Parse(m.String(), "")
	require.NoError(t, err)
	assert.Len(t, determined.Parts, len(m.Parts))
}

func TestBodyEscaping(t *testing.T) {
	p := NewPart("", nil, lines("--boundary42", "text", "--boundary42--"))
	assert.Equal(t, lines(" --boundary42", "text", " --boundary42--"), p.Body())

	m, err := New("boundary42")
	require.NoError(t, err)
	m.AddPart(p)
	m.AddPart(NewPart("", nil, "second"))

	parsed, err := Parse(m.String(), "boundary42")
	require.NoError(t, err)
	require.Len(t, parsed.Parts, 2)
	assert.Equal(t, p.Body(), parsed.Parts[0].Body())
	assert.Equal(t, "second", parsed.Parts[1].Body())
}

func TestSerializeLayout(t *testing.T) {
	m, err := New("b")
	require.NoError(t, err)
	m.AddPart(NewPart("", []Header{NewHeader("Content-Type", "text/plain")}, "hi"))

	assert.Equal(t, "--b\r\nContent-Type: text/plain\r\n\r\nhi\r\n--b--\r\n", m.String())

	empty, err := New("b")
	require.NoError(t, err)
	assert.Equal(t, "", empty.String())
}

func TestDetermineBoundary(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		want  BoundaryInfo
		error error
	}{
		{
			name: "two parts",
			body: lines("--abc", "Content-Type: text/plain", "", "one", "--abc", "", "two", "--abc--", ""),
			want: BoundaryInfo{Boundary: "abc", Parts: 2},
		},
		{
			name: "leading blank lines",
			body: lines("", "--abc", "", "one", "--abc--"),
			want: BoundaryInfo{Boundary: "abc", Parts: 1},
		},
		{
			name:  "content before boundary",
			body:  lines("preamble", "--abc", "", "one", "--abc--"),
			error: ErrContentBeforeBoundary,
		},
		{
			name:  "different boundaries",
			body:  lines("--abc", "", "one", "--xyz", "", "two", "--abc--"),
			error: ErrDifferentBoundaries,
		},
		{
			name:  "bare dashes",
			body:  lines("--abc", "", "one", "--", "--abc--"),
			error: ErrInvalidBoundary,
		},
		{
			name:  "no end boundary",
			body:  lines("--abc", "", "one", "--abc", "", "two"),
			error: ErrNoEndBoundary,
		},
		{
			name:  "no boundary",
			body:  lines("", "just text"),
			error: ErrContentBeforeBoundary,
		},
		{
			name:  "empty",
			body:  lines("", ""),
			error: ErrNoBoundary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DetermineBoundary(tt.body)
			if tt.error != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.error), "got %v", err)
				assert.Equal(t, BoundaryInfo{}, info)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, info)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("", "abc")
	assert.ErrorIs(t, err, ErrEmptyBody)

	m, err := Parse(lines("--abc", "", "one"), "abc")
	assert.Nil(t, m)
	assert.ErrorIs(t, err, ErrNoEndBoundary)

	_, err = Parse(lines("text", "--abc", "", "one", "--abc--"), "")
	assert.ErrorIs(t, err, ErrContentBeforeBoundary)
}

func TestParseToleratesLFAndPreamble(t *testing.T) {
	body := "ignored preamble\n--abc\nContent-Type: text/plain\n\nhello\n--abc--\n"
	m, err := Parse(body, "abc")
	require.NoError(t, err)
	require.Len(t, m.Parts, 1)
	assert.Equal(t, "text/plain", m.Parts[0].ContentType())
	assert.Equal(t, "hello", m.Parts[0].Body())
}

func TestPartHeaders(t *testing.T) {
	p := NewPart("loc", nil, "")
	p.AddHeader("Content-Type", "text/plain")
	p.AddHeader("X-Extra", "1")
	p.SetHeader("content-type", "application/pidf+xml; charset=utf-8")
	assert.Equal(t, "application/pidf+xml", p.ContentType())
	require.Len(t, p.Headers, 2)

	p.RemoveHeader("x-extra")
	require.Len(t, p.Headers, 1)
	_, ok := p.Header("X-Extra")
	assert.False(t, ok)
}
