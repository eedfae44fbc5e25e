package i18n

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestTranslate(t *testing.T) {
	c, err := New("de", zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "de", c.Default())
	assert.Equal(t, []string{"de", "en"}, c.Available())
	assert.Equal(t, "de", c.Match("de-AT"))
	assert.Equal(t, "en", c.Match("en-GB"))
	assert.Equal(t, "de", c.Match("fr"))
	assert.Equal(t, "de", c.Match("not a tag!"))

	assert.True(t, strings.HasPrefix(c.Translate(CallClosedByCenter, "de"), "Die Notrufzentrale"))
	assert.True(t, strings.HasPrefix(c.Translate(CallClosedByCenter, "en"), "The emergency center"))
	assert.Equal(t, "unknown_id", c.Translate("unknown_id", "en"))
}

func TestUnsupportedDefault(t *testing.T) {
	c, err := New("xx", zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "de", c.Default())
}

func TestTranslateAll(t *testing.T) {
	c, err := New("en", zaptest.NewLogger(t))
	require.NoError(t, err)

	joined := c.TranslateAll(InvalidCaller, []string{"de", "en", "de-AT"})
	parts := strings.Split(joined, Separator)
	require.Len(t, parts, 2)
	assert.Equal(t, c.Translate(InvalidCaller, "de"), parts[0])
	assert.Equal(t, c.Translate(InvalidCaller, "en"), parts[1])

	assert.Equal(t, c.Translate(InvalidCaller, "en"), c.TranslateAll(InvalidCaller, nil))
}

func TestWithOverrides(t *testing.T) {
	base, err := New("en", zaptest.NewLogger(t))
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.json"),
		[]byte(`{"auto_answer_new_call": "Welcome to the test chat"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "it.json"),
		[]byte(`{"auto_answer_new_call": "Benvenuto"}`), 0o644))

	svc, err := base.WithOverrides(dir)
	require.NoError(t, err)
	assert.Equal(t, "Welcome to the test chat", svc.Translate(AutoAnswerNewCall, "en"))
	assert.Equal(t, "Benvenuto", svc.Translate(AutoAnswerNewCall, "it"))
	// missing ids fall back to the default language
	assert.Equal(t, base.Translate(InvalidCaller, "en"), svc.Translate(InvalidCaller, "it"))
	// the base catalog is untouched
	assert.NotEqual(t, "Welcome to the test chat", base.Translate(AutoAnswerNewCall, "en"))
}
