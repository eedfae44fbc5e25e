// pkg/i18n/i18n.go
package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// Message ids
const (
	InvalidMessage     = "invalid_message"
	InvalidRoamingCall = "invalid_roaming_call"
	InvalidCaller      = "invalid_caller"
	AutoAnswerNewCall  = "auto_answer_new_call"
	CallClosedByCenter = "call_closed_by_center"
	CallClosedBySystem = "call_closed_by_system"
)

// Separator joins texts of several languages in one message
const Separator = "\r\n\r\n\r\n"

//go:embed lang/*.json
var builtin embed.FS

// Catalog translates message ids into the supported languages
type Catalog struct {
	messages    map[string]map[string]string
	codes       []string
	matcher     language.Matcher
	defaultLang string
	logger      *zap.Logger
}

// New loads the built-in catalogs. An unsupported default falls back to the
// first available language.
func New(defaultLang string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger, _ = zap.NewProduction()
	}

	entries, err := builtin.ReadDir("lang")
	if err != nil {
		return nil, fmt.Errorf("failed to read built-in catalogs: %w", err)
	}
	messages := make(map[string]map[string]string)
	for _, e := range entries {
		data, err := builtin.ReadFile("lang/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", e.Name(), err)
		}
		code := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse catalog %s: %w", e.Name(), err)
		}
		messages[code] = m
	}
	return build(messages, defaultLang, logger), nil
}

func build(messages map[string]map[string]string, defaultLang string, logger *zap.Logger) *Catalog {
	codes := make([]string, 0, len(messages))
	for code := range messages {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	defaultLang = strings.ToLower(defaultLang)
	if _, ok := messages[defaultLang]; !ok && len(codes) > 0 {
		defaultLang = codes[0]
	}

	// the matcher falls back to its first tag
	tags := []language.Tag{language.Make(defaultLang)}
	ordered := []string{defaultLang}
	for _, code := range codes {
		if code != defaultLang {
			tags = append(tags, language.Make(code))
			ordered = append(ordered, code)
		}
	}

	return &Catalog{
		messages:    messages,
		codes:       ordered,
		matcher:     language.NewMatcher(tags),
		defaultLang: defaultLang,
		logger:      logger,
	}
}

// WithOverrides returns a copy of the catalog with the <code>.json files of
// dir layered on top, e.g. service specific wording.
func (c *Catalog) WithOverrides(dir string) (*Catalog, error) {
	messages := make(map[string]map[string]string, len(c.messages))
	for code, m := range c.messages {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		messages[code] = cp
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list catalogs in %s: %w", dir, err)
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", f, err)
		}
		var m map[string]string
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse catalog %s: %w", f, err)
		}
		code := strings.ToLower(strings.TrimSuffix(filepath.Base(f), ".json"))
		if messages[code] == nil {
			messages[code] = make(map[string]string)
		}
		for k, v := range m {
			messages[code][k] = v
		}
	}
	return build(messages, c.defaultLang, c.logger), nil
}

// WithDefault returns a copy using another default language.
func (c *Catalog) WithDefault(code string) *Catalog {
	return build(c.messages, code, c.logger)
}

// Default returns the default language code
func (c *Catalog) Default() string {
	return c.defaultLang
}

// Available lists the supported language codes, default first.
func (c *Catalog) Available() []string {
	return append([]string(nil), c.codes...)
}

// Match returns the supported language closest to code.
func (c *Catalog) Match(code string) string {
	if _, ok := c.messages[strings.ToLower(code)]; ok {
		return strings.ToLower(code)
	}
	tag, err := language.Parse(code)
	if err != nil {
		return c.defaultLang
	}
	_, idx, conf := c.matcher.Match(tag)
	if conf == language.No {
		return c.defaultLang
	}
	return c.codes[idx]
}

// Translate returns the text of id in the language closest to code.
func (c *Catalog) Translate(id, code string) string {
	lang := c.Match(code)
	if lang != strings.ToLower(code) {
		c.logger.Debug("Translating to fallback language",
			zap.String("message_id", id),
			zap.String("requested", code),
			zap.String("used", lang))
	}
	if text, ok := c.messages[lang][id]; ok {
		return text
	}
	if text, ok := c.messages[c.defaultLang][id]; ok {
		return text
	}
	c.logger.Warn("Missing translation", zap.String("message_id", id), zap.String("lang", lang))
	return id
}

// TranslateAll joins the translations of id for every code, skipping repeats.
func (c *Catalog) TranslateAll(id string, codes []string) string {
	if len(codes) == 0 {
		codes = []string{c.defaultLang}
	}
	seen := make(map[string]bool)
	var texts []string
	for _, code := range codes {
		lang := c.Match(code)
		if seen[lang] {
			continue
		}
		seen[lang] = true
		texts = append(texts, c.Translate(id, lang))
	}
	return strings.Join(texts, Separator)
}
