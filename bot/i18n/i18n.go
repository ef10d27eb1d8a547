// Package i18n provides translated bot texts for uz, en and ru.
// Locale tables are embedded YAML; uz is the fallback language.
package i18n

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// DefaultLang is used when a user has no stored language or a key is
// missing from the requested locale.
const DefaultLang = "uz"

// Supported lists the locales shipped with the bot.
var Supported = []string{"uz", "en", "ru"}

// Params carries substitution values for {placeholder} tokens.
type Params map[string]any

// Bundle holds all loaded locale tables.
type Bundle struct {
	locales map[string]map[string]string
}

// Load parses the embedded locale files into a Bundle.
func Load() (*Bundle, error) {
	b := &Bundle{locales: make(map[string]map[string]string, len(Supported))}
	for _, lang := range Supported {
		raw, err := localeFS.ReadFile("locales/" + lang + ".yaml")
		if err != nil {
			return nil, fmt.Errorf("i18n: read locale %s: %w", lang, err)
		}
		table := make(map[string]string)
		if err := yaml.Unmarshal(raw, &table); err != nil {
			return nil, fmt.Errorf("i18n: parse locale %s: %w", lang, err)
		}
		b.locales[lang] = table
	}
	return b, nil
}

// MustLoad is Load that panics on error; locale files are embedded so a
// failure here is a build defect.
func MustLoad() *Bundle {
	b, err := Load()
	if err != nil {
		panic(err)
	}
	return b
}

// T renders the translation for key in lang, substituting params.
// Unknown languages fall back to uz; unknown keys render empty.
func (b *Bundle) T(lang, key string, params ...Params) string {
	table, ok := b.locales[lang]
	if !ok {
		table = b.locales[DefaultLang]
	}
	text, ok := table[key]
	if !ok {
		if fallback, has := b.locales[DefaultLang][key]; has {
			text = fallback
		}
	}
	if len(params) == 0 || len(params[0]) == 0 {
		return text
	}
	return substitute(text, params[0])
}

// IsSupported reports whether lang is one of the shipped locales.
func IsSupported(lang string) bool {
	for _, l := range Supported {
		if l == lang {
			return true
		}
	}
	return false
}

// Normalize maps an arbitrary language code to a supported locale.
func Normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	if IsSupported(lang) {
		return lang
	}
	return DefaultLang
}

func substitute(text string, params Params) string {
	// Replace longer keys first so {total_messages} wins over {total}.
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		text = strings.ReplaceAll(text, "{"+k+"}", fmt.Sprint(params[k]))
	}
	return text
}
