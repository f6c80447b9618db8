// Package i18n provides localized user-facing text for error codes.
package i18n

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Code is a machine-readable error code (duplicated from errors package to avoid cycle).
type Code = string

// BaseLocale is the locale every other catalog falls back to.
var BaseLocale = language.AmericanEnglish

var (
	registerOnce sync.Once
	supported    = []language.Tag{language.AmericanEnglish, language.BrazilianPortuguese}
	matcher      = language.NewMatcher(supported)
)

// Catalog renders error messages for one locale.
type Catalog struct {
	tag     language.Tag
	printer *message.Printer
}

// GetCatalog returns the catalog best matching locale.
// Unknown or empty locales fall back to en-US.
func GetCatalog(locale string) *Catalog {
	return CatalogFor(ParseTag(locale))
}

// CatalogFor returns the catalog for an already resolved tag.
func CatalogFor(tag language.Tag) *Catalog {
	register()
	return &Catalog{tag: tag, printer: message.NewPrinter(tag)}
}

// ParseTag resolves a locale string to one of the supported tags.
func ParseTag(locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return BaseLocale
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return BaseLocale
	}
	return MatchTags([]language.Tag{tag})
}

// MatchTags picks the best supported tag for a list of preferences, such as
// the result of language.ParseAcceptLanguage.
func MatchTags(tags []language.Tag) language.Tag {
	if len(tags) == 0 {
		return BaseLocale
	}
	_, index, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return BaseLocale
	}
	return supported[index]
}

// Locale returns the locale of this catalog.
func (c *Catalog) Locale() string {
	return c.tag.String()
}

// Format renders the message for code with the given arguments.
// Falls back to the code itself if no message is registered.
func (c *Catalog) Format(code Code, args ...any) string {
	if _, ok := baseMessages[code]; !ok {
		return code
	}
	return c.printer.Sprintf(code, args...)
}

func register() {
	registerOnce.Do(func() {
		for key, value := range baseMessages {
			_ = message.SetString(language.AmericanEnglish, key, value)
		}
		for key, value := range ptBRMessages {
			_ = message.SetString(language.BrazilianPortuguese, key, value)
		}
	})
}
