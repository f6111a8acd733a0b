// Copyright (c) 2026 ToeiRei
// KHM - SSH known_hosts manager
// This source code is licensed under the MIT license found in the LICENSE file.

// package i18n handles internationalization for KHM.
// It uses go-i18n to load and manage translation files, and provides
// a simple interface for the rest of the application to get translated strings.
package i18n // import "github.com/toeirei/khm/internal/i18n"

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

var (
	bundle      *i18n.Bundle
	localizer   *i18n.Localizer
	currentLang string
)

// Init initializes the i18n bundle, loads embedded locales, and sets the
// default language. English is the fallback for missing translations.
func Init(defaultLang string) {
	bundle = i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, err := localeFS.ReadDir("locales")
	if err != nil {
		// This should not happen with a valid embed.
		panic(fmt.Sprintf("failed to read embedded locales directory: %v", err))
	}
	for _, file := range files {
		name := file.Name()
		if !strings.HasPrefix(name, "active.") || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		if _, err := bundle.LoadMessageFileFS(localeFS, path.Join("locales", name)); err != nil {
			panic(fmt.Sprintf("failed to load locale file %s: %v", name, err))
		}
	}

	SetLang(defaultLang)
}

// SetLang changes the current language for the application.
func SetLang(lang string) {
	currentLang = lang
	localizer = i18n.NewLocalizer(bundle, lang)
}

// GetLang returns the currently active language code.
func GetLang() string {
	return currentLang
}

// T is the main translation function. It retrieves a translated string by its
// ID and applies printf-style formatting when args are provided.
func T(messageID string, args ...interface{}) string {
	msg := messageID
	if localizer != nil {
		if translated, err := localizer.Localize(&i18n.LocalizeConfig{MessageID: messageID}); err == nil {
			msg = translated
		}
	}
	if len(args) > 0 {
		return fmt.Sprintf(msg, args...)
	}
	return msg
}
