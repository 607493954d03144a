package translate

import (
	"fmt"
	"strings"
)

// googleCodes maps supported display language codes (BCP 47) to the codes
// Cloud Translation expects.
var googleCodes = map[string]string{
	"en":      "en",
	"es":      "es",
	"fr":      "fr",
	"ja":      "ja",
	"ar":      "ar",
	"zh-Hans": "zh-CN",
	"zh-Hant": "zh-TW",
}

// GoogleLanguageCode converts a display language code to its Cloud
// Translation code.
func GoogleLanguageCode(code string) (string, error) {
	g, ok := googleCodes[code]
	if !ok {
		return "", fmt.Errorf("unsupported language code %q", code)
	}
	return g, nil
}

// TargetLanguages returns languages without source, deduplicated and in
// order. Unsupported codes are an error.
func TargetLanguages(languages []string, source string) ([]string, error) {
	seen := make(map[string]bool, len(languages))
	targets := make([]string, 0, len(languages))
	for _, lang := range languages {
		lang = strings.TrimSpace(lang)
		if lang == "" || lang == source || seen[lang] {
			continue
		}
		if _, err := GoogleLanguageCode(lang); err != nil {
			return nil, err
		}
		seen[lang] = true
		targets = append(targets, lang)
	}
	return targets, nil
}
