package room

import (
	"errors"
	"sort"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// DefaultLanguage is selected for rooms created without an explicit default.
const DefaultLanguage = "python3"

// versionIndex maps each supported language to the runtime version used by the compiler backend.
var versionIndex = map[string]string{
	"python3": "3",
	"java":    "3",
	"cpp":     "4",
	"nodejs":  "3",
	"c":       "4",
	"ruby":    "3",
	"go":      "3",
	"scala":   "3",
	"bash":    "3",
	"sql":     "3",
	"pascal":  "2",
	"csharp":  "3",
	"php":     "3",
	"swift":   "3",
	"rust":    "3",
	"r":       "3",
}

func IsSupported(language string) bool {
	_, ok := versionIndex[language]
	return ok
}

func VersionIndex(language string) (string, error) {
	v, ok := versionIndex[language]
	if !ok {
		return "", ErrUnsupportedLanguage
	}
	return v, nil
}

// Languages returns the supported language tags in lexical order.
func Languages() []string {
	langs := make([]string, 0, len(versionIndex))
	for l := range versionIndex {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}
