package detect

import (
	"strings"

	"golang.org/x/text/language"
)

// NormalizeLanguage reduces a language hint to its base ISO 639-1 code
// ("en-US" -> "en"). An empty hint means DefaultLanguage. Codes that do not
// parse are returned lower-cased so the registry can decide whether to fall
// back.
func NormalizeLanguage(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultLanguage
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToLower(code)
	}
	base, conf := tag.Base()
	if conf == language.No {
		return strings.ToLower(code)
	}
	return base.String()
}
