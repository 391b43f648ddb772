package summary

import (
	"regexp"
	"strings"

	"github.com/abadojack/whatlanggo"
	"github.com/samber/lo"
)

const fallbackLanguage = "en"

var (
	segmentOnlyRegex   = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\.\d{3} -->[^\]]*\]?\s*$`)
	segmentPrefixRegex = regexp.MustCompile(`\[\d{2}:\d{2}:\d{2}\.\d{3} -->\s*\d{2}:\d{2}:\d{2}\.\d{3}\]\s*`)
	markerRegex        = regexp.MustCompile(`\*.*?\*`)
)

// Clean strips segment timestamps and *music* style markers from a transcript.
func Clean(transcript string) string {
	lines := lo.FilterMap(strings.Split(transcript, "\n"), func(line string, _ int) (string, bool) {
		if strings.TrimSpace(line) == "" || segmentOnlyRegex.MatchString(line) {
			return "", false
		}
		line = segmentPrefixRegex.ReplaceAllString(line, "")
		line = strings.TrimSpace(markerRegex.ReplaceAllString(line, ""))
		return line, line != ""
	})
	return strings.Join(lines, "\n")
}

// DetectLanguage returns the ISO 639-1 code of text, "en" when unsure.
func DetectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return fallbackLanguage
	}
	info := whatlanggo.Detect(text)
	if info.Script == nil {
		return fallbackLanguage
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return fallbackLanguage
	}
	return code
}
