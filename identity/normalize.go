package identity

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"manga_ranker/models"
)

var multiSpaceRegex = regexp.MustCompile(`\s+`)

// NormalizeTitle folds full-width and half-width forms (NFKC) and collapses
// whitespace. The result is the catalog dedup key.
func NormalizeTitle(title string) string {
	title = norm.NFKC.String(title)
	title = multiSpaceRegex.ReplaceAllString(title, " ")
	return strings.TrimSpace(title)
}

// IsUnknown reports whether s carries no usable value
func IsUnknown(s string) bool {
	s = strings.TrimSpace(s)
	return s == "" || s == models.UnknownPlaceholder
}

var volumeSuffixes = []*regexp.Regexp{
	regexp.MustCompile(`【特別版】\s*[\(（][1１][\)）]$`),
	regexp.MustCompile(`\s*[\(（][1１][\)）]$`),
	regexp.MustCompile(`[\s　]*[1１]巻【特典付き】$`),
	regexp.MustCompile(`[\s　]*[1１]巻$`),
	regexp.MustCompile(`【第[1１]話】$`),
	regexp.MustCompile(`第[1１]話$`),
	regexp.MustCompile(`[\s　]*[1１]$`),
}

// TitleFromFirstBook strips a first-volume marker such as "(1)", "1巻" or "第1話"
// from a volume title. If nothing is left the input is returned unchanged.
func TitleFromFirstBook(firstBookTitle string) string {
	if IsUnknown(firstBookTitle) {
		return models.UnknownPlaceholder
	}

	title := strings.TrimSpace(firstBookTitle)
	for _, re := range volumeSuffixes {
		loc := re.FindStringIndex(title)
		if loc == nil || followsDigit(title, loc[0]) {
			continue
		}
		title = title[:loc[0]]
		break
	}

	title = strings.TrimSpace(title)
	if title == "" {
		return strings.TrimSpace(firstBookTitle)
	}
	return title
}

// followsDigit guards against reading "10" as volume "1" of "…1"
func followsDigit(s string, i int) bool {
	if i == 0 {
		return false
	}
	next, _ := utf8.DecodeRuneInString(s[i:])
	if !unicode.IsDigit(next) {
		return false
	}
	prev, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsDigit(prev)
}
