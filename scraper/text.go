package scraper

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"manga_ranker/identity"
	"manga_ranker/models"
)

const maxAuthorRunes = 50

var (
	authorPrefixes = []string{
		"著者:", "著者：", "作者:", "作者：", "原作:", "原作：", "漫画:", "漫画：",
		"作画:", "作画：", "作:", "作：", "著:", "著：", "画:", "画：",
		"著者 ", "作者 ",
	}

	englishLabelRe = regexp.MustCompile(`(?i)^(?:author|writer|story|art)\s*[:：]\s*`)

	parenRe    = regexp.MustCompile(`[(（][^)）]*[)）]`)
	roleRe     = regexp.MustCompile(`(?:原作|漫画|作画|マンガ|著者|作者|作|著|画)\s*[:：]\s*`)
	honorRe    = regexp.MustCompile(`先生$`)
	htmlTagRe  = regexp.MustCompile(`<[^>]+>`)
	spaceRe    = regexp.MustCompile(`\s+`)
	urlSplitRe = regexp.MustCompile(`https?://|www\.|/|\s+`)
)

// NormalizeAuthor cleans scraped author text. Anything that does not look
// like a name comes back as the unknown placeholder.
func NormalizeAuthor(raw string) string {
	author := strings.TrimSpace(raw)
	if identity.IsUnknown(author) {
		return models.UnknownPlaceholder
	}

	for _, prefix := range authorPrefixes {
		if strings.HasPrefix(author, prefix) {
			author = strings.TrimSpace(author[len(prefix):])
		}
	}
	author = englishLabelRe.ReplaceAllString(author, "")

	author = htmlTagRe.ReplaceAllString(author, "")
	author = parenRe.ReplaceAllString(author, "")
	author = roleRe.ReplaceAllString(author, "")
	author = spaceRe.ReplaceAllString(author, " ")
	author = honorRe.ReplaceAllString(strings.TrimSpace(author), "")

	if strings.Contains(author, "http") || strings.Contains(author, "/") {
		var name string
		for _, part := range urlSplitRe.Split(author, -1) {
			if utf8.RuneCountInString(part) > 1 && !strings.Contains(part, ".") {
				name = part
				break
			}
		}
		if name == "" {
			return models.UnknownPlaceholder
		}
		author = name
	}

	if utf8.RuneCountInString(author) > maxAuthorRunes {
		return models.UnknownPlaceholder
	}

	author = strings.Trim(author, ".,、。 　:;：；-–—・")
	if utf8.RuneCountInString(author) < 2 {
		return models.UnknownPlaceholder
	}
	return author
}

type countPattern struct {
	re    *regexp.Regexp
	value func(m []string) int
}

func group(i int) func(m []string) int {
	return func(m []string) int { return atoi(m[i]) }
}

// order matters: ranges and "whole series" forms before the loose N話...無料
var chapterPatterns = []countPattern{
	{regexp.MustCompile(`(\d+)\s*[-~〜]\s*(\d+)話無料`), func(m []string) int {
		if n := atoi(m[2]) - atoi(m[1]) + 1; n > 0 {
			return n
		}
		return 0
	}},
	{regexp.MustCompile(`全巻無料[(（]([\d,]+)話[)）]`), group(1)},
	{regexp.MustCompile(`全巻([\d,]+)話無料`), group(1)},
	{regexp.MustCompile(`第?([\d,]+)話まで無料`), group(1)},
	{regexp.MustCompile(`([\d,]+)話分無料`), group(1)},
	{regexp.MustCompile(`([\d,]+)話.*無料`), group(1)},
	{regexp.MustCompile(`無料\s*([\d,]+)話`), group(1)},
}

var bookPatterns = []countPattern{
	{regexp.MustCompile(`([\d,]+)冊無料`), group(1)},
	{regexp.MustCompile(`無料\s*([\d,]+)冊`), group(1)},
	{regexp.MustCompile(`([\d,]+)巻(?:まで)?無料`), group(1)},
	{regexp.MustCompile(`([\d,]+)冊`), group(1)},
}

// ParseFreeChapters reads a free-chapter count out of store badge text
func ParseFreeChapters(text string) int {
	return parseCount(text, chapterPatterns)
}

// ParseFreeBooks reads a free-volume count out of store badge text
func ParseFreeBooks(text string) int {
	return parseCount(text, bookPatterns)
}

func parseCount(text string, patterns []countPattern) int {
	text = identity.NormalizeTitle(text)
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(text); m != nil {
			return p.value(m)
		}
	}
	return 0
}

var digitsRe = regexp.MustCompile(`\d+`)

// parseRank pulls the first integer from rank badge text like "1位"
func parseRank(text string) (int, bool) {
	m := digitsRe.FindString(identity.NormalizeTitle(text))
	if m == "" {
		return 0, false
	}
	n := atoi(m)
	return n, n >= 1
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
