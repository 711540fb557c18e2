package moderation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
	"github.com/samber/lo"
)

// Heuristic reasons reported in SpamResult.Reasons.
const (
	ReasonKeyword = "blocklisted_keyword"
	ReasonCaps    = "excessive_caps"
	ReasonLinks   = "excessive_links"
	ReasonEmoji   = "excessive_emoji"
)

var DefaultKeywords = []string{
	"free money",
	"free prize",
	"click here",
	"buy now",
	"limited offer",
	"crypto giveaway",
	"earn cash",
	"viagra",
}

// SpamConfig holds the weight of each heuristic and the spam threshold.
type SpamConfig struct {
	KeywordWeight int
	CapsWeight    int
	LinksWeight   int
	EmojiWeight   int
	Threshold     int

	CapsRatio    float64
	CapsMinRunes int
	MaxLinks     int
	MaxEmoji     int
}

func DefaultSpamConfig() SpamConfig {
	return SpamConfig{
		KeywordWeight: 40,
		CapsWeight:    20,
		LinksWeight:   30,
		EmojiWeight:   10,
		Threshold:     50,
		CapsRatio:     0.7,
		CapsMinRunes:  10,
		MaxLinks:      3,
		MaxEmoji:      10,
	}
}

type SpamResult struct {
	IsSpam  bool     `json:"isSpam"`
	Score   int      `json:"score"`
	Reasons []string `json:"reasons"`
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://\S+`)

type SpamFilter struct {
	cfg     SpamConfig
	matcher *goahocorasick.Machine
}

// NewSpamFilter builds the keyword automaton once. Keywords are matched
// case-insensitively anywhere in the content.
func NewSpamFilter(keywords []string, cfg SpamConfig) (*SpamFilter, error) {
	words := lo.Uniq(lo.FilterMap(keywords, func(w string, _ int) (string, bool) {
		w = strings.ToLower(strings.TrimSpace(w))
		return w, w != ""
	}))
	sort.Strings(words)
	patterns := lo.Map(words, func(w string, _ int) []rune { return []rune(w) })

	f := &SpamFilter{cfg: cfg}
	if len(patterns) == 0 {
		return f, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, fmt.Errorf("build keyword matcher: %w", err)
	}
	f.matcher = m
	return f, nil
}

// Check scores content. The score is exactly the sum of the weights of the
// heuristics that fire.
func (f *SpamFilter) Check(content string) SpamResult {
	res := SpamResult{Reasons: []string{}}
	runes := []rune(content)

	if f.hasKeyword(runes) {
		res.Score += f.cfg.KeywordWeight
		res.Reasons = append(res.Reasons, ReasonKeyword)
	}
	if len(runes) > f.cfg.CapsMinRunes && capsRatio(linkPattern.ReplaceAllString(content, "")) > f.cfg.CapsRatio {
		res.Score += f.cfg.CapsWeight
		res.Reasons = append(res.Reasons, ReasonCaps)
	}
	if len(linkPattern.FindAllStringIndex(content, -1)) > f.cfg.MaxLinks {
		res.Score += f.cfg.LinksWeight
		res.Reasons = append(res.Reasons, ReasonLinks)
	}
	if countEmoji(runes) > f.cfg.MaxEmoji {
		res.Score += f.cfg.EmojiWeight
		res.Reasons = append(res.Reasons, ReasonEmoji)
	}

	res.IsSpam = res.Score >= f.cfg.Threshold
	return res
}

func (f *SpamFilter) hasKeyword(runes []rune) bool {
	if f.matcher == nil || len(runes) == 0 {
		return false
	}
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}
	return len(f.matcher.MultiPatternSearch(lower, true)) > 0
}

// capsRatio is upper-case letters over all letters. Callers strip links
// first since URLs are conventionally lower case.
func capsRatio(text string) float64 {
	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func countEmoji(runes []rune) int {
	n := 0
	for _, r := range runes {
		if isEmoji(r) {
			n++
		}
	}
	return n
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1F5FF: // symbols & pictographs
	case r >= 0x1F600 && r <= 0x1F64F: // emoticons
	case r >= 0x1F680 && r <= 0x1F6FF: // transport & map
	case r >= 0x1F900 && r <= 0x1F9FF: // supplemental symbols
	case r >= 0x2600 && r <= 0x26FF: // misc symbols
	case r >= 0x2700 && r <= 0x27BF: // dingbats
	default:
		return false
	}
	return true
}
