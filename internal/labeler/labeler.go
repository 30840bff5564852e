package labeler

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// CategoryLabeler infers a market category from its question and the tags
// or category of its parent event, for markets Gamma leaves uncategorized.
type CategoryLabeler struct {
	Rules  []CategoryRule
	Logger *zap.Logger

	once sync.Once
}

type CategoryRule struct {
	Category   string
	TitleRegex []string
	TagMatch   []string
	Confidence float64

	compiled []*regexp.Regexp
}

func DefaultRules() []CategoryRule {
	return []CategoryRule{
		{
			Category: "weather",
			TitleRegex: []string{
				`(?i)temperature.*in\s+(nyc|new york|london|los angeles|la)`,
				`(?i)highest.*temp`,
				`(?i)(weather|hurricane|rainfall|snowfall)`,
			},
			Confidence: 0.95,
		},
		{
			Category: "sports",
			TitleRegex: []string{
				`(?i)\b(nba|nfl|mlb|nhl|ufc|premier league|champions league|world cup|super bowl)\b`,
				`(?i)\bvs\.?\s`,
			},
			TagMatch:   []string{"Sports", "NBA", "NFL", "MLB", "Soccer", "Tennis"},
			Confidence: 0.95,
		},
		{
			Category: "crypto",
			TitleRegex: []string{
				`(?i)(bitcoin|btc|eth|ethereum|sol|solana).*price.*above`,
				`(?i)(bitcoin|btc|eth|ethereum|solana).*\$\d+`,
				`(?i)(fdv|fully diluted|market cap).*\$?\d+[bmk]`,
				`(?i)(tge|token generation|airdrop)`,
			},
			TagMatch:   []string{"Crypto", "DeFi", "Token Launch"},
			Confidence: 0.85,
		},
		{
			Category: "geopolitics",
			TitleRegex: []string{
				`(?i)\b(war|strike|invade|invasion|sanction|ceasefire)\b`,
				`(?i)(iran|russia|china|north korea|ukraine|israel).*before`,
			},
			TagMatch:   []string{"Geopolitics"},
			Confidence: 0.80,
		},
		{
			Category: "politics",
			TitleRegex: []string{
				`(?i)\b(election|president|senate|governor|primary|nominee|parliament|prime minister)\b`,
			},
			TagMatch:   []string{"Politics", "Elections"},
			Confidence: 0.80,
		},
		{
			Category: "economics",
			TitleRegex: []string{
				`(?i)\b(fed|fomc|interest rate|cpi|inflation|recession|gdp)\b`,
			},
			TagMatch:   []string{"Economy", "Finance", "Fed"},
			Confidence: 0.80,
		},
		{
			Category: "tech",
			TitleRegex: []string{
				`(?i)#?\d+\s*(free\s+)?app.*app\s*store`,
				`(?i)\b(openai|gpt|apple|tesla|nvidia|spacex)\b`,
			},
			TagMatch:   []string{"Tech", "AI"},
			Confidence: 0.75,
		},
	}
}

func (l *CategoryLabeler) compile() {
	if len(l.Rules) == 0 {
		l.Rules = DefaultRules()
	}
	for i := range l.Rules {
		for _, raw := range l.Rules[i].TitleRegex {
			re, err := regexp.Compile(raw)
			if err != nil {
				if l.Logger != nil {
					l.Logger.Warn("category rule regex compile failed", zap.String("category", l.Rules[i].Category), zap.String("regex", raw), zap.Error(err))
				}
				continue
			}
			l.Rules[i].compiled = append(l.Rules[i].compiled, re)
		}
	}
}

// Infer returns the highest-confidence matching category. Earlier rules win
// ties. ok is false when nothing matched.
func (l *CategoryLabeler) Infer(title string, tags []string) (string, bool) {
	if l == nil {
		return "", false
	}
	l.once.Do(l.compile)

	title = strings.TrimSpace(title)
	best := ""
	bestConf := -1.0
	for _, rule := range l.Rules {
		if !matchAny(rule, title) && !matchTags(rule, tags) {
			continue
		}
		if rule.Confidence > bestConf {
			best = rule.Category
			bestConf = rule.Confidence
		}
	}
	return best, best != ""
}

func matchAny(rule CategoryRule, title string) bool {
	if title == "" {
		return false
	}
	for _, re := range rule.compiled {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}

func matchTags(rule CategoryRule, tags []string) bool {
	if len(rule.TagMatch) == 0 || len(tags) == 0 {
		return false
	}
	want := map[string]struct{}{}
	for _, t := range rule.TagMatch {
		key := strings.ToLower(strings.TrimSpace(t))
		if key != "" {
			want[key] = struct{}{}
		}
	}
	for _, tag := range tags {
		key := strings.ToLower(strings.TrimSpace(tag))
		if key == "" {
			continue
		}
		if _, ok := want[key]; ok {
			return true
		}
	}
	return false
}
