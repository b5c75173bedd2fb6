package audit

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
)

var badTokens = []string{"<|", "|>"}

// Result is the outcome of auditing a generated description.
type Result struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues"`
	Passed bool     `json:"passed"`
}

// Auditor scores model output for control-token leakage, looping and gibberish.
// Scores start at 100 and each failed check subtracts its configured penalty.
type Auditor struct {
	cfg config.AuditConfig
}

func New(cfg config.AuditConfig) *Auditor {
	return &Auditor{cfg: cfg}
}

// Audit scores text. It never errors; empty text scores 0.
func (a *Auditor) Audit(description string) Result {
	text := strings.TrimSpace(description)
	if text == "" {
		return Result{Score: 0, Issues: []string{"Empty description"}, Passed: false}
	}

	score := 100
	var issues []string
	penalize := func(penalty int, issue string) {
		score -= penalty
		issues = append(issues, issue)
	}

	for _, token := range badTokens {
		if n := strings.Count(text, token); n > 0 {
			penalize(a.cfg.PenaltyBadToken, fmt.Sprintf("Contains bad token '%s' (%dx)", token, n))
		}
	}

	length := utf8.RuneCountInString(text)
	switch {
	case length < a.cfg.MinLength:
		penalize(a.cfg.PenaltyTooShort, fmt.Sprintf("Too short: %d chars (min %d)", length, a.cfg.MinLength))
	case length > a.cfg.MaxLength:
		penalize(a.cfg.PenaltyTooLong, fmt.Sprintf("Too long: %d chars (max %d)", length, a.cfg.MaxLength))
	}

	words := strings.Fields(strings.ToLower(text))
	if diversity := wordDiversity(words); diversity < a.cfg.MinWordDiversity {
		penalize(a.cfg.PenaltyLowDiversity, fmt.Sprintf("Low word diversity: %.1f%% (min %.0f%%)", diversity*100, a.cfg.MinWordDiversity*100))
	}

	if word, ok := repeatedRun(words, a.cfg.MaxConsecutiveRepeats+1); ok {
		penalize(a.cfg.PenaltyConsecutive, fmt.Sprintf("Word repeated %dx consecutively: '%s'", a.cfg.MaxConsecutiveRepeats+1, word))
	}

	if ratio := gibberishRatio(text, length); ratio > a.cfg.MaxGibberishRatio {
		penalize(a.cfg.PenaltyHighGibberish, fmt.Sprintf("High gibberish ratio: %.1f%%", ratio*100))
	}

	if score < 0 {
		score = 0
	}
	return Result{Score: score, Issues: issues, Passed: score >= a.cfg.PassThreshold}
}

func wordDiversity(words []string) float64 {
	if len(words) == 0 {
		return 1
	}
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
	}
	return float64(len(unique)) / float64(len(words))
}

// repeatedRun reports the first word that appears run times in a row.
func repeatedRun(words []string, run int) (string, bool) {
	if run < 2 || len(words) < run {
		return "", false
	}
	streak := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			streak++
			if streak >= run {
				return words[i], true
			}
			continue
		}
		streak = 1
	}
	return "", false
}

func gibberishRatio(text string, length int) float64 {
	if length == 0 {
		return 0
	}
	noise := 0
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.IsSpace(r) {
			noise++
		}
	}
	return float64(noise) / float64(length)
}
