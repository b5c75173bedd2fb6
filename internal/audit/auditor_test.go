package audit

import (
	"strings"
	"testing"

	"github.com/angelmondragon/mediasearch-backend/pkg/config"
)

func testConfig() config.AuditConfig {
	return config.AuditConfig{
		PassThreshold:         60,
		MinLength:             50,
		MaxLength:             5000,
		MinWordDiversity:      0.3,
		MaxConsecutiveRepeats: 3,
		MaxGibberishRatio:     0.3,
		PenaltyBadToken:       40,
		PenaltyTooShort:       30,
		PenaltyTooLong:        10,
		PenaltyLowDiversity:   30,
		PenaltyConsecutive:    30,
		PenaltyHighGibberish:  25,
	}
}

func TestAuditCleanDescriptionPasses(t *testing.T) {
	a := New(testConfig())
	res := a.Audit("A golden retriever runs across a sunny beach while waves break gently behind it.")
	if res.Score != 100 || !res.Passed {
		t.Fatalf("expected perfect score, got %+v", res)
	}
	if len(res.Issues) != 0 {
		t.Fatalf("expected no issues, got %v", res.Issues)
	}
}

func TestAuditEmpty(t *testing.T) {
	res := New(testConfig()).Audit("   ")
	if res.Score != 0 || res.Passed {
		t.Fatalf("expected failing zero score, got %+v", res)
	}
	if len(res.Issues) != 1 || res.Issues[0] != "Empty description" {
		t.Fatalf("unexpected issues %v", res.Issues)
	}
}

func TestAuditPenalties(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantScore int
		wantIssue string
	}{
		{
			name:      "bad token",
			text:      "A quiet street at night with lamps glowing softly <|im_end near parked cars.",
			wantScore: 60,
			wantIssue: "bad token '<|'",
		},
		{
			name:      "too short",
			text:      "A red car parked outside.",
			wantScore: 70,
			wantIssue: "Too short",
		},
		{
			name:      "consecutive repeats",
			text:      "The scene shows a tree tree tree tree standing in a wide green field under clouds.",
			wantScore: 70,
			wantIssue: "repeated 4x",
		},
		{
			name:      "gibberish",
			text:      "Photo 1234567890 #### $$$$ %%%% &&&& **** 1234567890 ((((())))) [[[[]]]] a dog",
			wantScore: 75,
			wantIssue: "gibberish",
		},
	}

	a := New(testConfig())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := a.Audit(tc.text)
			if res.Score != tc.wantScore {
				t.Fatalf("expected score %d, got %d (%v)", tc.wantScore, res.Score, res.Issues)
			}
			found := false
			for _, issue := range res.Issues {
				if strings.Contains(issue, tc.wantIssue) {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected issue containing %q, got %v", tc.wantIssue, res.Issues)
			}
		})
	}
}

func TestAuditScoreFloorsAtZero(t *testing.T) {
	res := New(testConfig()).Audit("<| |> <| |> loop loop loop loop")
	if res.Score != 0 {
		t.Fatalf("expected score clamped to zero, got %d (%v)", res.Score, res.Issues)
	}
	if res.Passed {
		t.Fatal("expected audit to fail")
	}
}
