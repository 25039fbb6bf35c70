package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const ruleModelID = "rule-based-v1"

type keywordRule struct {
	keyword string
	code    string
}

// Compound keywords come first so titles like "Cocktail Server" resolve to
// their own code instead of the generic "server" entry.
var keywordRules = []keywordRule{
	{"cocktail server", "12602"},
	{"cocktail waitress", "12602"},
	{"food runner", "12406"},
	{"room service", "12504"},
	{"nail tech", "12702"},
	{"server", "12401"},
	{"waiter", "12401"},
	{"waitress", "12401"},
	{"bartender", "12402"},
	{"barkeeper", "12402"},
	{"barback", "12405"},
	{"host", "12403"},
	{"hostess", "12403"},
	{"busser", "12404"},
	{"busboy", "12404"},
	{"bellhop", "12501"},
	{"bellman", "12501"},
	{"concierge", "12502"},
	{"valet", "12503"},
	{"dealer", "12601"},
	{"croupier", "12601"},
	{"hairdresser", "12701"},
	{"hairstylist", "12701"},
	{"stylist", "12701"},
	{"manicurist", "12702"},
	{"massage", "12703"},
	{"taxi", "12801"},
	{"uber", "12801"},
	{"lyft", "12801"},
	{"rideshare", "12801"},
	{"delivery", "12802"},
	{"doordash", "12802"},
	{"grubhub", "12802"},
}

// KeywordClassifier matches job titles against a fixed keyword table. It is
// deterministic, needs no network, and serves as the fallback when no model
// backed classifier is configured.
type KeywordClassifier struct{}

var _ Classifier = KeywordClassifier{}

// Classify scans the job title for known occupation keywords. A keyword hit
// scores 0.95; anything else falls through to the non-tipped default at 0.5,
// which is below the review threshold and so always flagged for review.
func (KeywordClassifier) Classify(_ context.Context, in Input) (Result, error) {
	title := strings.ToLower(in.JobTitle)

	code := DefaultCode
	confidence := 0.5
	reasoning := fmt.Sprintf("No tipped occupation keyword in job title: %s", in.JobTitle)

	for _, rule := range keywordRules {
		if strings.Contains(title, rule.keyword) {
			code = rule.code
			confidence = 0.95
			reasoning = fmt.Sprintf("Matched keyword %q in job title: %s", rule.keyword, in.JobTitle)
			break
		}
	}

	entry, _ := Lookup(code)

	res := Result{
		EmployeeID:       in.EmployeeID,
		Code:             code,
		Title:            entry.Title,
		Description:      entry.Description,
		Confidence:       confidence,
		Reasoning:        reasoning,
		Tipped:           entry.Tipped,
		TypicalTipPct:    entry.TypicalTipPct,
		AlternativeCodes: []string{},
		ModelID:          ruleModelID,
		PromptVersion:    PromptVersion,
		PromptHash:       hashHex(in.JobTitle),
		ResponseHash:     hashHex(code),
		NeedsReview:      confidence < ConfidenceThreshold,
	}
	if res.NeedsReview {
		res.ReviewReason = "Low confidence match"
	}
	return res, nil
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
