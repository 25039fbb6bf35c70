package classify

import "context"

const (
	// PromptVersion tags every classification so results can be
	// reproduced against the exact prompt that produced them.
	PromptVersion = "v1.0.0"

	// ConfidenceThreshold is the score below which a classification is
	// routed to human review.
	ConfidenceThreshold = 0.85
)

// Input describes the employee role to classify.
type Input struct {
	EmployeeID       string   `json:"employee_id"`
	JobTitle         string   `json:"job_title" validate:"required"`
	JobDescription   string   `json:"job_description,omitempty"`
	Duties           []string `json:"duties,omitempty"`
	EmployerIndustry string   `json:"employer_industry,omitempty"`
	TipFrequency     string   `json:"tip_frequency,omitempty"`
	CustomerFacing   *bool    `json:"is_customer_facing,omitempty"`
}

// Result is one occupation classification. PromptHash and ResponseHash
// pin the exact exchange that produced the result; together with ModelID
// and PromptVersion they make the classification auditable.
type Result struct {
	EmployeeID       string   `json:"employee_id"`
	Code             string   `json:"ttoc_code"`
	Title            string   `json:"ttoc_title"`
	Description      string   `json:"ttoc_description"`
	Confidence       float64  `json:"confidence_score"`
	Reasoning        string   `json:"reasoning"`
	Tipped           bool     `json:"is_tipped_occupation"`
	TypicalTipPct    *float64 `json:"typical_tip_percentage"`
	AlternativeCodes []string `json:"alternative_codes"`
	ModelID          string   `json:"model_id"`
	PromptVersion    string   `json:"prompt_version"`
	PromptHash       string   `json:"prompt_hash"`
	ResponseHash     string   `json:"response_hash"`
	NeedsReview      bool     `json:"needs_human_review"`
	ReviewReason     string   `json:"review_reason,omitempty"`
}

// Classifier assigns a TTOC code to an employee role. Implementations may
// call out to a remote model, so Classify takes a context and can fail.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}
