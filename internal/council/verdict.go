package council

// Verdicts shared by the TA vote and the LLM council.
const (
	VerdictAct    = "ACT"
	VerdictWatch  = "WATCH"
	VerdictIgnore = "IGNORE"
)

// Positioning is the council's suggested stance.
type Positioning struct {
	Bias             string   `json:"bias"`
	SuggestedActions []string `json:"suggested_actions"`
}

// Verdict is the strict JSON shape each provider is asked to return.
type Verdict struct {
	Verdict             string      `json:"verdict"`
	Severity            string      `json:"severity"`
	Confidence          float64     `json:"confidence"`
	KeyDrivers          []string    `json:"key_drivers"`
	WhatToVerify        []string    `json:"what_to_verify"`
	TimeHorizon         string      `json:"time_horizon"`
	Positioning         Positioning `json:"positioning"`
	OneParagraphSummary string      `json:"one_paragraph_summary"`
}

// valid reports whether the verdict names a known action and carries a
// sane confidence. Anything else is a discarded vote.
func (v *Verdict) valid() bool {
	switch v.Verdict {
	case VerdictAct, VerdictWatch, VerdictIgnore:
	default:
		return false
	}
	return v.Confidence >= 0 && v.Confidence <= 1
}

// MemberVote pairs a provider name with its parsed verdict.
type MemberVote struct {
	Provider string
	Verdict  Verdict
}
