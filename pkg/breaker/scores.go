package breaker

// NegativeScores holds the negative-action components of a target's
// reputation score, as computed by the external scoring pipeline.
type NegativeScores struct {
	BlockAuthorScore   float64 `json:"block_author_score"`
	MuteAuthorScore    float64 `json:"mute_author_score"`
	ReportScore        float64 `json:"report_score"`
	NotInterestedScore float64 `json:"not_interested_score"`
}

// ApplyProtection zeroes the negative components when the decision withheld
// score impact. When impact is allowed the scores pass through untouched.
func ApplyProtection(scores *NegativeScores, d Decision) {
	if scores == nil || d.AllowScoreImpact {
		return
	}
	scores.BlockAuthorScore = 0
	scores.MuteAuthorScore = 0
	scores.ReportScore = 0
	scores.NotInterestedScore = 0
}
