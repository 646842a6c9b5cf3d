package interactions

// FeedbackPolicy turns a feedback tally into a confidence penalty. Net
// negatives up to Threshold are free; each one above costs Penalty, up to
// MaxPenalty.
type FeedbackPolicy struct {
	Threshold  int64
	Penalty    float64
	MaxPenalty float64
}

// DefaultFeedbackPolicy returns the default policy
func DefaultFeedbackPolicy() FeedbackPolicy {
	return FeedbackPolicy{Threshold: 3, Penalty: 0.1, MaxPenalty: 0.4}
}

// PenaltyFor returns the confidence penalty for t
func (p FeedbackPolicy) PenaltyFor(t FeedbackTally) float64 {
	excess := t.NetNegative() - p.Threshold
	if excess <= 0 {
		return 0
	}
	penalty := float64(excess) * p.Penalty
	if penalty > p.MaxPenalty {
		return p.MaxPenalty
	}
	return penalty
}
