package pipeline

// overallProgress maps a stage's sub-progress into its weight band:
//
//	overall = priorWeights + stageWeight * sub/100
//
// floor-rounded and clamped so a running pipeline never reports more than
// 100 before the final stage completes.
func (c Config) overallProgress(idx, sub int) int {
	if idx < 0 || idx >= len(c.Stages) {
		return 0
	}
	if sub < 0 {
		sub = 0
	}
	if sub > 100 {
		sub = 100
	}

	p := c.priorWeight(idx) + c.Stages[idx].Weight*sub/100
	if p > 100 {
		p = 100
	}
	return p
}
