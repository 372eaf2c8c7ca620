package iid

import "math"

// logBet returns the log of the betting function evaluated at the reported
// p-value p.
func logBet(kind Martingale, eps, p float64) float64 {
	p = math.Max(p, pValueFloor)
	switch kind {
	case MartingaleMixture:
		return math.Log(mixtureBet(p))
	default:
		// log(eps * p^(eps-1))
		return math.Log(eps) + (eps-1)*math.Log(p)
	}
}

// mixtureBet is the power martingale integrated over eps in (0, 1). Near
// p = 1 the closed form cancels badly, so its limit 1/2 is used.
func mixtureBet(p float64) float64 {
	if 1-p < 1e-4 {
		return 0.5
	}
	lp := math.Log(p)
	return (p*lp - p + 1) / (p * lp * lp)
}

// logMartingale recomputes the score from the buffered bets.
func (d *Detector) logMartingale() float64 {
	return d.bets.Sum()
}

// changeThreshold is the log of 1/alpha. By Ville's inequality a martingale
// starting at 1 exceeds 1/alpha with probability at most alpha.
func (c Config) changeThreshold() float64 {
	return -math.Log(c.Threshold())
}
