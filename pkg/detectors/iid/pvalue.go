package iid

import "math"

const (
	// minBandwidth keeps the kernel well defined on a constant history.
	minBandwidth = 1e-6
	// pValueFloor bounds the bets placed on a zero p-value.
	pValueFloor = 1e-8
	// maxUnscaled is the largest magnitude the kernel handles without
	// rescaling.
	maxUnscaled = 1e150
)

// upperTail estimates P(X >= x) from the window contents. An empty window
// carries no evidence and yields 0.5.
func (d *Detector) upperTail(x float64) float64 {
	n := d.window.Len()
	if n == 0 {
		return 0.5
	}

	var u float64
	switch d.cfg.PValueMethod {
	case PValueRank:
		_, equal, greater := d.window.Rank(x)
		u = (float64(greater) + d.tieFraction()*float64(equal)) / float64(n)
	default:
		u = kernelUpperTail(d.window, x)
	}
	return clamp01(u)
}

// kernelUpperTail smooths the window with a Gaussian kernel whose bandwidth
// follows Silverman's rule on the population standard deviation.
//
// Values beyond maxUnscaled are divided by the largest magnitude first. The
// estimate is scale invariant, and the rescaling keeps differences and the
// bandwidth finite near the float64 range.
func kernelUpperTail(w *Window, x float64) float64 {
	n := w.Len()
	scale := math.Abs(x)
	for i := 0; i < n; i++ {
		scale = math.Max(scale, math.Abs(w.At(i)))
	}
	if scale <= maxUnscaled {
		scale = 1
	}
	x /= scale

	sd := 1 / scale
	if n > 1 {
		sd = scaledStdDev(w, scale)
	}
	bw := math.Sqrt2 * sd * math.Pow(float64(n), -0.2)
	if floor := minBandwidth / scale; bw < floor {
		bw = floor
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += math.Erf((x - w.At(i)/scale) / bw)
	}
	return 0.5 - sum/(2*float64(n))
}

// scaledStdDev is the population standard deviation of the window contents
// divided by scale.
func scaledStdDev(w *Window, scale float64) float64 {
	if scale == 1 {
		return w.StdDev()
	}
	n := w.Len()
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.At(i) / scale
	}
	mean := sum / float64(n)
	var ss float64
	for i := 0; i < n; i++ {
		d := w.At(i)/scale - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n))
}

// tieFraction returns the share of tied values counted in the upper tail.
func (d *Detector) tieFraction() float64 {
	if d.cfg.TieBreak == TieRandomized {
		return uniform(uint64(d.cfg.Seed), d.count)
	}
	return 0.5
}

// sided converts an upper-tail probability into the reported p-value and the
// decision p-value, which is uniform on [0, 1] under the null hypothesis.
func sided(side Side, u float64) (reported, decision float64) {
	switch side {
	case SidePositive:
		return u, u
	case SideNegative:
		return 1 - u, 1 - u
	default:
		p := math.Min(u, 1-u)
		return p, math.Min(1, 2*p)
	}
}

// uniform maps (seed, counter) to a value in [0, 1) with splitmix64, so the
// tie-break stream is a pure function of checkpointed state.
func uniform(seed, counter uint64) float64 {
	z := seed + (counter+1)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return float64(z>>11) / (1 << 53)
}

// clamp01 limits v to [0, 1]. NaN carries no evidence and maps to 0.5.
func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}
