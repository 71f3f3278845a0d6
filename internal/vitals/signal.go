package vitals

import (
	"math"
	"sort"
)

// movingAverage returns the centered moving average of xs with the given
// half width, truncating the window at the edges.
func movingAverage(xs []float64, half int) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	prefix := make([]float64, len(xs)+1)
	for i, v := range xs {
		prefix[i+1] = prefix[i] + v
	}
	for i := range xs {
		lo := max(0, i-half)
		hi := min(len(xs), i+half+1)
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}

// detrendLinear removes the least-squares line from xs.
func detrendLinear(xs []float64) []float64 {
	n := float64(len(xs))
	out := make([]float64, len(xs))
	if len(xs) < 2 {
		return out
	}
	var sx, sy, sxx, sxy float64
	for i, v := range xs {
		x := float64(i)
		sx += x
		sy += v
		sxx += x * x
		sxy += x * v
	}
	den := n*sxx - sx*sx
	slope := 0.0
	if den != 0 {
		slope = (n*sxy - sx*sy) / den
	}
	intercept := (sy - slope*sx) / n
	for i, v := range xs {
		out[i] = v - (intercept + slope*float64(i))
	}
	return out
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range xs {
		sum += v
	}
	mean := sum / float64(len(xs))
	var ss float64
	for _, v := range xs {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}

func rms(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var ss float64
	for _, v := range xs {
		ss += v * v
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func median(xs []int) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := append([]int(nil), xs...)
	sort.Ints(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return float64(s[mid])
	}
	return float64(s[mid-1]+s[mid]) / 2
}

// findPeaks returns the indices of local maxima of xs that rise above
// threshold, are the largest value within neighborhood samples on either
// side, and lie at least refractory samples apart. When two candidates fall
// inside the refractory distance the larger one is kept.
func findPeaks(xs []float64, neighborhood, refractory int, threshold float64) []int {
	var peaks []int
	for i := neighborhood; i < len(xs)-neighborhood; i++ {
		v := xs[i]
		if v <= threshold || v <= xs[i-1] {
			continue
		}
		isMax := true
		for j := i - neighborhood; j <= i+neighborhood; j++ {
			if xs[j] > v {
				isMax = false
				break
			}
		}
		if !isMax {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < refractory {
			if v > xs[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}

func intervals(peaks []int) []int {
	if len(peaks) < 2 {
		return nil
	}
	out := make([]int, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		out[i-1] = peaks[i] - peaks[i-1]
	}
	return out
}

// refinePeaks locates each peak between samples by fitting a parabola
// through the peak sample and its two neighbours.
func refinePeaks(xs []float64, peaks []int) []float64 {
	out := make([]float64, len(peaks))
	for i, p := range peaks {
		out[i] = float64(p)
		if p == 0 || p == len(xs)-1 {
			continue
		}
		a, b, c := xs[p-1], xs[p], xs[p+1]
		if den := a - 2*b + c; den < 0 {
			out[i] += 0.5 * (a - c) / den
		}
	}
	return out
}

// beatInterval returns the mean spacing of refined peak positions, in
// samples. When a missed or extra beat pulls the mean more than a fifth away
// from the median spacing, the median is used.
func beatInterval(pos []float64) float64 {
	n := len(pos)
	if n < 2 {
		return 0
	}
	ivs := make([]float64, n-1)
	for i := 1; i < n; i++ {
		ivs[i-1] = pos[i] - pos[i-1]
	}
	sort.Float64s(ivs)
	med := ivs[len(ivs)/2]
	if len(ivs)%2 == 0 {
		med = (ivs[len(ivs)/2-1] + med) / 2
	}
	mean := (pos[n-1] - pos[0]) / float64(n-1)
	if math.Abs(mean-med) > 0.2*med {
		return med
	}
	return mean
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
