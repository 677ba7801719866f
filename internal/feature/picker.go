package feature

import "sort"

// PickPeaks returns the peaks of a scan that pass the noise floor.
// The noise level is estimated as the median peak intensity of the
// scan; peaks must exceed snRatio times that level and the absolute
// minIntensity floor. Peaks are returned ordered by m/z.
func PickPeaks(scan *Scan, minIntensity, snRatio float64) []Peak {
	if len(scan.Peaks) == 0 {
		return nil
	}
	noise := medianIntensity(scan.Peaks)
	floor := minIntensity
	if snRatio > 0 && noise*snRatio > floor {
		floor = noise * snRatio
	}
	picked := make([]Peak, 0, len(scan.Peaks))
	for _, p := range scan.Peaks {
		if p.Intens > 0 && p.Intens >= floor {
			picked = append(picked, p)
		}
	}
	sort.Slice(picked,
		func(i, j int) bool { return picked[i].Mz < picked[j].Mz })
	return picked
}

func medianIntensity(peaks []Peak) float64 {
	in := make([]float64, 0, len(peaks))
	for _, p := range peaks {
		if p.Intens > 0 {
			in = append(in, p.Intens)
		}
	}
	if len(in) == 0 {
		return 0
	}
	sort.Float64s(in)
	n := len(in)
	if n%2 == 1 {
		return in[n/2]
	}
	return (in[n/2-1] + in[n/2]) / 2
}
