package starremoval

import "math"

// Neighborhood sampling at image borders uses the clamp policy:
// coordinates outside the grid are replicated from the nearest border
// pixel. The same policy applies to the median neighborhoods and to the
// gaussian passes so the two stages agree at the edges.

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v >= max {
		return max - 1
	}
	return v
}

// neighborhoodMedian returns the median of the size x size neighborhood
// centered on (cx, cy), drawn from samples whose mask entry is false.
// When the neighborhood holds no unmasked samples (dense star clusters,
// clamped corners) it falls back to the full neighborhood.
func neighborhoodMedian(pix []uint16, mask []bool, width, height, cx, cy, size int) uint16 {
	radius := size / 2
	gather := func(includeMasked bool) []uint16 {
		values := make([]uint16, 0, size*size)
		for dy := -radius; dy <= radius; dy++ {
			y := clamp(cy+dy, height)
			for dx := -radius; dx <= radius; dx++ {
				x := clamp(cx+dx, width)
				idx := y*width + x
				if includeMasked || !mask[idx] {
					values = append(values, pix[idx])
				}
			}
		}
		return values
	}

	values := gather(false)
	if len(values) == 0 {
		values = gather(true)
	}
	return sortedMedian(values)
}

// sortedMedian sorts values in place and returns the middle element,
// averaging the two middles for even counts with round-half-to-even.
func sortedMedian(values []uint16) uint16 {
	insertionSort(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	lo, hi := values[n/2-1], values[n/2]
	return uint16(math.RoundToEven((float64(lo) + float64(hi)) / 2))
}

// insertionSort keeps the hot per-pixel path free of interface-based
// sorting; neighborhoods are tiny (typically 9-49 samples).
func insertionSort(values []uint16) {
	for i := 1; i < len(values); i++ {
		v := values[i]
		j := i - 1
		for j >= 0 && values[j] > v {
			values[j+1] = values[j]
			j--
		}
		values[j+1] = v
	}
}

// gaussianKernel returns a normalized 1-D gaussian kernel for the given
// sigma, truncated at three standard deviations.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	if radius < 1 {
		radius = 1
	}
	kernel := make([]float64, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		kernel[i+radius] = w
		sum += w
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

// gaussianBlur applies a separable gaussian smoothing pass with the
// given sigma and returns the result rounded back to the integer sample
// type. Borders use clamped sampling. A normalized kernel is a convex
// combination, so the output range never exceeds the input range.
func gaussianBlur(pix []uint16, width, height int, sigma float64) []uint16 {
	kernel := gaussianKernel(sigma)
	radius := len(kernel) / 2

	// Horizontal pass into a float buffer.
	tmp := make([]float64, len(pix))
	for y := 0; y < height; y++ {
		row := y * width
		for x := 0; x < width; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * float64(pix[row+clamp(x+k, width)])
			}
			tmp[row+x] = acc
		}
	}

	// Vertical pass back to samples.
	out := make([]uint16, len(pix))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var acc float64
			for k := -radius; k <= radius; k++ {
				acc += kernel[k+radius] * tmp[clamp(y+k, height)*width+x]
			}
			out[y*width+x] = uint16(math.RoundToEven(acc))
		}
	}
	return out
}
