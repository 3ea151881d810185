// Package dtw computes multivariate dynamic-time-warping distances between
// node behaviour series and assembles them into distance matrices.
package dtw

import (
	"math"

	"gonum.org/v1/gonum/floats"

	eacerrors "trafficeac/pkg/errors"
	"trafficeac/pkg/profile"
)

// Options tunes a single DTW computation.
type Options struct {
	// Band is the Sakoe-Chiba half-width around the scaled diagonal. Cell
	// (i, j) of an n by m grid is kept when
	// |j(n-1) - i(m-1)| <= Band*max(n-1, m-1). For equal lengths that is
	// Band cells either side of the diagonal. For unequal lengths it is
	// Band cells of the shorter series for a fixed index of the longer one,
	// and Band*max/min cells of the longer series for a fixed index of the
	// shorter one (max, min being the larger and smaller of n-1, m-1).
	// 0 means full alignment.
	Band int
	// Normalize divides the accumulated cost by the warping path length.
	Normalize bool
}

// Distance returns the DTW distance between a and b using Euclidean local
// cost. Both series must be non-empty with one common vector dimension.
func Distance(a, b []profile.Vector, opts Options) (float64, error) {
	if err := validatePair(a, b); err != nil {
		return 0, err
	}
	n, m := len(a), len(b)
	band := newBand(n, m, opts.Band)

	// two rolling rows of accumulated cost and path length
	prevCost := make([]float64, m)
	currCost := make([]float64, m)
	prevLen := make([]int, m)
	currLen := make([]int, m)

	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			if !band.allows(i, j) {
				currCost[j] = math.Inf(1)
				currLen[j] = 0
				continue
			}
			local := floats.Distance(a[i], b[j], 2)
			if i == 0 && j == 0 {
				currCost[j], currLen[j] = local, 1
				continue
			}

			best, bestLen := math.Inf(1), 0
			consider := func(c float64, l int) {
				if c < best || (c == best && l < bestLen) {
					best, bestLen = c, l
				}
			}
			if i > 0 && j > 0 {
				consider(prevCost[j-1], prevLen[j-1])
			}
			if i > 0 {
				consider(prevCost[j], prevLen[j])
			}
			if j > 0 {
				consider(currCost[j-1], currLen[j-1])
			}
			currCost[j], currLen[j] = local+best, bestLen+1
		}
		prevCost, currCost = currCost, prevCost
		prevLen, currLen = currLen, prevLen
	}

	total, length := prevCost[m-1], prevLen[m-1]
	if math.IsInf(total, 1) {
		// unreachable with a band of at least 1; kept as a guard
		return 0, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "no warping path within band %d", opts.Band)
	}
	if opts.Normalize && length > 0 {
		return total / float64(length), nil
	}
	return total, nil
}

func validatePair(a, b []profile.Vector) error {
	if len(a) == 0 || len(b) == 0 {
		return eacerrors.New(eacerrors.ErrorTypeInvalidInput, "dtw: series of length 0")
	}
	dim := len(a[0])
	if dim == 0 {
		return eacerrors.New(eacerrors.ErrorTypeInvalidInput, "dtw: zero-dimension vectors")
	}
	for _, s := range [][]profile.Vector{a, b} {
		for i, v := range s {
			if len(v) != dim {
				return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "dtw: vector %d has dimension %d, want %d", i, len(v), dim)
			}
		}
	}
	return nil
}

// band admits (i, j) when |j(n-1) - i(m-1)| <= w * max(n-1, m-1). The rule
// is unchanged by swapping the series or reversing both, and a half-width
// of at least 1 always leaves a connected path between the corners.
type band struct {
	full       bool
	n1, m1, lim int64
}

func newBand(n, m, width int) band {
	if width <= 0 {
		return band{full: true}
	}
	n1, m1 := int64(n-1), int64(m-1)
	longer := n1
	if m1 > longer {
		longer = m1
	}
	return band{n1: n1, m1: m1, lim: int64(width) * longer}
}

func (b band) allows(i, j int) bool {
	if b.full {
		return true
	}
	diff := int64(j)*b.n1 - int64(i)*b.m1
	if diff < 0 {
		diff = -diff
	}
	return diff <= b.lim
}
