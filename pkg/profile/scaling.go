package profile

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	eacerrors "trafficeac/pkg/errors"
)

// Scaling normalises each feature column across all windows of a view.
type Scaling string

const (
	ScaleNone   Scaling = "none"
	ScaleZScore Scaling = "zscore"
	ScaleMinMax Scaling = "minmax"
)

func ParseScaling(s string) (Scaling, error) {
	switch Scaling(s) {
	case "", ScaleNone:
		return ScaleNone, nil
	case ScaleZScore, ScaleMinMax:
		return Scaling(s), nil
	}
	return "", eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "unknown scaling %q", s)
}

// Scale returns rescaled copies of profiles. Constant columns map to 0.
func Scale(profiles []NodeProfile, method Scaling) []NodeProfile {
	if method == ScaleNone || method == "" || len(profiles) == 0 {
		return profiles
	}
	dim := len(profiles[0].windows[0])
	total := 0
	for _, p := range profiles {
		total += p.Len()
	}

	column := make([]float64, 0, total)
	shift := make([]float64, dim)
	scale := make([]float64, dim)
	for c := 0; c < dim; c++ {
		column = column[:0]
		for _, p := range profiles {
			for _, w := range p.windows {
				column = append(column, w[c])
			}
		}
		switch method {
		case ScaleZScore:
			mean, std := stat.MeanStdDev(column, nil)
			shift[c], scale[c] = mean, std
		case ScaleMinMax:
			lo, hi := floats.Min(column), floats.Max(column)
			shift[c], scale[c] = lo, hi-lo
		}
	}

	out := make([]NodeProfile, len(profiles))
	for i, p := range profiles {
		windows := make([]Vector, len(p.windows))
		for t, w := range p.windows {
			v := make(Vector, dim)
			for c := range w {
				if scale[c] > 0 {
					v[c] = (w[c] - shift[c]) / scale[c]
				}
			}
			windows[t] = v
		}
		out[i] = NodeProfile{id: p.id, windows: windows}
	}
	return out
}
