package rfcm

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// NoiseLabel marks nodes whose largest membership is the noise term.
const NoiseLabel = -1

// Partition is a fuzzy membership matrix over n nodes and c clusters plus a
// per-node noise residual. Each row together with its noise entry sums to 1.
type Partition struct {
	u     *mat.Dense
	noise []float64
}

func newPartition(n, c int) *Partition {
	return &Partition{u: mat.NewDense(n, c, nil), noise: make([]float64, n)}
}

func (p *Partition) Nodes() int {
	r, _ := p.u.Dims()
	return r
}

func (p *Partition) Clusters() int {
	_, c := p.u.Dims()
	return c
}

// At returns the membership of node i in cluster k.
func (p *Partition) At(i, k int) float64 { return p.u.At(i, k) }

// Noise returns the noise residual of node i.
func (p *Partition) Noise(i int) float64 { return p.noise[i] }

// Row returns a copy of node i's cluster memberships.
func (p *Partition) Row(i int) []float64 {
	return mat.Row(nil, i, p.u)
}

// RowSum returns the memberships of node i plus its noise residual.
func (p *Partition) RowSum(i int) float64 {
	return mat.Sum(p.u.RowView(i)) + p.noise[i]
}

// Clone returns an independent copy.
func (p *Partition) Clone() *Partition {
	return &Partition{u: mat.DenseCopyOf(p.u), noise: append([]float64(nil), p.noise...)}
}

// Dense returns a copy of the membership matrix.
func (p *Partition) Dense() *mat.Dense { return mat.DenseCopyOf(p.u) }

// hardLabels assigns argmax_k, or NoiseLabel when the noise entry exceeds
// every cluster membership. Ties go to the lowest cluster index.
func (p *Partition) hardLabels() []int {
	n, c := p.u.Dims()
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		best, bestK := -1.0, NoiseLabel
		for k := 0; k < c; k++ {
			if v := p.u.At(i, k); v > best {
				best, bestK = v, k
			}
		}
		if p.noise[i] > best {
			bestK = NoiseLabel
		}
		labels[i] = bestK
	}
	return labels
}

// canonicalize reorders clusters by descending hard-label size, ties by the
// smallest member index, and returns the relabelled hard labels.
func (p *Partition) canonicalize() []int {
	labels := p.hardLabels()
	n, c := p.u.Dims()

	size := make([]int, c)
	first := make([]int, c)
	for k := range first {
		first[k] = n + k
	}
	for i, l := range labels {
		if l == NoiseLabel {
			continue
		}
		size[l]++
		if i < first[l] {
			first[l] = i
		}
	}
	order := make([]int, c)
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool {
		ka, kb := order[a], order[b]
		if size[ka] != size[kb] {
			return size[ka] > size[kb]
		}
		return first[ka] < first[kb]
	})

	remap := make([]int, c)
	u := mat.NewDense(n, c, nil)
	for newK, oldK := range order {
		remap[oldK] = newK
		u.SetCol(newK, mat.Col(nil, oldK, p.u))
	}
	p.u = u
	for i, l := range labels {
		if l != NoiseLabel {
			labels[i] = remap[l]
		}
	}
	return labels
}
