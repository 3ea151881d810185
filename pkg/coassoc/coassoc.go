// Package coassoc accumulates ensemble evidence into a co-association
// matrix: for every node pair, the fraction of shared runs in which both
// received the same hard label.
package coassoc

import (
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Labeling is one ensemble member's hard assignment. Negative labels mark
// unassigned (noise) nodes, which never associate with anyone.
type Labeling interface {
	Nodes() []string
	Label(id string) (int, bool)
}

// Matrix is a symmetric co-association matrix over the union of nodes seen
// in any run. It is read-only once built.
type Matrix struct {
	ids      []string
	index    map[string]int
	assoc    *mat.SymDense
	together []int // packed upper triangle
	runs     []int
	noise    []int
	total    int
}

// Build fuses runs into a Matrix. Pairs that never co-occurred get 0.
func Build(runs ...Labeling) *Matrix {
	seen := map[string]struct{}{}
	for _, r := range runs {
		for _, id := range r.Nodes() {
			seen[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	n := len(ids)
	index := make(map[string]int, n)
	for i, id := range ids {
		index[id] = i
	}

	m := &Matrix{
		ids:      ids,
		index:    index,
		together: make([]int, n*(n+1)/2),
		runs:     make([]int, n),
		noise:    make([]int, n),
		total:    len(runs),
	}
	same := make([]int, len(m.together))

	for _, r := range runs {
		nodes := r.Nodes()
		pos := make([]int, len(nodes))
		labels := make([]int, len(nodes))
		for a, id := range nodes {
			pos[a] = index[id]
			labels[a], _ = r.Label(id)
			m.runs[pos[a]]++
			if labels[a] < 0 {
				m.noise[pos[a]]++
			}
		}
		for a := range nodes {
			for b := a + 1; b < len(nodes); b++ {
				k := packed(pos[a], pos[b], n)
				m.together[k]++
				if labels[a] >= 0 && labels[a] == labels[b] {
					same[k]++
				}
			}
		}
	}

	if n > 0 {
		m.assoc = mat.NewSymDense(n, nil)
	}
	for i := 0; i < n; i++ {
		if m.runs[i] > 0 {
			m.assoc.SetSym(i, i, 1)
		}
		for j := i + 1; j < n; j++ {
			k := packed(i, j, n)
			if m.together[k] > 0 {
				m.assoc.SetSym(i, j, float64(same[k])/float64(m.together[k]))
			}
		}
	}
	return m
}

// packed indexes the upper triangle (i <= j) of an n x n matrix.
func packed(i, j, n int) int {
	if i > j {
		i, j = j, i
	}
	return i*n - i*(i-1)/2 + (j - i)
}

func (m *Matrix) Len() int { return len(m.ids) }

// IDs returns the node identifiers in matrix order (sorted).
func (m *Matrix) IDs() []string { return append([]string(nil), m.ids...) }

func (m *Matrix) Index(id string) int {
	if i, ok := m.index[id]; ok {
		return i
	}
	return -1
}

// At returns the association of nodes i and j in [0, 1].
func (m *Matrix) At(i, j int) float64 { return m.assoc.At(i, j) }

// Together returns how many runs contained both i and j.
func (m *Matrix) Together(i, j int) int {
	if i == j {
		return m.runs[i]
	}
	return m.together[packed(i, j, len(m.ids))]
}

// Runs returns how many runs contained node i.
func (m *Matrix) Runs(i int) int { return m.runs[i] }

// NoiseVotes returns how many runs labelled node i as noise.
func (m *Matrix) NoiseVotes(i int) int { return m.noise[i] }

// TotalRuns is the number of runs fused.
func (m *Matrix) TotalRuns() int { return m.total }

// Rows returns a dense copy of the matrix.
func (m *Matrix) Rows() [][]float64 {
	n := len(m.ids)
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
		for j := range out[i] {
			out[i][j] = m.assoc.At(i, j)
		}
	}
	return out
}
