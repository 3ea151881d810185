// Package matrix provides the symmetric pairwise distance matrix shared by
// the relational clustering stages.
package matrix

import (
	"math"

	"gonum.org/v1/gonum/mat"

	eacerrors "trafficeac/pkg/errors"
)

// Distance is a read-only symmetric, non-negative matrix with a zero
// diagonal over an ordered set of identifiers.
type Distance struct {
	ids   []string
	index map[string]int
	sym   *mat.SymDense
}

// Builder fills a Distance one unordered pair at a time. Set on distinct
// pairs is safe from concurrent goroutines.
type Builder struct {
	ids []string
	sym *mat.SymDense
}

func NewBuilder(ids []string) *Builder {
	n := len(ids)
	var sym *mat.SymDense
	if n > 0 {
		sym = mat.NewSymDense(n, nil)
	}
	return &Builder{ids: append([]string(nil), ids...), sym: sym}
}

// Set records d for the pair (i, j), i != j.
func (b *Builder) Set(i, j int, d float64) {
	b.sym.SetSym(i, j, d)
}

// Build validates the filled matrix and freezes it.
func (b *Builder) Build() (*Distance, error) {
	n := len(b.ids)
	index := make(map[string]int, n)
	for i, id := range b.ids {
		if _, dup := index[id]; dup {
			return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "duplicate identifier %q", id)
		}
		index[id] = i
	}
	for i := 0; i < n; i++ {
		if b.sym.At(i, i) != 0 {
			return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "non-zero diagonal at %d", i)
		}
		for j := i + 1; j < n; j++ {
			v := b.sym.At(i, j)
			if v < 0 || math.IsNaN(v) {
				return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "invalid distance %v between %s and %s", v, b.ids[i], b.ids[j])
			}
		}
	}
	d := &Distance{ids: b.ids, index: index, sym: b.sym}
	b.sym = nil
	return d, nil
}

// FromRows builds a Distance from a dense square table, checking symmetry.
func FromRows(ids []string, rows [][]float64) (*Distance, error) {
	n := len(ids)
	if len(rows) != n {
		return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "got %d rows for %d identifiers", len(rows), n)
	}
	b := NewBuilder(ids)
	for i := 0; i < n; i++ {
		if len(rows[i]) != n {
			return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "row %d has %d entries, want %d", i, len(rows[i]), n)
		}
		for j := i; j < n; j++ {
			if rows[i][j] != rows[j][i] {
				return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "asymmetric entry (%d,%d)", i, j)
			}
			if i == j {
				if rows[i][i] != 0 {
					return nil, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "non-zero diagonal at %d", i)
				}
				continue
			}
			b.Set(i, j, rows[i][j])
		}
	}
	return b.Build()
}

func (d *Distance) Len() int { return len(d.ids) }

// IDs returns the identifiers in matrix order.
func (d *Distance) IDs() []string { return append([]string(nil), d.ids...) }

func (d *Distance) ID(i int) string { return d.ids[i] }

// Index returns the position of id, or -1.
func (d *Distance) Index(id string) int {
	if i, ok := d.index[id]; ok {
		return i
	}
	return -1
}

func (d *Distance) At(i, j int) float64 {
	return d.sym.At(i, j)
}

// Symmetric exposes the matrix for gonum operations. Callers must not
// mutate it.
func (d *Distance) Symmetric() mat.Symmetric { return d.sym }

// Row copies row i into dst (allocated when nil) and returns it.
func (d *Distance) Row(i int, dst []float64) []float64 {
	n := len(d.ids)
	if dst == nil {
		dst = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		dst[j] = d.sym.At(i, j)
	}
	return dst
}
