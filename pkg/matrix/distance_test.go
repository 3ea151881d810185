package matrix

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eacerrors "trafficeac/pkg/errors"
)

func TestBuilder_SymmetricByConstruction(t *testing.T) {
	b := NewBuilder([]string{"a", "b", "c"})
	b.Set(0, 1, 1.5)
	b.Set(2, 0, 4)
	b.Set(1, 2, 2)

	d, err := b.Build()
	require.NoError(t, err)

	for i := 0; i < d.Len(); i++ {
		assert.Equal(t, 0.0, d.At(i, i))
		for j := 0; j < d.Len(); j++ {
			assert.Equal(t, d.At(i, j), d.At(j, i))
		}
	}
	assert.Equal(t, 4.0, d.At(0, 2))
	assert.Equal(t, 2, d.Index("c"))
	assert.Equal(t, -1, d.Index("z"))
	assert.Equal(t, []float64{1.5, 0, 2}, d.Row(1, nil))
}

func TestBuilder_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		ids   []string
		value float64
	}{
		{name: "negative", ids: []string{"a", "b"}, value: -1},
		{name: "nan", ids: []string{"a", "b"}, value: math.NaN()},
		{name: "duplicate ids", ids: []string{"a", "a"}, value: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(tt.ids)
			b.Set(0, 1, tt.value)
			_, err := b.Build()
			require.Error(t, err)
			assert.True(t, eacerrors.IsType(err, eacerrors.ErrorTypeInvalidInput))
		})
	}
}

func TestFromRows(t *testing.T) {
	d, err := FromRows([]string{"x", "y"}, [][]float64{{0, 3}, {3, 0}})
	require.NoError(t, err)
	assert.Equal(t, 3.0, d.At(1, 0))

	_, err = FromRows([]string{"x", "y"}, [][]float64{{0, 3}, {2, 0}})
	assert.Error(t, err)

	_, err = FromRows([]string{"x", "y"}, [][]float64{{1, 3}, {3, 0}})
	assert.Error(t, err)

	_, err = FromRows([]string{"x", "y"}, [][]float64{{0, 3}})
	assert.Error(t, err)
}
