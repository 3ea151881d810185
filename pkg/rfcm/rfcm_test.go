package rfcm

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eacerrors "trafficeac/pkg/errors"
	"trafficeac/pkg/matrix"
)

// twoGroups builds a distance matrix for groups of sizes a and b with
// within-group distances near 0.1 and cross distances near 10.
func twoGroups(t *testing.T, a, b int) *matrix.Distance {
	t.Helper()
	n := a + b
	ids := make([]string, n)
	rows := make([][]float64, n)
	for i := range rows {
		ids[i] = string(rune('a' + i))
		rows[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := 0.1 + 0.01*float64((i+j)%3)
			if (i < a) != (j < a) {
				d = 10 + 0.1*float64((i*j)%4)
			}
			rows[i][j], rows[j][i] = d, d
		}
	}
	d, err := matrix.FromRows(ids, rows)
	require.NoError(t, err)
	return d
}

func TestRun_SeparatesTwoGroups(t *testing.T) {
	d := twoGroups(t, 4, 3)

	for _, seeding := range []Seeding{SeedMaximin, SeedRandom} {
		t.Run(string(seeding), func(t *testing.T) {
			cfg := DefaultConfig(2)
			cfg.Seeding = seeding
			res, err := Run(d, cfg, rand.New(rand.NewPCG(10, 0)))
			require.NoError(t, err)
			assert.True(t, res.Converged)

			// the larger group is canonicalised to cluster 0
			assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 1}, res.Labels)
			for i := 0; i < 7; i++ {
				own, other := 0, 1
				if i >= 4 {
					own, other = 1, 0
				}
				assert.Greater(t, res.Partition.At(i, own), 0.9, "node %d", i)
				assert.Less(t, res.Partition.At(i, other), 0.05, "node %d", i)
			}
		})
	}
}

func TestRun_RowsSumToOneEveryIteration(t *testing.T) {
	d := twoGroups(t, 5, 4)
	seen := 0

	for _, scale := range []float64{0, 0.5, 1, 4} {
		cfg := DefaultConfig(3)
		cfg.NoiseScale = scale
		cfg.Tolerance = 1e-9
		cfg.MaxIterations = 25
		cfg.OnIteration = func(iter int, p *Partition) {
			seen++
			for i := 0; i < p.Nodes(); i++ {
				require.InDelta(t, 1.0, p.RowSum(i), 1e-6, "iteration %d row %d", iter, i)
				for k := 0; k < p.Clusters(); k++ {
					v := p.At(i, k)
					require.False(t, math.IsNaN(v))
					require.GreaterOrEqual(t, v, 0.0)
					require.LessOrEqual(t, v, 1.0)
				}
				if scale <= 0 {
					require.Equal(t, 0.0, p.Noise(i))
				}
			}
		}
		res, err := Run(d, cfg, nil)
		require.NoError(t, err)
		for i := 0; i < res.Partition.Nodes(); i++ {
			assert.InDelta(t, 1.0, res.Partition.RowSum(i), 1e-6)
		}
	}
	assert.Greater(t, seen, 4)
}

func TestUpdateRow(t *testing.T) {
	out := make([]float64, 2)

	t.Run("noise absorbs a distant node", func(t *testing.T) {
		near := updateRow([]float64{1, 1}, 2, 2, out)
		nearMax := math.Max(out[0], out[1])
		far := updateRow([]float64{100, 100}, 2, 2, out)
		farMax := math.Max(out[0], out[1])

		assert.Greater(t, far, near)
		assert.Greater(t, far, farMax)
		assert.Less(t, near, nearMax)
	})

	t.Run("inverse distance weighting", func(t *testing.T) {
		noise := updateRow([]float64{1, 3}, 0, 2, out)
		assert.Equal(t, 0.0, noise)
		assert.InDelta(t, 0.75, out[0], 1e-12)
		assert.InDelta(t, 0.25, out[1], 1e-12)
	})

	t.Run("exact match takes the row", func(t *testing.T) {
		noise := updateRow([]float64{0, 5}, 1, 2, out)
		assert.Equal(t, 0.0, noise)
		assert.Equal(t, []float64{1, 0}, out)

		updateRow([]float64{0, 0}, 1, 2, out)
		assert.Equal(t, []float64{0.5, 0.5}, out)
	})

	t.Run("small fuzziness does not overflow", func(t *testing.T) {
		noise := updateRow([]float64{1e-6, 1}, 1, 1.01, out)
		assert.False(t, math.IsNaN(out[0]))
		assert.InDelta(t, 1.0, out[0]+out[1]+noise, 1e-9)
	})
}

func TestRun_DegenerateCluster(t *testing.T) {
	d := twoGroups(t, 3, 3)
	empty := [][]float64{{1, 0}, {1, 0}, {1, 0}, {1, 0}, {1, 0}, {1, 0}}

	t.Run("reseeded", func(t *testing.T) {
		cfg := DefaultConfig(2)
		cfg.Initial = empty
		res, err := Run(d, cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Reseeded)
		assert.Equal(t, 2, res.Partition.Clusters())
		require.NotEmpty(t, res.Warnings)
		assert.True(t, eacerrors.IsType(res.Warnings[0], eacerrors.ErrorTypeDegenerateCluster))
		assert.Equal(t, []int{0, 0, 0, 1, 1, 1}, res.Labels)
	})

	t.Run("dropped", func(t *testing.T) {
		cfg := DefaultConfig(2)
		cfg.Initial = empty
		cfg.MaxReseeds = 0
		res, err := Run(d, cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Dropped)
		assert.Equal(t, 1, res.Partition.Clusters())
		for i := 0; i < 6; i++ {
			assert.InDelta(t, 1.0, res.Partition.RowSum(i), 1e-6)
			assert.False(t, math.IsNaN(res.Partition.At(i, 0)))
		}
	})
}

func TestRun_NonConvergenceIsAWarning(t *testing.T) {
	cfg := DefaultConfig(2)
	cfg.MaxIterations = 1
	cfg.Tolerance = 1e-15
	cfg.Seeding = SeedRandom
	res, err := Run(twoGroups(t, 3, 3), cfg, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	require.NotEmpty(t, res.Warnings)
	assert.True(t, eacerrors.IsType(res.Warnings[len(res.Warnings)-1], eacerrors.ErrorTypeNonConvergence))
}

func TestRun_SeededRandomIsReproducible(t *testing.T) {
	d := twoGroups(t, 4, 4)
	cfg := DefaultConfig(3)
	cfg.Seeding = SeedRandom

	a, err := Run(d, cfg, rand.New(rand.NewPCG(7, 3)))
	require.NoError(t, err)
	b, err := Run(d, cfg, rand.New(rand.NewPCG(7, 3)))
	require.NoError(t, err)

	assert.Equal(t, a.Labels, b.Labels)
	assert.Equal(t, a.Iterations, b.Iterations)
	for i := 0; i < 8; i++ {
		assert.Equal(t, a.Partition.Row(i), b.Partition.Row(i))
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	d := twoGroups(t, 2, 1)
	tests := []struct {
		name string
		mod  func(*Config)
		want eacerrors.ErrorType
	}{
		{"zero clusters", func(c *Config) { c.C = 0 }, eacerrors.ErrorTypeInvalidInput},
		{"fuzziness one", func(c *Config) { c.M = 1 }, eacerrors.ErrorTypeInvalidInput},
		{"negative tolerance", func(c *Config) { c.Tolerance = -1 }, eacerrors.ErrorTypeInvalidInput},
		{"unknown seeding", func(c *Config) { c.Seeding = "kmeans++" }, eacerrors.ErrorTypeInvalidInput},
		{"too many clusters", func(c *Config) { c.C = 4 }, eacerrors.ErrorTypeInsufficientNodes},
		{"random without source", func(c *Config) { c.Seeding = SeedRandom }, eacerrors.ErrorTypeInvalidInput},
		{"ragged initial", func(c *Config) { c.Initial = [][]float64{{1}, {1}, {1}} }, eacerrors.ErrorTypeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig(2)
			tt.mod(&cfg)
			_, err := Run(d, cfg, nil)
			require.Error(t, err)
			assert.True(t, eacerrors.IsType(err, tt.want), "got %v", err)
		})
	}
}
