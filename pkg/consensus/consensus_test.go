package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eacerrors "trafficeac/pkg/errors"
)

type dense struct {
	ids  []string
	rows [][]float64
}

func (d dense) Len() int { return len(d.ids) }
func (d dense) IDs() []string { return d.ids }
func (d dense) At(i, j int) float64 { return d.rows[i][j] }

// blocks: {a,b,c} always together, {d,e} mostly together, f alone.
func blocks() dense {
	return dense{
		ids: []string{"a", "b", "c", "d", "e", "f"},
		rows: [][]float64{
			{1, 1, 1, 0, 0, 0},
			{1, 1, 0.9, 0, 0, 0},
			{1, 0.9, 1, 0.1, 0, 0},
			{0, 0, 0.1, 1, 0.8, 0.2},
			{0, 0, 0, 0.8, 1, 0},
			{0, 0, 0, 0.2, 0, 1},
		},
	}
}

func TestCluster_Threshold(t *testing.T) {
	p, err := Cluster(blocks(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e"}, {"f"}}, p.Clusters)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 2}, p.Labels)
	assert.Equal(t, 2, p.ClusterOf("f"))
	assert.Equal(t, -1, p.ClusterOf("zz"))
}

func TestCluster_ThresholdIsInclusive(t *testing.T) {
	pair := dense{ids: []string{"x", "y"}, rows: [][]float64{{1, 0.5}, {0.5, 1}}}
	p, err := Cluster(pair, Config{Linkage: LinkageAverage, Cut: CutThreshold, Threshold: 0.5})
	require.NoError(t, err)
	assert.Len(t, p.Clusters, 1)

	p, err = Cluster(pair, Config{Linkage: LinkageAverage, Cut: CutThreshold, Threshold: 0.49})
	require.NoError(t, err)
	assert.Len(t, p.Clusters, 2)
}

func TestCluster_MaxClusters(t *testing.T) {
	for k, want := range map[int]int{1: 1, 2: 2, 4: 4, 10: 6} {
		p, err := Cluster(blocks(), Config{Linkage: LinkageAverage, Cut: CutMaxClusters, MaxClusters: k})
		require.NoError(t, err)
		assert.Len(t, p.Clusters, want, "k=%d", k)
	}
	p, err := Cluster(blocks(), Config{Linkage: LinkageAverage, Cut: CutMaxClusters, MaxClusters: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, p.Clusters[0])
}

func TestCluster_Lifetime(t *testing.T) {
	p, err := Cluster(blocks(), Config{Linkage: LinkageAverage, Cut: CutLifetime})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d", "e"}, {"f"}}, p.Clusters)

	same := dense{ids: []string{"a", "b", "c"}, rows: [][]float64{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}}
	p, err = Cluster(same, Config{Linkage: LinkageAverage, Cut: CutLifetime})
	require.NoError(t, err)
	assert.Len(t, p.Clusters, 1)
}

func TestDendrogram_Linkages(t *testing.T) {
	// distances: ab=0.1, ac=0.4, bc=0.6
	s := dense{ids: []string{"a", "b", "c"}, rows: [][]float64{{1, 0.9, 0.6}, {0.9, 1, 0.4}, {0.6, 0.4, 1}}}
	tests := []struct {
		linkage Linkage
		height  float64
	}{
		{LinkageSingle, 0.4},
		{LinkageComplete, 0.6},
		{LinkageAverage, 0.5},
		{LinkageWeighted, 0.5},
	}
	for _, tt := range tests {
		t.Run(string(tt.linkage), func(t *testing.T) {
			m := Dendrogram(s, tt.linkage)
			require.Len(t, m, 2)
			assert.Equal(t, Merge{A: 0, B: 1, Height: 1 - 0.9, Size: 2}, m[0])
			assert.Equal(t, 2, m[1].A)
			assert.Equal(t, 3, m[1].B)
			assert.InDelta(t, tt.height, m[1].Height, 1e-12)
			assert.Equal(t, 3, m[1].Size)
		})
	}
}

func TestCluster_Deterministic(t *testing.T) {
	tie := dense{
		ids:  []string{"a", "b", "c", "d"},
		rows: [][]float64{{1, 0.5, 0.5, 0.5}, {0.5, 1, 0.5, 0.5}, {0.5, 0.5, 1, 0.5}, {0.5, 0.5, 0.5, 1}},
	}
	first, err := Cluster(tie, Config{Linkage: LinkageAverage, Cut: CutMaxClusters, MaxClusters: 2})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Cluster(tie, Config{Linkage: LinkageAverage, Cut: CutMaxClusters, MaxClusters: 2})
		require.NoError(t, err)
		assert.Equal(t, first.Labels, again.Labels)
		assert.Equal(t, first.Dendrogram, again.Dendrogram)
	}
	assert.Equal(t, [][]string{{"a", "b", "c"}, {"d"}}, first.Clusters)
}

func TestCluster_SmallInputs(t *testing.T) {
	p, err := Cluster(dense{}, DefaultConfig())
	require.NoError(t, err)
	assert.Empty(t, p.Clusters)

	p, err = Cluster(dense{ids: []string{"solo"}, rows: [][]float64{{1}}}, Config{Cut: CutLifetime, Linkage: LinkageSingle})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"solo"}}, p.Clusters)
}

func TestConfig_Validate(t *testing.T) {
	tests := []Config{
		{Linkage: "ward", Cut: CutThreshold},
		{Linkage: LinkageAverage, Cut: CutThreshold, Threshold: 1.5},
		{Linkage: LinkageAverage, Cut: CutMaxClusters},
		{Linkage: LinkageAverage, Cut: "min_cluster_size"},
	}
	for _, cfg := range tests {
		err := cfg.Validate()
		require.Error(t, err)
		assert.True(t, eacerrors.IsType(err, eacerrors.ErrorTypeConfig))
	}
}
