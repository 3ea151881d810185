package anomaly

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficeac/pkg/consensus"
	eacerrors "trafficeac/pkg/errors"
)

type groups [][]string

func (g groups) ids() []string {
	var out []string
	for _, members := range g {
		out = append(out, members...)
	}
	return out
}

func (g groups) Len() int      { return len(g.ids()) }
func (g groups) IDs() []string { return g.ids() }
func (g groups) At(i, j int) float64 {
	ids := g.ids()
	for _, members := range g {
		in := func(id string) bool {
			for _, m := range members {
				if m == id {
					return true
				}
			}
			return false
		}
		if in(ids[i]) && in(ids[j]) {
			return 1
		}
	}
	return 0
}

func partition(t *testing.T, sizes ...int) *consensus.Partition {
	t.Helper()
	var g groups
	n := 0
	for c, size := range sizes {
		var members []string
		for i := 0; i < size; i++ {
			members = append(members, fmt.Sprintf("n%02d-c%d", n, c))
			n++
		}
		g = append(g, members)
	}
	p, err := consensus.Cluster(g, consensus.DefaultConfig())
	require.NoError(t, err)
	require.Len(t, p.Clusters, len(sizes))
	return p
}

func TestIsAnomalous_Boundary(t *testing.T) {
	l, err := New(0.2)
	require.NoError(t, err)

	tests := []struct {
		size, total int
		want        bool
	}{
		{1, 10, true},
		{2, 10, false}, // exactly at threshold
		{3, 10, false},
		{1, 9, true},
		{2, 9, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.IsAnomalous(tt.size, tt.total), "size=%d total=%d", tt.size, tt.total)
	}
	assert.Equal(t, 2, l.MinNormalSize(10))
	assert.Equal(t, 2, l.MinNormalSize(9))
}

func TestLabel_FlagsSmallClustersAndMissingNodes(t *testing.T) {
	l, err := New(0.2)
	require.NoError(t, err)
	p := partition(t, 7, 2, 1)

	labels, sum := l.Label(p, append(p.IDs, "ghost"))
	require.Len(t, labels, 11)

	byNode := map[string]Label{}
	for _, lb := range labels {
		byNode[lb.Node] = lb
	}
	assert.Equal(t, CategoryNoEvidence, byNode["ghost"].Category)
	assert.Equal(t, -1, byNode["ghost"].Cluster)
	assert.Equal(t, CategoryNormal, byNode["n00-c0"].Category)
	assert.Equal(t, CategoryNormal, byNode["n07-c1"].Category, "size 2 of 10 sits on the boundary")
	assert.True(t, byNode["n09-c2"].Anomalous())
	assert.Equal(t, 1, byNode["n09-c2"].ClusterSize)

	assert.Equal(t, Summary{Normal: 9, Anomalous: 1, NoEvidence: 1, AnomalousClusters: []int{2}}, sum)
	for i := 1; i < len(labels); i++ {
		assert.Less(t, labels[i-1].Node, labels[i].Node)
	}
}

func TestNew_RejectsThreshold(t *testing.T) {
	for _, th := range []float64{0, -0.1, 1.5} {
		_, err := New(th)
		assert.True(t, eacerrors.IsType(err, eacerrors.ErrorTypeConfig), "threshold %v", th)
	}
	_, err := New(1)
	assert.NoError(t, err)
}
