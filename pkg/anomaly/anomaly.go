// Package anomaly flags consensus clusters that are small relative to the
// population. The rule is structural: only cluster cardinality counts.
package anomaly

import (
	"math"
	"sort"

	"trafficeac/pkg/consensus"
	eacerrors "trafficeac/pkg/errors"
)

type Category string

const (
	CategoryNormal    Category = "normal"
	CategoryAnomalous Category = "anomalous"
	// CategoryNoEvidence marks input nodes that no ensemble run covered.
	CategoryNoEvidence Category = "no_evidence"
)

const DefaultThreshold = 0.2

// sizes within this of the boundary count as at-threshold (normal)
const boundaryTolerance = 1e-9

type Label struct {
	Node string
	// Cluster is the consensus cluster, or -1 without evidence.
	Cluster     int
	ClusterSize int
	Category    Category
}

func (l Label) Anomalous() bool { return l.Category == CategoryAnomalous }

type Summary struct {
	Normal     int
	Anomalous  int
	NoEvidence int
	// AnomalousClusters lists flagged consensus cluster ids in order.
	AnomalousClusters []int
}

type Labeler struct {
	threshold float64
}

// New returns a labeler that flags clusters holding fewer than threshold of
// all clustered nodes. threshold must be in (0, 1].
func New(threshold float64) (*Labeler, error) {
	if !(threshold > 0 && threshold <= 1) {
		return nil, eacerrors.Newf(eacerrors.ErrorTypeConfig, "anomaly size threshold %v outside (0, 1]", threshold)
	}
	return &Labeler{threshold: threshold}, nil
}

func (l *Labeler) Threshold() float64 { return l.threshold }

// IsAnomalous applies the size rule: size < threshold * total, strictly.
func (l *Labeler) IsAnomalous(size, total int) bool {
	if total <= 0 {
		return false
	}
	return float64(size) < l.threshold*float64(total)-boundaryTolerance
}

// Label classifies every node of p together with any extra input nodes.
// Nodes missing from p are reported as CategoryNoEvidence. The result is
// sorted by node.
func (l *Labeler) Label(p *consensus.Partition, nodes []string) ([]Label, Summary) {
	total := len(p.IDs)
	flagged := make([]bool, len(p.Clusters))
	var sum Summary
	for c, members := range p.Clusters {
		if l.IsAnomalous(len(members), total) {
			flagged[c] = true
			sum.AnomalousClusters = append(sum.AnomalousClusters, c)
		}
	}

	out := make([]Label, 0, total+len(nodes))
	seen := make(map[string]bool, total)
	for i, id := range p.IDs {
		c := p.Labels[i]
		cat := CategoryNormal
		if flagged[c] {
			cat = CategoryAnomalous
			sum.Anomalous++
		} else {
			sum.Normal++
		}
		out = append(out, Label{Node: id, Cluster: c, ClusterSize: len(p.Clusters[c]), Category: cat})
		seen[id] = true
	}
	for _, id := range nodes {
		if seen[id] {
			continue
		}
		seen[id] = true
		sum.NoEvidence++
		out = append(out, Label{Node: id, Cluster: -1, Category: CategoryNoEvidence})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Node < out[b].Node })
	return out, sum
}

// MinNormalSize returns the smallest cluster size labelled normal for a
// population of total nodes.
func (l *Labeler) MinNormalSize(total int) int {
	return int(math.Ceil(l.threshold*float64(total) - boundaryTolerance))
}
