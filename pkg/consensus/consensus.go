// Package consensus turns a co-association matrix into a crisp partition by
// agglomerative clustering over 1 - C and cutting the dendrogram.
package consensus

import (
	"math"
	"sort"

	eacerrors "trafficeac/pkg/errors"
)

type Linkage string

const (
	LinkageAverage  Linkage = "average"
	LinkageSingle   Linkage = "single"
	LinkageComplete Linkage = "complete"
	LinkageWeighted Linkage = "weighted"
)

type CutRule string

const (
	// CutThreshold applies every merge at height <= Threshold.
	CutThreshold CutRule = "threshold"
	// CutMaxClusters merges until MaxClusters clusters remain.
	CutMaxClusters CutRule = "max_clusters"
	// CutLifetime cuts inside the largest gap between merge heights.
	CutLifetime CutRule = "lifetime"
)

const DefaultThreshold = 0.5

// Similarity is a symmetric association matrix with entries in [0, 1].
type Similarity interface {
	Len() int
	IDs() []string
	At(i, j int) float64
}

type Config struct {
	Linkage     Linkage
	Cut         CutRule
	Threshold   float64
	MaxClusters int
}

func DefaultConfig() Config {
	return Config{Linkage: LinkageAverage, Cut: CutThreshold, Threshold: DefaultThreshold}
}

func (c Config) Validate() error {
	switch c.Linkage {
	case LinkageAverage, LinkageSingle, LinkageComplete, LinkageWeighted:
	default:
		return eacerrors.Newf(eacerrors.ErrorTypeConfig, "unknown linkage %q", c.Linkage)
	}
	switch c.Cut {
	case CutThreshold:
		if c.Threshold < 0 || c.Threshold > 1 || math.IsNaN(c.Threshold) {
			return eacerrors.Newf(eacerrors.ErrorTypeConfig, "cut threshold %v outside [0, 1]", c.Threshold)
		}
	case CutMaxClusters:
		if c.MaxClusters < 1 {
			return eacerrors.Newf(eacerrors.ErrorTypeConfig, "max clusters must be >= 1, got %d", c.MaxClusters)
		}
	case CutLifetime:
	default:
		return eacerrors.Newf(eacerrors.ErrorTypeConfig, "unknown cut rule %q", c.Cut)
	}
	return nil
}

// Merge is one dendrogram step. Leaves are numbered 0..n-1 and the cluster
// formed by merge s is numbered n+s.
type Merge struct {
	A, B   int
	Height float64
	Size   int
}

// Partition is the consensus result. Cluster 0 is the largest; ties are
// ordered by the first member in matrix order, which for a co-association
// matrix is the smallest identifier.
type Partition struct {
	IDs []string
	// Labels holds the cluster of IDs[i].
	Labels []int
	// Clusters lists the sorted members of each cluster.
	Clusters   [][]string
	Dendrogram []Merge

	index map[string]int
}

// ClusterOf returns the cluster of id, or -1.
func (p *Partition) ClusterOf(id string) int {
	if i, ok := p.index[id]; ok {
		return p.Labels[i]
	}
	return -1
}

// Cluster builds the dendrogram over 1 - s and cuts it. The result depends
// only on s and cfg.
func Cluster(s Similarity, cfg Config) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ids := s.IDs()
	n := len(ids)
	merges := Dendrogram(s, cfg.Linkage)

	var applied int
	switch cfg.Cut {
	case CutThreshold:
		for applied < len(merges) && merges[applied].Height <= cfg.Threshold {
			applied++
		}
	case CutMaxClusters:
		applied = n - cfg.MaxClusters
		if applied < 0 {
			applied = 0
		}
	case CutLifetime:
		applied = lifetimeCut(merges)
	}

	labels := cut(n, merges[:applied])
	p := &Partition{IDs: ids, Labels: labels, Dendrogram: merges, index: make(map[string]int, n)}
	p.Clusters = make([][]string, 0)
	for i, l := range labels {
		p.index[ids[i]] = i
		for len(p.Clusters) <= l {
			p.Clusters = append(p.Clusters, nil)
		}
		p.Clusters[l] = append(p.Clusters[l], ids[i])
	}
	for _, members := range p.Clusters {
		sort.Strings(members)
	}
	return p, nil
}

// Dendrogram runs agglomerative clustering with Lance-Williams updates over
// 1 - s. The closest pair is merged first; ties go to the lowest indices.
func Dendrogram(s Similarity, linkage Linkage) []Merge {
	n := s.Len()
	if n < 2 {
		return nil
	}
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
		for j := range dist[i] {
			if i != j {
				dist[i][j] = 1 - s.At(i, j)
			}
		}
	}
	active := make([]bool, n)
	size := make([]int, n)
	label := make([]int, n) // dendrogram id of the cluster held in slot i
	for i := range active {
		active[i], size[i], label[i] = true, 1, i
	}

	merges := make([]Merge, 0, n-1)
	for step := 0; step < n-1; step++ {
		bi, bj, best := -1, -1, math.Inf(1)
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if active[j] && dist[i][j] < best {
					bi, bj, best = i, j, dist[i][j]
				}
			}
		}

		a, b := label[bi], label[bj]
		if a > b {
			a, b = b, a
		}
		merges = append(merges, Merge{A: a, B: b, Height: best, Size: size[bi] + size[bj]})

		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			d := lanceWilliams(linkage, dist[k][bi], dist[k][bj], size[bi], size[bj])
			dist[k][bi], dist[bi][k] = d, d
		}
		active[bj] = false
		size[bi] += size[bj]
		label[bi] = n + step
	}
	return merges
}

func lanceWilliams(linkage Linkage, dki, dkj float64, ni, nj int) float64 {
	switch linkage {
	case LinkageSingle:
		return math.Min(dki, dkj)
	case LinkageComplete:
		return math.Max(dki, dkj)
	case LinkageWeighted:
		return (dki + dkj) / 2
	default:
		return (float64(ni)*dki + float64(nj)*dkj) / float64(ni+nj)
	}
}

// lifetimeCut returns how many merges to apply so the cut falls in the
// widest gap between successive heights. The gap above the last merge
// runs to 1, the largest possible distance. Ties prefer fewer clusters.
func lifetimeCut(merges []Merge) int {
	if len(merges) == 0 {
		return 0
	}
	best, bestGap := 0, -1.0
	prev := 0.0
	for m := 0; m <= len(merges); m++ {
		next := 1.0
		if m < len(merges) {
			next = merges[m].Height
		}
		if gap := next - prev; gap >= bestGap {
			best, bestGap = m, gap
		}
		if m < len(merges) {
			prev = merges[m].Height
		}
	}
	return best
}

// cut applies merges with union-find and numbers the resulting clusters by
// descending size, ties by first member index.
func cut(n int, merges []Merge) []int {
	parent := make([]int, n+len(merges))
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for s, m := range merges {
		id := n + s
		parent[find(m.A)] = id
		parent[find(m.B)] = id
	}

	roots := map[int][]int{}
	for i := 0; i < n; i++ {
		r := find(i)
		roots[r] = append(roots[r], i)
	}
	groups := make([][]int, 0, len(roots))
	for _, members := range roots {
		groups = append(groups, members)
	}
	sort.Slice(groups, func(a, b int) bool {
		if len(groups[a]) != len(groups[b]) {
			return len(groups[a]) > len(groups[b])
		}
		return groups[a][0] < groups[b][0]
	})

	labels := make([]int, n)
	for l, members := range groups {
		for _, i := range members {
			labels[i] = l
		}
	}
	return labels
}
