// Package rfcm implements relational fuzzy c-means with a noise cluster over
// a precomputed distance matrix. Clusters have no explicit centroids: the
// distance from a node to a cluster is the membership-weighted average of
// its distances to every node.
package rfcm

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	eacerrors "trafficeac/pkg/errors"
	"trafficeac/pkg/matrix"
)

// Seeding selects how the initial membership matrix is built.
type Seeding string

const (
	SeedMaximin Seeding = "maximin"
	SeedRandom  Seeding = "random"
)

const (
	DefaultFuzziness     = 2.0
	DefaultMaxIterations = 100
	DefaultTolerance     = 1e-3
	DefaultNoiseScale    = 1.0
	DefaultMaxReseeds    = 3

	// cluster weight mass below which a cluster counts as empty
	degenerateMass = 1e-12
	// distances at or below this count as exact matches
	zeroDistance = 1e-12
)

type Config struct {
	// M is the fuzziness exponent, > 1.
	M float64
	// C is the number of clusters.
	C int
	// NoiseScale multiplies the mean node-to-cluster distance to give the
	// noise distance. Values <= 0 disable the noise cluster.
	NoiseScale    float64
	MaxIterations int
	Tolerance     float64
	Seeding       Seeding
	// MaxReseeds bounds how often one cluster is reseeded before it is
	// dropped.
	MaxReseeds int
	// Initial optionally supplies an n x C starting membership matrix in
	// place of seeding. Rows must sum to at most 1; the rest is noise.
	Initial [][]float64
	// OnIteration, when set, observes the partition after seeding
	// (iteration 0) and after every update.
	OnIteration func(iteration int, p *Partition)
}

// DefaultConfig returns the documented defaults for c clusters.
func DefaultConfig(c int) Config {
	return Config{
		M:             DefaultFuzziness,
		C:             c,
		NoiseScale:    DefaultNoiseScale,
		MaxIterations: DefaultMaxIterations,
		Tolerance:     DefaultTolerance,
		Seeding:       SeedMaximin,
		MaxReseeds:    DefaultMaxReseeds,
	}
}

func (c Config) withDefaults() Config {
	if c.M == 0 {
		c.M = DefaultFuzziness
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Tolerance == 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.Seeding == "" {
		c.Seeding = SeedMaximin
	}
	return c
}

func (c Config) validate(n int) error {
	switch {
	case c.C <= 0:
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "cluster count must be positive, got %d", c.C)
	case !(c.M > 1) || math.IsInf(c.M, 0):
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "fuzziness exponent must be > 1, got %v", c.M)
	case c.MaxIterations < 0:
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "max iterations must be positive, got %d", c.MaxIterations)
	case !(c.Tolerance > 0):
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "tolerance must be positive, got %v", c.Tolerance)
	case c.MaxReseeds < 0:
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "max reseeds must be >= 0, got %d", c.MaxReseeds)
	case c.Seeding != SeedMaximin && c.Seeding != SeedRandom:
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "unknown seeding %q", c.Seeding)
	case n < c.C:
		return eacerrors.Newf(eacerrors.ErrorTypeInsufficientNodes, "%d nodes cannot form %d clusters", n, c.C)
	}
	if c.Initial != nil {
		if len(c.Initial) != n {
			return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "initial partition has %d rows, want %d", len(c.Initial), n)
		}
		for i, row := range c.Initial {
			if len(row) != c.C {
				return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "initial row %d has %d entries, want %d", i, len(row), c.C)
			}
			sum := 0.0
			for _, v := range row {
				if v < 0 || math.IsNaN(v) {
					return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "initial row %d has invalid membership %v", i, v)
				}
				sum += v
			}
			if sum > 1+1e-9 {
				return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "initial row %d sums to %v", i, sum)
			}
		}
	}
	return nil
}

// Result is the outcome of one clustering run.
type Result struct {
	Partition *Partition
	// Labels holds the hard cluster per node, or NoiseLabel. Cluster 0 is
	// the largest.
	Labels     []int
	Converged  bool
	Iterations int
	// Warnings carries recoverable conditions: DegenerateCluster and
	// NonConvergence.
	Warnings []error
	// Reseeded and Dropped count degenerate-cluster recoveries.
	Reseeded int
	Dropped  int
}

// Run clusters the nodes of d. rng is only consulted for random seeding.
func Run(d *matrix.Distance, cfg Config, rng *rand.Rand) (*Result, error) {
	cfg = cfg.withDefaults()
	n := d.Len()
	if err := cfg.validate(n); err != nil {
		return nil, err
	}
	r := &run{cfg: cfg, d: d, n: n}
	return r.solve(rng)
}

type run struct {
	cfg Config
	d   *matrix.Distance
	n   int

	reseeds []int
	result  Result
}

func (r *run) solve(rng *rand.Rand) (*Result, error) {
	var p *Partition
	switch {
	case r.cfg.Initial != nil:
		p = fromInitial(r.cfg.Initial)
	case r.cfg.Seeding == SeedRandom:
		if rng == nil {
			return nil, eacerrors.New(eacerrors.ErrorTypeInvalidInput, "random seeding needs a random source")
		}
		p = randomSeed(r.n, r.cfg.C, rng)
	default:
		p = r.maximinSeed()
	}
	r.reseeds = make([]int, p.Clusters())
	r.observe(0, p)

	for iter := 1; iter <= r.cfg.MaxIterations; iter++ {
		next, dropped := r.step(p)
		delta := math.Inf(1)
		if !dropped {
			delta = maxChange(p, next)
		}
		p = next
		r.result.Iterations = iter
		r.observe(iter, p)
		if delta < r.cfg.Tolerance {
			r.result.Converged = true
			break
		}
	}

	if !r.result.Converged {
		r.result.Warnings = append(r.result.Warnings, eacerrors.Newf(eacerrors.ErrorTypeNonConvergence,
			"no convergence within %d iterations", r.cfg.MaxIterations))
	}
	r.result.Labels = p.canonicalize()
	r.result.Partition = p
	return &r.result, nil
}

func (r *run) observe(iter int, p *Partition) {
	if r.cfg.OnIteration != nil {
		r.cfg.OnIteration(iter, p.Clone())
	}
}

// step performs one relational update. It reports whether a cluster was
// dropped, in which case the result is not comparable with p.
func (r *run) step(p *Partition) (*Partition, bool) {
	n := r.n
	_, c := p.u.Dims()

	w := mat.NewDense(n, c, nil)
	w.Apply(func(_, _ int, v float64) float64 { return math.Pow(v, r.cfg.M) }, p.u)
	mass := make([]float64, c)
	for k := 0; k < c; k++ {
		mass[k] = mat.Sum(w.ColView(k))
	}

	var (
		reseedAt = map[int]int{}
		drop     []int
	)
	for k := 0; k < c; k++ {
		if mass[k] >= degenerateMass {
			continue
		}
		if r.reseeds[k] >= r.cfg.MaxReseeds && c-len(drop) > 1 {
			drop = append(drop, k)
			continue
		}
		node := r.farthestFromPrototypes(p, mass, reseedAt)
		reseedAt[k] = node
		r.reseeds[k]++
		r.result.Reseeded++
		r.result.Warnings = append(r.result.Warnings, eacerrors.Newf(eacerrors.ErrorTypeDegenerateCluster,
			"cluster %d lost all membership; reseeded on node %s", k, r.d.ID(node)))
	}

	dist := mat.NewDense(n, c, nil)
	dist.Mul(r.d.Symmetric(), w)
	for k := 0; k < c; k++ {
		if node, ok := reseedAt[k]; ok {
			for i := 0; i < n; i++ {
				dist.Set(i, k, r.d.At(i, node))
			}
			continue
		}
		if mass[k] < degenerateMass {
			continue
		}
		for i := 0; i < n; i++ {
			dist.Set(i, k, dist.At(i, k)/mass[k])
		}
	}

	keep := make([]int, 0, c)
	for k := 0; k < c; k++ {
		if !contains(drop, k) {
			keep = append(keep, k)
		}
	}
	for _, k := range drop {
		r.result.Dropped++
		r.result.Warnings = append(r.result.Warnings, eacerrors.Newf(eacerrors.ErrorTypeDegenerateCluster,
			"cluster %d lost all membership after %d reseeds; dropped", k, r.reseeds[k]))
	}
	if len(drop) > 0 {
		reseeds := make([]int, 0, len(keep))
		for _, k := range keep {
			reseeds = append(reseeds, r.reseeds[k])
		}
		r.reseeds = reseeds
	}

	next := r.membership(func(i int, row []float64) {
		for idx, k := range keep {
			row[idx] = dist.At(i, k)
		}
	}, len(keep))
	return next, len(drop) > 0
}

// membership builds a partition from node-to-cluster distances supplied
// row by row.
func (r *run) membership(fill func(i int, row []float64), c int) *Partition {
	n := r.n
	rows := make([][]float64, n)
	total, count := 0.0, 0
	for i := 0; i < n; i++ {
		rows[i] = make([]float64, c)
		fill(i, rows[i])
		for _, v := range rows[i] {
			total += v
			count++
		}
	}

	noiseDist := 0.0
	if r.cfg.NoiseScale > 0 && count > 0 {
		noiseDist = r.cfg.NoiseScale * total / float64(count)
	}

	p := newPartition(n, c)
	u := make([]float64, c)
	for i := 0; i < n; i++ {
		p.noise[i] = updateRow(rows[i], noiseDist, r.cfg.M, u)
		p.u.SetRow(i, u)
	}
	return p
}

// updateRow writes the memberships for one node given its distances to
// every cluster and returns the noise share. A noiseDist of 0 disables the
// noise term. Exact matches take the whole row, split evenly.
func updateRow(dist []float64, noiseDist, m float64, out []float64) float64 {
	zeros := 0
	for _, v := range dist {
		if v <= zeroDistance {
			zeros++
		}
	}
	if zeros > 0 {
		for k, v := range dist {
			out[k] = 0
			if v <= zeroDistance {
				out[k] = 1 / float64(zeros)
			}
		}
		return 0
	}

	// scale by the smallest distance so every ratio stays in (0, 1]
	exp := 1 / (m - 1)
	lo := dist[0]
	for _, v := range dist[1:] {
		lo = math.Min(lo, v)
	}
	useNoise := noiseDist > 0
	if useNoise {
		lo = math.Min(lo, noiseDist)
	}

	sum := 0.0
	for k, v := range dist {
		out[k] = math.Pow(lo/v, exp)
		sum += out[k]
	}
	noise := 0.0
	if useNoise {
		noise = math.Pow(lo/noiseDist, exp)
		sum += noise
	}
	for k := range out {
		out[k] /= sum
	}
	return noise / sum
}

func (r *run) maximinSeed() *Partition {
	protos := r.maximinPrototypes(r.cfg.C)
	return r.membership(func(i int, row []float64) {
		for k, node := range protos {
			row[k] = r.d.At(i, node)
		}
	}, len(protos))
}

// maximinPrototypes picks the medoid first and then, c-1 times, the node
// whose distance to its nearest chosen prototype is largest. Ties go to
// the lowest index.
func (r *run) maximinPrototypes(c int) []int {
	n := r.n
	medoid, best := 0, math.Inf(1)
	for i := 0; i < n; i++ {
		if s := floats.Sum(r.d.Row(i, nil)); s < best {
			medoid, best = i, s
		}
	}

	protos := []int{medoid}
	chosen := make([]bool, n)
	chosen[medoid] = true
	nearest := r.d.Row(medoid, nil)
	for len(protos) < c {
		next, far := -1, -1.0
		for i := 0; i < n; i++ {
			if !chosen[i] && nearest[i] > far {
				next, far = i, nearest[i]
			}
		}
		protos = append(protos, next)
		chosen[next] = true
		for i := 0; i < n; i++ {
			nearest[i] = math.Min(nearest[i], r.d.At(i, next))
		}
	}
	return protos
}

// farthestFromPrototypes returns the node maximising its distance to the
// nearest prototype of every healthy cluster and of earlier reseeds.
func (r *run) farthestFromPrototypes(p *Partition, mass []float64, reseeded map[int]int) int {
	n := r.n
	var protos []int
	for k := range mass {
		if mass[k] < degenerateMass {
			continue
		}
		best, bestI := -1.0, 0
		for i := 0; i < n; i++ {
			if v := p.u.At(i, k); v > best {
				best, bestI = v, i
			}
		}
		protos = append(protos, bestI)
	}
	for _, node := range reseeded {
		protos = append(protos, node)
	}
	if len(protos) == 0 {
		return r.maximinPrototypes(1)[0]
	}

	node, far := 0, -1.0
	for i := 0; i < n; i++ {
		nearest := math.Inf(1)
		for _, q := range protos {
			nearest = math.Min(nearest, r.d.At(i, q))
		}
		if nearest > far {
			node, far = i, nearest
		}
	}
	return node
}

func fromInitial(rows [][]float64) *Partition {
	p := newPartition(len(rows), len(rows[0]))
	for i, row := range rows {
		p.u.SetRow(i, row)
		p.noise[i] = math.Max(0, 1-floats.Sum(row))
	}
	return p
}

// randomSeed draws each row uniformly from the probability simplex.
func randomSeed(n, c int, rng *rand.Rand) *Partition {
	p := newPartition(n, c)
	row := make([]float64, c)
	for i := 0; i < n; i++ {
		sum := 0.0
		for k := range row {
			row[k] = rng.ExpFloat64()
			sum += row[k]
		}
		for k := range row {
			row[k] /= sum
		}
		p.u.SetRow(i, row)
	}
	return p
}

func maxChange(a, b *Partition) float64 {
	n, c := a.u.Dims()
	delta := 0.0
	for i := 0; i < n; i++ {
		for k := 0; k < c; k++ {
			delta = math.Max(delta, math.Abs(a.u.At(i, k)-b.u.At(i, k)))
		}
		delta = math.Max(delta, math.Abs(a.noise[i]-b.noise[i]))
	}
	return delta
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
