package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eacerrors "trafficeac/pkg/errors"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.EnsembleViews, 4)
	assert.Equal(t, uint64(10), cfg.Seed)
	assert.Equal(t, "zscore", cfg.Scaling)
}

func TestParse_OverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
cluster_count: 3
dtw_band_width: 4
cache_ttl: 15m
ensemble_views:
  - name: host
  - name: pair
    prefix_bits: 24
    features: [bytes, flows]
dendrogram_cut_rule: max_clusters
cut_max_clusters: 5
`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ClusterCount)
	assert.Equal(t, 4, cfg.DTWBandWidth)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	require.Len(t, cfg.EnsembleViews, 2)
	assert.Equal(t, []string{"bytes", "flows"}, cfg.EnsembleViews[1].Features)
	assert.Equal(t, 2.0, cfg.FuzzinessExponent, "unset keys keep defaults")

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), *empty)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("clusters: 3\n"))
	require.Error(t, err)
	assert.True(t, eacerrors.IsType(err, eacerrors.ErrorTypeConfig))
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"EAC_CLUSTER_COUNT":          "4",
		"EAC_FUZZINESS_EXPONENT":     "1.5",
		"EAC_DTW_NORMALIZE":          "true",
		"EAC_SEED":                   "99",
		"EAC_CACHE":                  "redis",
		"EAC_REDIS_ADDR":             "localhost:6379",
		"EAC_ANOMALY_SIZE_THRESHOLD": "0.1",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, 4, cfg.ClusterCount)
	assert.Equal(t, 1.5, cfg.FuzzinessExponent)
	assert.True(t, cfg.DTWNormalize)
	assert.Equal(t, uint64(99), cfg.Seed)
	assert.Equal(t, "redis", cfg.Cache)
	assert.Equal(t, 0.1, cfg.AnomalySizeThreshold)
	assert.NoError(t, cfg.Validate())

	env = map[string]string{"EAC_CLUSTER_COUNT": "many", "EAC_CUT_THRESHOLD": "half"}
	cfg = Default()
	err := cfg.ApplyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EAC_CLUSTER_COUNT")
	assert.Contains(t, err.Error(), "EAC_CUT_THRESHOLD")
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eac.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster_count: 3\nlinkage_method: complete\n"), 0o600))
	t.Setenv("EAC_CLUSTER_COUNT", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.ClusterCount, "environment wins over file")
	assert.Equal(t, "complete", cfg.LinkageMethod)

	t.Setenv("EAC_CONFIG", path)
	cfg, err = LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "complete", cfg.LinkageMethod)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, eacerrors.IsType(err, eacerrors.ErrorTypeConfig))
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.FuzzinessExponent = 1
	cfg.ClusterCount = 0
	cfg.EnsembleViews = append(cfg.EnsembleViews, View{Name: "host", PrefixBits: 40})
	cfg.LinkageMethod = "ward"
	cfg.DendrogramCutRule = "min_cluster_size"
	cfg.AnomalySizeThreshold = 0
	cfg.Cache = "redis"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, eacerrors.IsType(err, eacerrors.ErrorTypeConfig))
	for _, want := range []string{
		"fuzziness_exponent", "cluster_count", "duplicates name", "prefix_bits 40",
		"linkage_method", "dendrogram_cut_rule", "anomaly_size_threshold", "redis_addr",
	} {
		assert.Contains(t, err.Error(), want)
	}
}
