// Package profile holds per-node behaviour time series and derives the
// aggregated views the ensemble clusters over.
package profile

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"

	eacerrors "trafficeac/pkg/errors"
)

// Vector is one time window's feature values.
type Vector []float64

// NodeProfile is an immutable ordered series of feature vectors for one
// node (a host address or an aggregated group key).
type NodeProfile struct {
	id      string
	windows []Vector
}

// NewNodeProfile copies windows and checks every vector has dim finite
// entries.
func NewNodeProfile(id string, windows []Vector, dim int) (NodeProfile, error) {
	if id == "" {
		return NodeProfile{}, eacerrors.New(eacerrors.ErrorTypeInvalidInput, "node id is empty")
	}
	if len(windows) == 0 {
		return NodeProfile{}, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "node %s has no windows", id)
	}
	cp := make([]Vector, len(windows))
	for i, w := range windows {
		if len(w) != dim {
			return NodeProfile{}, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput,
				"node %s window %d has %d features, want %d", id, i, len(w), dim)
		}
		for c, v := range w {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return NodeProfile{}, eacerrors.Newf(eacerrors.ErrorTypeInvalidInput,
					"node %s window %d feature %d is not finite: %v", id, i, c, v)
			}
		}
		cp[i] = append(Vector(nil), w...)
	}
	return NodeProfile{id: id, windows: cp}, nil
}

func (p NodeProfile) ID() string { return p.id }

func (p NodeProfile) Len() int { return len(p.windows) }

// Window returns window i. Callers must not modify it.
func (p NodeProfile) Window(i int) Vector { return p.windows[i] }

// Series returns the windows. Callers must not modify them.
func (p NodeProfile) Series() []Vector { return p.windows }

// Digest is an xxhash of the series values, window by window. Profiles
// with equal series have equal digests regardless of id.
func (p NodeProfile) Digest() uint64 {
	h := xxhash.New()
	buf := make([]byte, 0, 8*(len(p.windows)+1))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(p.windows)))
	for _, w := range p.windows {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(w)))
		for _, v := range w {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		_, _ = h.Write(buf)
		buf = buf[:0]
	}
	_, _ = h.Write(buf)
	return h.Sum64()
}

// Dataset is the input contract: node id -> series under one schema.
type Dataset struct {
	schema   Schema
	profiles map[string]NodeProfile
	ids      []string
}

// NewDataset validates series against schema and indexes them by id.
func NewDataset(schema Schema, series map[string][]Vector) (*Dataset, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, eacerrors.New(eacerrors.ErrorTypeInvalidInput, "dataset has no nodes")
	}
	ds := &Dataset{
		schema:   schema,
		profiles: make(map[string]NodeProfile, len(series)),
		ids:      make([]string, 0, len(series)),
	}
	for id, windows := range series {
		p, err := NewNodeProfile(id, windows, schema.Dim())
		if err != nil {
			return nil, err
		}
		ds.profiles[id] = p
		ds.ids = append(ds.ids, id)
	}
	sort.Strings(ds.ids)
	return ds, nil
}

func (d *Dataset) Schema() Schema { return d.schema }

// IDs returns node ids in sorted order.
func (d *Dataset) IDs() []string { return append([]string(nil), d.ids...) }

func (d *Dataset) Len() int { return len(d.ids) }

func (d *Dataset) Profile(id string) (NodeProfile, bool) {
	p, ok := d.profiles[id]
	return p, ok
}

// Profiles returns profiles ordered by id.
func (d *Dataset) Profiles() []NodeProfile {
	out := make([]NodeProfile, len(d.ids))
	for i, id := range d.ids {
		out[i] = d.profiles[id]
	}
	return out
}
