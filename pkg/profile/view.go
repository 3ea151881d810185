package profile

import (
	"fmt"
	"net/netip"
	"sort"

	eacerrors "trafficeac/pkg/errors"
)

// View is one aggregation granularity of the traffic. Nodes whose ids are
// IP addresses are grouped by network prefix; a zero or full-length prefix
// keeps host identity.
type View struct {
	Name string `yaml:"name"`
	// PrefixBits groups IPv4 nodes by /PrefixBits. 0 or 32 keeps hosts.
	PrefixBits int `yaml:"prefix_bits"`
	// PrefixBits6 groups IPv6 nodes by /PrefixBits6. 0 or 128 keeps hosts.
	PrefixBits6 int `yaml:"prefix_bits6"`
	// Features restricts the clustered columns; empty means all.
	Features []string `yaml:"features,omitempty"`
}

// HostLevel reports whether the view keeps node identity unchanged.
func (v View) HostLevel() bool {
	return (v.PrefixBits == 0 || v.PrefixBits == 32) && (v.PrefixBits6 == 0 || v.PrefixBits6 == 128)
}

// Identity is the cache namespace of the view: name, prefixes and columns.
func (v View) Identity() string {
	return fmt.Sprintf("%s|v4=%d|v6=%d|f=%v", v.Name, v.PrefixBits, v.PrefixBits6, v.Features)
}

// Validate checks prefix lengths and feature names against schema.
func (v View) Validate(schema Schema) error {
	if v.Name == "" {
		return eacerrors.New(eacerrors.ErrorTypeInvalidInput, "view has no name")
	}
	if v.PrefixBits < 0 || v.PrefixBits > 32 {
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "view %s: prefix_bits %d out of range", v.Name, v.PrefixBits)
	}
	if v.PrefixBits6 < 0 || v.PrefixBits6 > 128 {
		return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "view %s: prefix_bits6 %d out of range", v.Name, v.PrefixBits6)
	}
	for _, f := range v.Features {
		if schema.Index(f) < 0 {
			return eacerrors.Newf(eacerrors.ErrorTypeInvalidInput, "view %s: unknown feature %q", v.Name, f)
		}
	}
	return nil
}

// Key maps a node id to its group key in this view. ok is false when the
// view aggregates by prefix and id is not an address of that family.
func (v View) Key(id string) (key string, ok bool) {
	if v.HostLevel() {
		return id, true
	}
	addr, err := netip.ParseAddr(id)
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	bits := v.PrefixBits
	full := 32
	if addr.Is6() {
		bits, full = v.PrefixBits6, 128
	}
	if bits == 0 || bits == full {
		return addr.String(), true
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "", false
	}
	return prefix.String(), true
}

// Projection is a dataset seen through one view.
type Projection struct {
	View   View
	Groups []NodeProfile
	// Members maps group key -> member node ids, both sorted.
	Members map[string][]string
	// Excluded lists node ids the view could not place.
	Excluded []string
}

// GroupOf returns the index into Groups for each member node id.
func (p *Projection) GroupOf() map[string]int {
	out := make(map[string]int)
	for i, g := range p.Groups {
		for _, m := range p.Members[g.ID()] {
			out[m] = i
		}
	}
	return out
}

// Project groups the dataset by view key, reduces member series window by
// window and keeps the view's feature columns.
func (d *Dataset) Project(v View) (*Projection, error) {
	if err := v.Validate(d.schema); err != nil {
		return nil, err
	}
	members := make(map[string][]string)
	var excluded []string
	for _, id := range d.ids {
		key, ok := v.Key(id)
		if !ok {
			excluded = append(excluded, id)
			continue
		}
		members[key] = append(members[key], id)
	}

	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	cols := make([]int, 0, len(v.Features))
	for _, f := range v.Features {
		cols = append(cols, d.schema.Index(f))
	}

	groups := make([]NodeProfile, 0, len(keys))
	for _, key := range keys {
		series := d.reduceGroup(members[key])
		if len(cols) > 0 {
			series = selectColumns(series, cols)
		}
		groups = append(groups, NodeProfile{id: key, windows: series})
	}
	return &Projection{View: v, Groups: groups, Members: members, Excluded: excluded}, nil
}

func (d *Dataset) reduceGroup(ids []string) []Vector {
	if len(ids) == 1 {
		return d.profiles[ids[0]].windows
	}
	length := 0
	for _, id := range ids {
		if n := d.profiles[id].Len(); n > length {
			length = n
		}
	}
	out := make([]Vector, length)
	window := make([]Vector, 0, len(ids))
	for w := 0; w < length; w++ {
		window = window[:0]
		for _, id := range ids {
			p := d.profiles[id]
			if w < p.Len() {
				window = append(window, p.windows[w])
			}
		}
		out[w] = d.schema.reduceWindow(window)
	}
	return out
}

func selectColumns(series []Vector, cols []int) []Vector {
	out := make([]Vector, len(series))
	for i, w := range series {
		v := make(Vector, len(cols))
		for j, c := range cols {
			v[j] = w[c]
		}
		out[i] = v
	}
	return out
}
