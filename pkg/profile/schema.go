package profile

import (
	"fmt"
	"strings"

	eacerrors "trafficeac/pkg/errors"
)

// Reduction says how member values combine when nodes are grouped.
type Reduction string

const (
	ReduceSum  Reduction = "sum"
	ReduceMean Reduction = "mean"
	ReduceMax  Reduction = "max"
	// ReduceRatio recomputes Numerator/Denominator from the group's reduced
	// features; 0 when the denominator is 0.
	ReduceRatio Reduction = "ratio"
)

// Feature describes one column of a window vector.
type Feature struct {
	Name        string    `yaml:"name"`
	Reduce      Reduction `yaml:"reduce"`
	Numerator   string    `yaml:"numerator,omitempty"`
	Denominator string    `yaml:"denominator,omitempty"`
}

// Schema is the ordered feature layout shared by every node of a dataset.
type Schema struct {
	Features []Feature `yaml:"features"`
}

// NetFlowSchema is the default 8-feature NetFlow layout: traffic volume,
// diversity and per-packet mix per time window.
func NetFlowSchema() Schema {
	return Schema{Features: []Feature{
		{Name: "packets", Reduce: ReduceSum},
		{Name: "bytes", Reduce: ReduceSum},
		{Name: "flows", Reduce: ReduceSum},
		{Name: "bytes_packets", Reduce: ReduceRatio, Numerator: "bytes", Denominator: "packets"},
		{Name: "flows_bytes_packets", Reduce: ReduceRatio, Numerator: "flows", Denominator: "bytes_packets"},
		{Name: "n_dst_ip", Reduce: ReduceSum},
		{Name: "n_src_port", Reduce: ReduceSum},
		{Name: "n_dst_port", Reduce: ReduceSum},
	}}
}

func (s Schema) Dim() int { return len(s.Features) }

// Index returns the column of the named feature, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Features {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (s Schema) Names() []string {
	out := make([]string, len(s.Features))
	for i, f := range s.Features {
		out[i] = f.Name
	}
	return out
}

// Validate checks names are unique and ratio operands precede the ratio.
func (s Schema) Validate() error {
	if len(s.Features) == 0 {
		return eacerrors.New(eacerrors.ErrorTypeInvalidInput, "schema has no features")
	}
	seen := make(map[string]int, len(s.Features))
	var problems []string
	for i, f := range s.Features {
		if f.Name == "" {
			problems = append(problems, fmt.Sprintf("feature %d has no name", i))
			continue
		}
		if _, dup := seen[f.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate feature %q", f.Name))
		}
		switch f.Reduce {
		case ReduceSum, ReduceMean, ReduceMax:
		case ReduceRatio:
			for _, operand := range []string{f.Numerator, f.Denominator} {
				if _, ok := seen[operand]; !ok {
					problems = append(problems, fmt.Sprintf("ratio %q operand %q must be an earlier feature", f.Name, operand))
				}
			}
		default:
			problems = append(problems, fmt.Sprintf("feature %q has unknown reduction %q", f.Name, f.Reduce))
		}
		seen[f.Name] = i
	}
	if len(problems) > 0 {
		return eacerrors.New(eacerrors.ErrorTypeInvalidInput, "schema: "+strings.Join(problems, "; "))
	}
	return nil
}

// reduceWindow combines member vectors of one window into a group vector.
// members may be empty, which yields the zero vector.
func (s Schema) reduceWindow(members []Vector) Vector {
	out := make(Vector, s.Dim())
	for col, f := range s.Features {
		switch f.Reduce {
		case ReduceSum, ReduceMean:
			sum := 0.0
			for _, m := range members {
				sum += m[col]
			}
			if f.Reduce == ReduceMean && len(members) > 0 {
				sum /= float64(len(members))
			}
			out[col] = sum
		case ReduceMax:
			for i, m := range members {
				if i == 0 || m[col] > out[col] {
					out[col] = m[col]
				}
			}
		case ReduceRatio:
			num, den := out[s.Index(f.Numerator)], out[s.Index(f.Denominator)]
			if den != 0 {
				out[col] = num / den
			}
		}
	}
	return out
}
