package core

import (
	"sort"
	"strings"
)

// Datasets maps a dataset (attribute) name to its ordered values.
// Names are compared case-insensitively by the lookup helpers because
// directory backends do not preserve attribute name case.
type Datasets map[string][]string

// Get returns the values stored under name, matching case-insensitively.
func (d Datasets) Get(name string) []string {
	if v, ok := d[name]; ok {
		return v
	}
	for k, v := range d {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// First returns the first value of a dataset, or "" if it is empty.
func (d Datasets) First(name string) string {
	if v := d.Get(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// Names returns the dataset names in sorted order.
func (d Datasets) Names() []string {
	names := make([]string, 0, len(d))
	for k := range d {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy.
func (d Datasets) Clone() Datasets {
	if d == nil {
		return nil
	}
	out := make(Datasets, len(d))
	for k, v := range d {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Record is a pivot record: a stable identifier plus its datasets.
// Records returned by endpoints must be treated as immutable.
type Record struct {
	ID       string
	Datasets Datasets
}

// NewRecord builds a record from a copy of datasets. Duplicate values
// inside a dataset are dropped, keeping the first occurrence so that
// insertion order is preserved.
func NewRecord(id string, datasets Datasets) *Record {
	r := &Record{ID: id, Datasets: make(Datasets, len(datasets))}
	for name, values := range datasets {
		r.Datasets[name] = dedupe(values)
	}
	return r
}

// Get is a shortcut for r.Datasets.Get.
func (r *Record) Get(name string) []string {
	if r == nil {
		return nil
	}
	return r.Datasets.Get(name)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{ID: r.ID, Datasets: r.Datasets.Clone()}
}

// Project returns a copy of r restricted to the given dataset names.
// Names in the result use the spelling passed in names.
func (r *Record) Project(names []string) *Record {
	out := &Record{ID: r.ID, Datasets: make(Datasets, len(names))}
	for _, n := range names {
		if v := r.Datasets.Get(n); v != nil {
			out.Datasets[n] = append([]string(nil), v...)
		}
	}
	return out
}

// EqualValues reports whether two value lists hold the same values in the
// same order.
func EqualValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
