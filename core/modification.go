package core

import (
	"fmt"
	"strings"
)

// OperationType is the kind of write a ModificationRequest asks for.
type OperationType int

const (
	OperationCreate OperationType = iota
	OperationUpdate
	OperationDelete
	OperationChangeID
)

func (o OperationType) String() string {
	switch o {
	case OperationCreate:
		return "create"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	case OperationChangeID:
		return "change_id"
	default:
		return fmt.Sprintf("OperationType(%d)", int(o))
	}
}

// ChangeOp is the per-attribute modification kind.
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeReplace
	ChangeDelete
)

func (c ChangeOp) String() string {
	switch c {
	case ChangeAdd:
		return "add"
	case ChangeReplace:
		return "replace"
	case ChangeDelete:
		return "delete"
	default:
		return fmt.Sprintf("ChangeOp(%d)", int(c))
	}
}

// AttributeChange is a single dataset modification.
type AttributeChange struct {
	Name   string
	Op     ChangeOp
	Values []string
}

// ModificationRequest describes one logical write against a destination.
// Changes must be applied in slice order; endpoints never reorder them.
type ModificationRequest struct {
	Operation      OperationType
	MainIdentifier string
	// NewIdentifier is only meaningful for OperationChangeID.
	NewIdentifier string
	Changes       []AttributeChange
	Source        *Record
	Destination   *Record
}

// IsEmpty reports whether an update carries no attribute changes.
func (m ModificationRequest) IsEmpty() bool {
	return m.Operation == OperationUpdate && len(m.Changes) == 0
}

func (m ModificationRequest) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %q", m.Operation, m.MainIdentifier)
	if m.Operation == OperationChangeID {
		fmt.Fprintf(&b, " -> %q", m.NewIdentifier)
	}
	for _, c := range m.Changes {
		fmt.Fprintf(&b, " [%s %s=%v]", c.Op, c.Name, c.Values)
	}
	return b.String()
}

// ApplyChanges returns the datasets obtained by applying changes, in order,
// on top of base. base is not modified.
func ApplyChanges(base Datasets, changes []AttributeChange) Datasets {
	out := base.Clone()
	if out == nil {
		out = make(Datasets)
	}
	for _, c := range changes {
		key := existingKey(out, c.Name)
		switch c.Op {
		case ChangeReplace:
			if len(c.Values) == 0 {
				delete(out, key)
				continue
			}
			out[key] = dedupe(c.Values)
		case ChangeAdd:
			out[key] = dedupe(append(append([]string(nil), out[key]...), c.Values...))
		case ChangeDelete:
			if len(c.Values) == 0 {
				delete(out, key)
				continue
			}
			drop := make(map[string]struct{}, len(c.Values))
			for _, v := range c.Values {
				drop[v] = struct{}{}
			}
			kept := out[key][:0:0]
			for _, v := range out[key] {
				if _, ok := drop[v]; !ok {
					kept = append(kept, v)
				}
			}
			if len(kept) == 0 {
				delete(out, key)
			} else {
				out[key] = kept
			}
		}
	}
	return out
}

func existingKey(d Datasets, name string) string {
	if _, ok := d[name]; ok {
		return name
	}
	for k := range d {
		if strings.EqualFold(k, name) {
			return k
		}
	}
	return name
}
