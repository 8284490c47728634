package ot

import "fmt"

// Document is a local replica of a typed document and the ops applied to it.
type Document struct {
	Type    Type
	Data    any
	Version int
	History []any
}

// NewDocument creates a replica from initial data.
func NewDocument(t Type, initial any) (*Document, error) {
	data, err := Create(t, initial)
	if err != nil {
		return nil, err
	}
	return &Document{Type: t, Data: data}, nil
}

// Apply applies an op to the replica, appending it to history.
// No-ops still advance the version, matching server semantics.
func (d *Document) Apply(op any) error {
	result, err := Apply(d.Type, d.Data, op)
	if err != nil {
		return fmt.Errorf("apply to document v%d: %w", d.Version, err)
	}
	d.Data = result
	d.Version++
	d.History = append(d.History, op)
	return nil
}

// Since returns the ops applied after version v.
func (d *Document) Since(v int) ([]any, error) {
	if v < 0 || v > len(d.History) {
		return nil, fmt.Errorf("invalid version %d (history len %d)", v, len(d.History))
	}
	return d.History[v:], nil
}
