package ot

import (
	"fmt"

	"github.com/alimasry/otsync/errs"
)

// Side breaks ties when two operations touch the same position.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Type is an OT algorithm for one kind of document.
// Data and op payloads are JSON-compatible values (maps, slices, strings,
// float64, bool, nil). Implementations must not mutate their arguments.
type Type interface {
	// Name is the short identifier, e.g. "json0".
	Name() string
	// URI is the canonical identifier stored on snapshots.
	URI() string
	// Create builds initial document data, failing on invalid input.
	Create(initial any) (any, error)
	// Apply returns data with op applied.
	Apply(data, op any) (any, error)
	// Transform rebases op onto the result of other. Both ops must have
	// been made against the same document state.
	Transform(op, other any, side Side) (any, error)
}

// Composer merges two consecutive operations into one.
type Composer interface {
	Compose(a, b any) (any, error)
}

// Inverter returns the operation that undoes op.
type Inverter interface {
	Invert(op any) (any, error)
}

// NoopChecker reports whether op leaves every document unchanged.
type NoopChecker interface {
	IsNoop(op any) bool
}

// PresenceTransformer moves ephemeral state (cursors, selections) through ops.
type PresenceTransformer interface {
	TransformPresence(presence, op any, isOwnOp bool) (any, error)
	ComparePresence(a, b any) bool
}

// Compose merges a and b using t, if t supports it.
func Compose(t Type, a, b any) (any, error) {
	c, ok := t.(Composer)
	if !ok {
		return nil, errs.Newf(errs.TypeDoesNotSupportCompose, "type %s does not support compose", t.Name())
	}
	op, err := c.Compose(a, b)
	if err != nil {
		return nil, errs.Wrap(errs.OpNotApplied, "compose", err)
	}
	return op, nil
}

// Invert returns the inverse of op using t, if t supports it.
func Invert(t Type, op any) (any, error) {
	inv, ok := t.(Inverter)
	if !ok {
		return nil, errs.Newf(errs.TypeDoesNotSupportInvert, "type %s does not support invert", t.Name())
	}
	out, err := inv.Invert(op)
	if err != nil {
		return nil, errs.Wrap(errs.OpNotApplied, "invert", err)
	}
	return out, nil
}

// TransformPresence moves presence through op using t, if t supports it.
func TransformPresence(t Type, presence, op any, isOwnOp bool) (any, error) {
	p, ok := t.(PresenceTransformer)
	if !ok {
		return nil, errs.Newf(errs.TypeDoesNotSupportPresence, "type %s does not support presence", t.Name())
	}
	out, err := p.TransformPresence(presence, op, isOwnOp)
	if err != nil {
		return nil, errs.Wrap(errs.OpNotTransformed, "transform presence", err)
	}
	return out, nil
}

// IsNoop reports whether op is a no-op. Types without a NoopChecker never
// report no-ops.
func IsNoop(t Type, op any) bool {
	n, ok := t.(NoopChecker)
	return ok && n.IsNoop(op)
}

// Apply calls t.Apply and codes any failure.
func Apply(t Type, data, op any) (any, error) {
	out, err := t.Apply(data, op)
	if err != nil {
		return nil, errs.Wrap(errs.OpNotApplied, fmt.Sprintf("apply %s op", t.Name()), err)
	}
	return out, nil
}

// Transform calls t.Transform and codes any failure.
func Transform(t Type, op, other any, side Side) (any, error) {
	out, err := t.Transform(op, other, side)
	if err != nil {
		return nil, errs.Wrap(errs.OpNotTransformed, fmt.Sprintf("transform %s op", t.Name()), err)
	}
	return out, nil
}

// Create calls t.Create and codes any failure.
func Create(t Type, initial any) (any, error) {
	out, err := t.Create(initial)
	if err != nil {
		return nil, errs.Wrap(errs.OpNotApplied, fmt.Sprintf("create %s document", t.Name()), err)
	}
	return out, nil
}
