package ot

import "fmt"

// Rebase transforms op, made against some earlier version of a document,
// against each op applied since that version, in order.
// This is the Jupiter loop a client runs on its pending op when remote ops
// arrive; the server runs the same loop inside the submit pipeline.
func Rebase(t Type, op any, applied []any, side Side) (any, error) {
	transformed := op
	for i, other := range applied {
		var err error
		transformed, err = Transform(t, transformed, other, side)
		if err != nil {
			return nil, fmt.Errorf("transform against applied[%d]: %w", i, err)
		}
	}
	return transformed, nil
}
