package backend

import (
	"encoding/json"
	"math"

	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/ot"
	"github.com/alimasry/otsync/store"
)

// DecodeOp parses a wire op and rejects shapes the typed Op cannot express:
// a non-object op, a del other than literal true, a non-string src, a
// non-integer seq or version, and non-object metadata.
func DecodeOp(raw []byte) (*store.Op, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errs.New(errs.OpBadlyFormed, "op must be an object")
	}

	op := &store.Op{}
	if v, ok := fields["v"]; ok && !isNull(v) {
		n, err := decodeInt(v)
		if err != nil || n < 0 {
			return nil, errs.New(errs.OpBadlyFormed, "v must be a non-negative integer")
		}
		op.SetVersion(n)
	}

	if c, ok := fields["create"]; ok && !isNull(c) {
		var create map[string]any
		if err := json.Unmarshal(c, &create); err != nil || create == nil {
			return nil, errs.New(errs.OpBadlyFormed, "create must be an object")
		}
		typ, ok := create["type"].(string)
		if !ok {
			return nil, errs.New(errs.OpBadlyFormed, "missing create type")
		}
		op.Create = &store.CreateOp{Type: typ, Data: create["data"]}
	}

	if d, ok := fields["del"]; ok && !isNull(d) {
		var del bool
		if err := json.Unmarshal(d, &del); err != nil || !del {
			return nil, errs.New(errs.OpBadlyFormed, "del value must be true")
		}
		op.Del = true
	}

	if o, ok := fields["op"]; ok && !isNull(o) {
		if err := json.Unmarshal(o, &op.Op); err != nil {
			return nil, errs.Wrap(errs.OpBadlyFormed, "invalid op payload", err)
		}
	}

	_, hasSrc := fields["src"]
	_, hasSeq := fields["seq"]
	if hasSrc != hasSeq {
		return nil, errs.New(errs.OpBadlyFormed, "src and seq must be provided together")
	}
	if hasSrc {
		if err := json.Unmarshal(fields["src"], &op.Src); err != nil {
			return nil, errs.New(errs.OpBadlyFormed, "src must be a string")
		}
		seq, err := decodeInt(fields["seq"])
		if err != nil {
			return nil, errs.New(errs.OpBadlyFormed, "seq must be a number")
		}
		op.Seq = seq
	}

	if m, ok := fields["m"]; ok && !isNull(m) {
		if err := json.Unmarshal(m, &op.M); err != nil || op.M == nil {
			return nil, errs.New(errs.OpBadlyFormed, "metadata must be an object")
		}
	}
	return op, CheckShape(op)
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

func decodeInt(raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, errs.New(errs.OpBadlyFormed, "not an integer")
	}
	return int(f), nil
}

// CheckShape runs the structural checks that need no type registry.
func CheckShape(op *store.Op) error {
	if op == nil {
		return errs.New(errs.OpBadlyFormed, "op must be an object")
	}
	n := 0
	if op.Create != nil {
		n++
	}
	if op.Del {
		n++
	}
	if op.Op != nil {
		n++
	}
	if n > 1 {
		return errs.New(errs.OpBadlyFormed, "only one of create, del and op may be set")
	}
	if op.Create != nil && op.Create.Type == "" {
		return errs.New(errs.OpBadlyFormed, "missing create type")
	}
	if op.V != nil && *op.V < 0 {
		return errs.Newf(errs.OpBadlyFormed, "invalid version %d", *op.V)
	}
	switch {
	case op.HasSrc() && op.Seq <= 0:
		return errs.Newf(errs.OpBadlyFormed, "seq must be a positive integer, got %d", op.Seq)
	case !op.HasSrc() && op.Seq != 0:
		return errs.New(errs.OpBadlyFormed, "seq requires src")
	}
	return nil
}

// CheckOp validates op before anything touches storage. Every failure is
// ERR_OT_OP_BADLY_FORMED except a create naming an unregistered type.
func CheckOp(op *store.Op, types *ot.Registry) error {
	if err := CheckShape(op); err != nil {
		return err
	}
	if op.Create != nil {
		if _, err := types.Lookup(op.Create.Type); err != nil {
			return err
		}
	}
	return nil
}
