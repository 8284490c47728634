package ot

import "fmt"

// TransformText takes two concurrent text operations a and b (both applied to
// the same document state) and returns aPrime and bPrime such that:
//
//	ApplyText(ApplyText(doc, a), bPrime) == ApplyText(ApplyText(doc, b), aPrime)
//
// When both insert at the same position, a's text lands first if side is
// Left and b's text lands first if side is Right.
func TransformText(a, b TextOp, side Side) (aPrime, bPrime TextOp, err error) {
	if a.BaseLen() != b.BaseLen() {
		return TextOp{}, TextOp{}, fmt.Errorf(
			"base lengths differ: a=%d, b=%d", a.BaseLen(), b.BaseLen())
	}

	var ap, bp []Component
	ia := newIter(a.Ops)
	ib := newIter(b.Ops)

	for ia.hasNext() || ib.hasNext() {
		aIns := ia.peekType() == compInsert
		bIns := ib.peekType() == compInsert

		// a inserts, and either b does not or a wins the tie.
		if aIns && (!bIns || side == Left) {
			c := ia.take(0)
			ap = append(ap, Component{Insert: c.Insert})
			bp = append(bp, Component{Retain: c.insertLen()})
			continue
		}
		if bIns {
			c := ib.take(0)
			bp = append(bp, Component{Insert: c.Insert})
			ap = append(ap, Component{Retain: c.insertLen()})
			continue
		}

		// Both consume input. Take the shorter chunk.
		if !ia.hasNext() || !ib.hasNext() {
			return TextOp{}, TextOp{}, fmt.Errorf("transform ran out of operations")
		}

		n := min(ia.peekLen(), ib.peekLen())
		ca := ia.take(n)
		cb := ib.take(n)

		switch {
		case ca.IsRetain() && cb.IsRetain():
			ap = append(ap, Component{Retain: n})
			bp = append(bp, Component{Retain: n})
		case ca.IsDelete() && cb.IsRetain():
			ap = append(ap, Component{Delete: n})
		case ca.IsRetain() && cb.IsDelete():
			bp = append(bp, Component{Delete: n})
		case ca.IsDelete() && cb.IsDelete():
			// Both delete same chars: nothing to do.
		}
	}

	return TextOp{Ops: compact(ap)}, TextOp{Ops: compact(bp)}, nil
}

// ComposeText merges a followed by b into a single operation.
func ComposeText(a, b TextOp) (TextOp, error) {
	if a.TargetLen() != b.BaseLen() {
		return TextOp{}, fmt.Errorf(
			"compose length mismatch: a target=%d, b base=%d", a.TargetLen(), b.BaseLen())
	}

	var out []Component
	ia := newIter(a.Ops)
	ib := newIter(b.Ops)

	for ia.hasNext() || ib.hasNext() {
		// Deletes in a never reach b.
		if ia.peekType() == compDelete {
			out = append(out, ia.take(ia.peekLen()))
			continue
		}
		// Inserts in b never touched a's output.
		if ib.peekType() == compInsert {
			out = append(out, ib.take(0))
			continue
		}
		if !ia.hasNext() || !ib.hasNext() {
			return TextOp{}, fmt.Errorf("compose ran out of operations")
		}

		n := min(ia.peekLen(), ib.peekLen())
		ca := ia.take(n)
		cb := ib.take(n)

		switch {
		case ca.IsRetain() && cb.IsRetain():
			out = append(out, Component{Retain: n})
		case ca.IsRetain() && cb.IsDelete():
			out = append(out, Component{Delete: n})
		case ca.IsInsert() && cb.IsRetain():
			out = append(out, Component{Insert: ca.Insert})
		case ca.IsInsert() && cb.IsDelete():
			// Inserted then deleted.
		}
	}
	return TextOp{Ops: compact(out)}, nil
}

// compact merges adjacent components of the same type.
func compact(ops []Component) []Component {
	if len(ops) == 0 {
		return ops
	}
	var result []Component
	for _, c := range ops {
		if len(result) == 0 {
			result = append(result, c)
			continue
		}
		last := &result[len(result)-1]
		if c.IsRetain() && last.IsRetain() {
			last.Retain += c.Retain
		} else if c.IsDelete() && last.IsDelete() {
			last.Delete += c.Delete
		} else if c.IsInsert() && last.IsInsert() {
			last.Insert += c.Insert
		} else {
			result = append(result, c)
		}
	}
	return result
}

// compType identifies a component kind for the iterator.
type compType int

const (
	compNone compType = iota
	compRetain
	compInsert
	compDelete
)

// iter walks through operation components, allowing partial consumption.
type iter struct {
	ops    []Component
	index  int
	offset int
}

func newIter(ops []Component) *iter {
	return &iter{ops: ops}
}

func (it *iter) hasNext() bool {
	return it.index < len(it.ops)
}

func (it *iter) peekType() compType {
	if !it.hasNext() {
		return compNone
	}
	c := it.ops[it.index]
	switch {
	case c.IsInsert():
		return compInsert
	case c.IsDelete():
		return compDelete
	default:
		return compRetain
	}
}

func (it *iter) peekLen() int {
	if !it.hasNext() {
		return 0
	}
	c := it.ops[it.index]
	switch {
	case c.IsRetain():
		return c.Retain - it.offset
	case c.IsInsert():
		return c.insertLen() - it.offset
	case c.IsDelete():
		return c.Delete - it.offset
	}
	return 0
}

// take consumes n units from the current component. For inserts, n=0 means take all.
func (it *iter) take(n int) Component {
	c := it.ops[it.index]
	remaining := it.peekLen()

	switch {
	case c.IsRetain():
		if n >= remaining {
			it.index++
			it.offset = 0
			return Component{Retain: remaining}
		}
		it.offset += n
		return Component{Retain: n}

	case c.IsInsert():
		runes := []rune(c.Insert)
		if n == 0 || n >= remaining {
			s := string(runes[it.offset:])
			it.index++
			it.offset = 0
			return Component{Insert: s}
		}
		s := string(runes[it.offset : it.offset+n])
		it.offset += n
		return Component{Insert: s}

	case c.IsDelete():
		if n >= remaining {
			it.index++
			it.offset = 0
			return Component{Delete: remaining}
		}
		it.offset += n
		return Component{Delete: n}
	}

	it.index++
	return Component{}
}
