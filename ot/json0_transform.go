package ot

import "unicode/utf8"

// transformJSON0 rebases left onto right.
func transformJSON0(left, right []JSON0Component, side Side) []JSON0Component {
	if len(right) == 0 {
		return left
	}
	if len(left) == 1 && len(right) == 1 {
		return transformComponent(nil, left[0], right[0], side)
	}
	if side == Left {
		l, _ := transformX(left, right)
		return l
	}
	_, r := transformX(right, left)
	return r
}

// transformX transforms leftOp and rightOp against each other, returning
// leftOp' (left wins ties) and rightOp'.
func transformX(leftOp, rightOp []JSON0Component) ([]JSON0Component, []JSON0Component) {
	var newRightOp []JSON0Component
	for _, rc := range rightOp {
		rightComponent := &rc
		var newLeftOp []JSON0Component
		k := 0
		for k < len(leftOp) {
			var nextC []JSON0Component
			newLeftOp = transformComponent(newLeftOp, leftOp[k], *rightComponent, Left)
			nextC = transformComponent(nextC, *rightComponent, leftOp[k], Right)
			k++

			if len(nextC) == 1 {
				next := nextC[0]
				rightComponent = &next
				continue
			}
			if len(nextC) == 0 {
				for _, c := range leftOp[k:] {
					newLeftOp = appendComponent(newLeftOp, c)
				}
				rightComponent = nil
				break
			}
			l, r := transformX(leftOp[k:], nextC)
			for _, c := range l {
				newLeftOp = appendComponent(newLeftOp, c)
			}
			for _, c := range r {
				newRightOp = appendComponent(newRightOp, c)
			}
			rightComponent = nil
			break
		}
		if rightComponent != nil {
			newRightOp = appendComponent(newRightOp, *rightComponent)
		}
		leftOp = newLeftOp
	}
	return leftOp, newRightOp
}

// commonLength returns the length of a's parent path when it is a prefix of
// b's path. -1 means a addresses the root. ok is false when the paths diverge.
func commonLength(a, b JSON0Component) (n int, ok bool) {
	alen, blen := a.opLen(), b.opLen()
	if alen == 0 {
		return -1, true
	}
	if blen == 0 {
		return 0, false
	}
	alen--
	blen--
	for i := 0; i < alen; i++ {
		if i >= blen || a.P[i] != b.P[i] {
			return 0, false
		}
	}
	return alen, true
}

// at returns p[i], or nil when i is out of range.
func at(p []any, i int) any {
	if i < 0 || i >= len(p) {
		return nil
	}
	return p[i]
}

func intAt(p []any, i int) (int, bool) {
	n, ok := at(p, i).(int)
	return n, ok
}

// transformComponent appends c, transformed against otherC, to dest.
func transformComponent(dest []JSON0Component, c, otherC JSON0Component, side Side) []JSON0Component {
	c = c.clone()
	common, commonOK := commonLength(otherC, c)
	common2, common2OK := commonLength(c, otherC)
	cplen, oplen := c.opLen(), otherC.opLen()

	// If c deletes something otherC changes, keep c's deleted value current
	// so the op stays invertible.
	if common2OK && oplen > cplen && at(c.P, common2) == at(otherC.P, common2) {
		oc := otherC.clone()
		oc.P = oc.P[cplen:]
		if c.HasLD {
			if v, err := (JSON0{}).Apply(c.LD, []JSON0Component{oc}); err == nil {
				c.LD = v
			}
		} else if c.HasOD {
			if v, err := (JSON0{}).Apply(c.OD, []JSON0Component{oc}); err == nil {
				c.OD = v
			}
		}
	}

	if !commonOK {
		return appendComponent(dest, c)
	}
	commonOperand := cplen == oplen
	same := at(c.P, common) == at(otherC.P, common)

	switch {
	case otherC.isStringOp():
		if c.isStringOp() {
			return transformStringComponent(dest, c, otherC, side)
		}

	case otherC.HasNA:
		// Number adds commute with everything.

	case otherC.HasLI && otherC.HasLD:
		if same {
			if !commonOperand {
				return dest
			}
			if c.HasLD {
				if c.HasLI && side == Left {
					c.LD = cloneValue(otherC.LI)
				} else {
					return dest
				}
			}
		}

	case otherC.HasLI:
		cIdx, cOK := intAt(c.P, common)
		oIdx, oOK := intAt(otherC.P, common)
		if c.HasLI && !c.HasLD && commonOperand && same {
			if side == Right {
				c.P[common] = cIdx + 1
			}
		} else if cOK && oOK && oIdx <= cIdx {
			c.P[common] = cIdx + 1
		}

	case otherC.HasLD:
		cIdx, cOK := intAt(c.P, common)
		oIdx, oOK := intAt(otherC.P, common)
		if cOK && oOK && oIdx < cIdx {
			c.P[common] = cIdx - 1
		} else if same {
			if oplen < cplen {
				// c is inside the deleted element.
				return dest
			}
			if c.HasLD {
				if c.HasLI {
					c.LD, c.HasLD = nil, false
				} else {
					return dest
				}
			}
		}

	case otherC.HasOI && otherC.HasOD:
		if same {
			if c.HasOI && commonOperand {
				if side == Right {
					return dest
				}
				c.OD, c.HasOD = cloneValue(otherC.OI), true
			} else {
				return dest
			}
		}

	case otherC.HasOI:
		if c.HasOI && same {
			if side != Left {
				return dest
			}
			dest = appendComponent(dest, JSON0Component{P: c.P, OD: otherC.OI, HasOD: true})
		}

	case otherC.HasOD:
		if same {
			if !commonOperand {
				return dest
			}
			if c.HasOI {
				c.OD, c.HasOD = nil, false
			} else {
				return dest
			}
		}
	}

	return appendComponent(dest, c)
}

// transformStringComponent transforms two string edits on the same string.
func transformStringComponent(dest []JSON0Component, c, otherC JSON0Component, side Side) []JSON0Component {
	last := len(c.P) - 1
	pos := c.P[last].(int)
	opos := otherC.P[len(otherC.P)-1].(int)

	withOffset := func(offset int) []any {
		p := append([]any(nil), c.P...)
		p[last] = offset
		return p
	}

	if c.HasSI {
		np := transformStringPos(pos, otherC, opos, side == Right)
		return appendComponent(dest, JSON0Component{P: withOffset(np), SI: c.SI, HasSI: true})
	}

	s := []rune(c.SD)
	if otherC.HasSI {
		if pos < opos {
			n := min(opos-pos, len(s))
			dest = appendComponent(dest, JSON0Component{P: withOffset(pos), SD: string(s[:n]), HasSD: true})
			s = s[n:]
		}
		if len(s) > 0 {
			np := pos + utf8.RuneCountInString(otherC.SI)
			dest = appendComponent(dest, JSON0Component{P: withOffset(np), SD: string(s), HasSD: true})
		}
		return dest
	}

	olen := utf8.RuneCountInString(otherC.SD)
	switch {
	case pos >= opos+olen:
		return appendComponent(dest, JSON0Component{P: withOffset(pos - olen), SD: c.SD, HasSD: true})
	case pos+len(s) <= opos:
		return appendComponent(dest, c)
	}
	// Overlapping deletes: keep only the part otherC did not remove.
	var kept []rune
	if pos < opos {
		kept = append(kept, s[:opos-pos]...)
	}
	if pos+len(s) > opos+olen {
		kept = append(kept, s[opos+olen-pos:]...)
	}
	if len(kept) == 0 {
		return dest
	}
	np := transformStringPos(pos, otherC, opos, false)
	return appendComponent(dest, JSON0Component{P: withOffset(np), SD: string(kept), HasSD: true})
}

func transformStringPos(pos int, otherC JSON0Component, opos int, insertAfter bool) int {
	if otherC.HasSI {
		if opos < pos || (opos == pos && insertAfter) {
			return pos + utf8.RuneCountInString(otherC.SI)
		}
		return pos
	}
	olen := utf8.RuneCountInString(otherC.SD)
	switch {
	case pos <= opos:
		return pos
	case pos <= opos+olen:
		return opos
	default:
		return pos - olen
	}
}
