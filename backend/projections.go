package backend

import (
	"github.com/alimasry/otsync/errs"
	"github.com/alimasry/otsync/ot"
	"github.com/alimasry/otsync/store"
)

// projection exposes a whitelist of top-level fields of a real collection
// under another name.
type projection struct {
	name   string
	target string
	fields store.Fields
}

// AddProjection registers name as a view of collection limited to fields.
// Every whitelist value must be the boolean true, and collection must be a
// real collection rather than another projection.
func (b *Backend) AddProjection(name, collection string, fields map[string]any) error {
	if name == "" || collection == "" {
		return errs.New(errs.ProjectionInvalid, "projection needs a name and a collection")
	}
	whitelist := make(store.Fields, len(fields))
	for k, v := range fields {
		if on, ok := v.(bool); !ok || !on {
			return errs.Newf(errs.ProjectionInvalid, "projection %s: field %q must be true", name, k)
		}
		whitelist[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.projections[name]; ok {
		return errs.Newf(errs.ProjectionInvalid, "projection %s already exists", name)
	}
	if _, ok := b.projections[collection]; ok {
		return errs.Newf(errs.ProjectionInvalid, "projection %s: %s is itself a projection", name, collection)
	}
	for _, p := range b.projections {
		if p.target == name {
			return errs.Newf(errs.ProjectionInvalid, "projection %s: name is used as a collection", name)
		}
	}
	b.projections[name] = &projection{name: name, target: collection, fields: whitelist}
	return nil
}

// resolve maps a possibly projected index name to its real collection.
func (b *Backend) resolve(index string) (string, *projection) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.projections[index]; ok {
		return p.target, p
	}
	return index, nil
}

func projectSnapshot(fields store.Fields, snap *store.Snapshot) error {
	if !snap.Exists() {
		return nil
	}
	if !isJSON0(snap.Type) {
		return errs.Newf(errs.TypeCannotBeProjected, "cannot project snapshots of type %s", snap.Type)
	}
	snap.Data = fields.Apply(snap.Data)
	return nil
}

// projectOp filters op in place so it only carries whitelisted fields.
// Edits are assumed to be json0, the only projectable type.
func projectOp(fields store.Fields, op *store.Op) error {
	switch {
	case op.Create != nil:
		if !isJSON0(op.Create.Type) {
			return errs.Newf(errs.TypeCannotBeProjected, "cannot project ops of type %s", op.Create.Type)
		}
		op.Create.Data = fields.Apply(op.Create.Data)
	case op.Op != nil:
		comps, err := ot.ParseJSON0(op.Op)
		if err != nil {
			return errs.Wrap(errs.TypeCannotBeProjected, "project op", err)
		}
		kept := make([]ot.JSON0Component, 0, len(comps))
		for _, c := range comps {
			if len(c.P) == 0 {
				// Whole document replacement: filter both sides.
				if c.HasOD {
					c.OD = fields.Apply(c.OD)
				}
				if c.HasOI {
					c.OI = fields.Apply(c.OI)
				}
				kept = append(kept, c)
				continue
			}
			if key, ok := c.P[0].(string); ok && fields[key] {
				kept = append(kept, c)
			}
		}
		op.Op = ot.EncodeJSON0(kept)
	}
	return nil
}

// isOpAllowed reports whether op only touches whitelisted fields. snapType
// is the type of the document the op applies to, if known.
func isOpAllowed(snapType string, fields store.Fields, op *store.Op) bool {
	switch {
	case op.Create != nil:
		return isSnapshotAllowed(fields, &store.Snapshot{Type: op.Create.Type, Data: op.Create.Data})
	case op.Del:
		return true
	case op.Op != nil:
		if snapType != "" && !isJSON0(snapType) {
			return false
		}
		comps, err := ot.ParseJSON0(op.Op)
		if err != nil {
			return false
		}
		for _, c := range comps {
			if len(c.P) == 0 {
				return false
			}
			key, ok := c.P[0].(string)
			if !ok || !fields[key] {
				return false
			}
		}
	}
	return true
}

func isSnapshotAllowed(fields store.Fields, snap *store.Snapshot) bool {
	if !isJSON0(snap.Type) {
		return false
	}
	if snap.Data == nil {
		return true
	}
	m, ok := snap.Data.(map[string]any)
	if !ok {
		return false
	}
	for k := range m {
		if !fields[k] {
			return false
		}
	}
	return true
}

func isJSON0(typ string) bool {
	return typ == ot.JSON0URI || typ == "json0"
}
