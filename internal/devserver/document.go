package devserver

import (
	"slices"

	"github.com/tonimelisma/statesync/internal/operation"
)

// LockedField marks an entity read-only: pushes and deletes are rejected
// with an Authorization error while it is true.
const LockedField = "locked"

// revision is one accepted change. The first revision of a document has no
// operation.
type revision struct {
	versionID string
	op        operation.Operation
}

// document is the server-side record of one entity.
type document struct {
	entity    operation.Entity
	revisions []revision
}

func newDocument(entity operation.Entity, versionID string) *document {
	return &document{
		entity:    entity.Clone(),
		revisions: []revision{{versionID: versionID}},
	}
}

func (d *document) version() string {
	return d.revisions[len(d.revisions)-1].versionID
}

func (d *document) locked() bool {
	locked, _ := d.entity[LockedField].(bool)

	return locked
}

// since returns the operations accepted after versionID, one per
// revision. ok is false when versionID is not in the history.
func (d *document) since(versionID string) ([]operation.Operation, bool) {
	i := slices.IndexFunc(d.revisions, func(r revision) bool {
		return r.versionID == versionID
	})
	if i < 0 {
		return nil, false
	}

	ops := []operation.Operation{}
	for _, r := range d.revisions[i+1:] {
		ops = append(ops, r.op)
	}

	return ops, true
}

// apply folds ops onto the current document and records them as a new
// revision. The document is unchanged when ops fail to apply.
func (d *document) apply(ops []operation.Operation, versionID string) error {
	next, err := operation.Apply(d.entity, ops...)
	if err != nil {
		return err
	}

	d.entity = next
	d.revisions = append(d.revisions, revision{
		versionID: versionID,
		op:        slices.Concat(ops...),
	})

	return nil
}
