package state

// Key is a composite (EntityName, ID) pair used as a map key and for
// logging. Comparable, so it can key maps directly.
type Key struct {
	EntityName string
	ID         string
}

// NewKey creates a Key.
func NewKey(entityName, id string) Key {
	return Key{EntityName: entityName, ID: id}
}

// String returns the "entityName/id" form used in logs and CLI output.
func (k Key) String() string {
	return k.EntityName + "/" + k.ID
}

// IsZero reports whether both components are empty.
func (k Key) IsZero() bool {
	return k.EntityName == "" && k.ID == ""
}
