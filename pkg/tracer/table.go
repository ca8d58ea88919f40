package tracer

// valueTable maps runtime value identities to the graph values recorded for them.
type valueTable struct {
	values map[ValueID]*Value
}

func newValueTable() *valueTable {
	return &valueTable{values: make(map[ValueID]*Value)}
}

func (t *valueTable) get(id ValueID) (*Value, bool) {
	v, ok := t.values[id]
	return v, ok
}

func (t *valueTable) set(id ValueID, v *Value) {
	t.values[id] = v
}
