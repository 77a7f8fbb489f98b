package dvm

// Handle is the 32-bit reference value handed to native code.
type Handle int32

// NullHandle is the null reference. It never appears as a table key.
const NullHandle Handle = 0

// zeroHashHandle stands in for objects whose HashCode returns 0.
const zeroHashHandle Handle = -1

// Scope says how long a reference lives.
type Scope uint8

const (
	ScopeLocal Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "local"
}

// RefType mirrors jobjectRefType.
type RefType int

const (
	RefInvalid    RefType = 0
	RefLocal      RefType = 1
	RefGlobal     RefType = 2
	RefWeakGlobal RefType = 3
)

// HandleOf derives the handle an object is registered under from its
// identity hash.
func HandleOf(obj Object) Handle {
	h := Handle(obj.HashCode())
	if h == NullHandle {
		return zeroHashHandle
	}
	return h
}

type refEntry struct {
	obj  Object
	weak bool
	live bool
}

// refTable is an arena of entries with a side index from handle to slot.
// Handles come from identity hashes, so two objects with the same hash map
// to the same slot and the later one wins; put reports the displaced object.
// Callers hold the VM lock.
type refTable struct {
	scope Scope
	slots []refEntry
	free  []int
	index map[Handle]int
}

func newRefTable(scope Scope) *refTable {
	return &refTable{
		scope: scope,
		index: make(map[Handle]int),
	}
}

// put stores obj under h. If h already maps to a slot the slot is
// rewritten in place and its previous object is returned.
func (t *refTable) put(h Handle, obj Object, weak bool) (prev Object) {
	if i, ok := t.index[h]; ok {
		prev = t.slots[i].obj
		t.slots[i] = refEntry{obj: obj, weak: weak, live: true}
		return prev
	}

	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i] = refEntry{obj: obj, weak: weak, live: true}
	} else {
		i = len(t.slots)
		t.slots = append(t.slots, refEntry{obj: obj, weak: weak, live: true})
	}
	t.index[h] = i
	return nil
}

func (t *refTable) get(h Handle) (refEntry, bool) {
	i, ok := t.index[h]
	if !ok {
		return refEntry{}, false
	}
	return t.slots[i], true
}

// remove drops h and returns the object it held.
func (t *refTable) remove(h Handle) (Object, bool) {
	i, ok := t.index[h]
	if !ok {
		return nil, false
	}
	obj := t.slots[i].obj
	delete(t.index, h)
	t.slots[i] = refEntry{}
	t.free = append(t.free, i)
	return obj, true
}

// drain empties the table and returns the live objects in slot order.
func (t *refTable) drain() []Object {
	out := make([]Object, 0, len(t.index))
	for _, e := range t.slots {
		if e.live {
			out = append(out, e.obj)
		}
	}
	t.slots = t.slots[:0]
	t.free = t.free[:0]
	clear(t.index)
	return out
}

func (t *refTable) len() int {
	return len(t.index)
}

// each visits live entries in no particular order.
func (t *refTable) each(fn func(h Handle, e refEntry)) {
	for h, i := range t.index {
		fn(h, t.slots[i])
	}
}
