// Package trace records what native code asked of the bridge: reference
// traffic, class lookups, exceptions, library loads and stub calls.
package trace

import (
	"slices"
	"sync"
	"time"
)

// Tag is an event category, stored without the # it is printed with.
type Tag string

// Bridge categories. Stub events use their registry category
// ("libc", "dl", ...) as the tag.
const (
	Ref       Tag = "ref"
	Global    Tag = "global"
	Local     Tag = "local"
	Weak      Tag = "weak"
	Class     Tag = "class"
	Exception Tag = "exception"
	Frame     Tag = "frame"
	Library   Tag = "library"
	Asset     Tag = "asset"
	JniCall   Tag = "jni-call"
	JavaVM    Tag = "javavm"
	String    Tag = "string"
	Array     Tag = "array"
	Dynload   Tag = "dynload"
	Fallback  Tag = "fallback"
	Script    Tag = "script"
)

// Tags lists an event's categories; the first is the primary one.
type Tags []Tag

func (t Tags) Has(tag Tag) bool { return slices.Contains(t, tag) }

// Primary returns the first tag or "".
func (t Tags) Primary() Tag {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Strings renders the tags with their # prefix.
func (t Tags) Strings() []string {
	out := make([]string, len(t))
	for i, tag := range t {
		out[i] = "#" + string(tag)
	}
	return out
}

// Event is one bridge operation.
type Event struct {
	PC          uint64 // native caller, 0 for host-side operations
	Tags        Tags
	Name        string // operation, e.g. "FindClass"
	Detail      string // operand, e.g. a class name or handle
	Annotations map[string]string
	Timestamp   time.Time
}

// NewEvent creates an event with a single tag.
func NewEvent(pc uint64, category Tag, name, detail string) *Event {
	return &Event{
		PC:        pc,
		Tags:      Tags{category},
		Name:      name,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

// AddTag appends tag unless the event already carries it.
func (e *Event) AddTag(tag Tag) {
	if !e.Tags.Has(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// Annotate attaches a key/value note.
func (e *Event) Annotate(k, v string) {
	if e.Annotations == nil {
		e.Annotations = make(map[string]string)
	}
	e.Annotations[k] = v
}

// refScopes gives the secondary tags of reference operations. Names not
// listed are local-scope operations.
var refScopes = map[string]Tags{
	"AddGlobalObject":     {Global},
	"NewGlobalRef":        {Global},
	"DeleteGlobalRef":     {Global},
	"AddWeakGlobalObject": {Global, Weak},
	"NewWeakGlobalRef":    {Global, Weak},
	"DeleteWeakGlobalRef": {Global, Weak},
}

// secondary maps a primary category to the tags implied by it.
var secondary = map[Tag]Tags{
	Class:     {JniCall},
	Exception: {JniCall},
	JavaVM:    {JniCall},
	Library:   {Dynload},
	String:    {Ref},
	Array:     {Ref},
}

// DefaultEnricher adds the secondary tags implied by an event's category
// and name.
func DefaultEnricher(e *Event) {
	primary := e.Tags.Primary()
	if primary == Ref {
		scope, ok := refScopes[e.Name]
		if !ok {
			scope = Tags{Local}
		}
		for _, t := range scope {
			e.AddTag(t)
		}
		return
	}
	for _, t := range secondary[primary] {
		e.AddTag(t)
	}
}

// Buffer collects events from the VM and stub callbacks.
type Buffer struct {
	mu     sync.Mutex
	events []*Event
	total  int
}

// Add appends e.
func (b *Buffer) Add(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	b.total++
}

// Drain returns the buffered events and empties the buffer.
func (b *Buffer) Drain() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

// Total counts every event ever added.
func (b *Buffer) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
