package mptcp

import (
	"github.com/pkg/errors"
)

// Which session key slot a binding refers to.
type KeyRef int

const (
	LocalKeyRef KeyRef = iota
	PeerKeyRef
)

// Where a binding's value came from.
type BindingSource int

const (
	SourceEngine BindingSource = iota
	SourceScript
)

// A resolved script variable. The value is either an owned byte buffer
// supplied by the script, or a reference to one of the session's key slots;
// dereferencing a key ref always goes through the session, so there is no
// back-pointer to chase.
type Binding struct {
	Subtype byte
	Source  BindingSource

	// Owned value bytes; nil when the binding is a key reference.
	Owned []byte

	// Which key slot the binding refers to, when Owned is nil.
	Ref KeyRef
}

func (b *Binding) scriptDefined() bool {
	return b.Source == SourceScript
}

// The script parser cannot know the numeric value behind a symbolic name at
// parse time. It enqueues the name; the first option that needs a key
// drains a name and binds it. A name appearing again later resolves through
// the existing binding instead of re-binding.
const maxPendingVars = 64

type varStore struct {
	pending  []string
	bindings map[string]*Binding
}

func newVarStore() *varStore {
	return &varStore{
		bindings: make(map[string]*Binding),
	}
}

// Push a name onto the pending queue.
func (vs *varStore) enqueue(name string) error {
	if len(vs.pending) >= maxPendingVars {
		return errors.Wrapf(ErrResource, "%d variable names pending", len(vs.pending))
	}
	vs.pending = append(vs.pending, name)
	return nil
}

// Return the front of the pending queue without removing it.
func (vs *varStore) peek() (string, bool) {
	if len(vs.pending) == 0 {
		return "", false
	}
	return vs.pending[0], true
}

// Dequeue the front name.
func (vs *varStore) pop() (string, bool) {
	if len(vs.pending) == 0 {
		return "", false
	}
	name := vs.pending[0]
	vs.pending = vs.pending[1:]
	return name, true
}

// Bind a name to one of the session's key slots.
func (vs *varStore) bindKeyRef(name string, ref KeyRef) {
	vs.bindings[name] = &Binding{
		Subtype: SubtypeCapable,
		Source:  SourceEngine,
		Ref:     ref,
	}
}

// Bind a name to a script-supplied literal value. The store owns a copy.
func (vs *varStore) bindScriptValue(name string, subtype byte, value []byte) {
	owned := make([]byte, len(value))
	copy(owned, value)
	vs.bindings[name] = &Binding{
		Subtype: subtype,
		Source:  SourceScript,
		Owned:   owned,
	}
}

func (vs *varStore) lookup(name string) (*Binding, bool) {
	b, ok := vs.bindings[name]
	return b, ok
}
