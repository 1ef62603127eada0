package account

import (
	"fmt"
	"sort"
	"sync"
)

// Flags are the aggregate outcomes of the most recent reconciliation pass.
type Flags struct {
	HasMultipleAccounts bool
	HasDemoError        bool
	HasRealError        bool
}

// ForceWizard reports whether the creation wizard must open because the only account type failed.
func (f Flags) ForceWizard() bool {
	return !f.HasMultipleAccounts && (f.HasDemoError || f.HasRealError)
}

// CreationDisabled reports whether new-account creation is disabled because both ownerships failed.
func (f Flags) CreationDisabled() bool {
	return f.HasDemoError && f.HasRealError
}

// OwnershipDegraded reports whether the given ownership carried an error record.
func (f Flags) OwnershipDegraded(o Ownership) bool {
	if o == Demo {
		return f.HasDemoError
	}
	return f.HasRealError
}

// Snapshot is a read-only, consistent view of the directory.
type Snapshot struct {
	archetypes map[Key]Archetype
	flags      Flags
	version    uint64
}

// Get returns a copy of the archetype stored under key.
func (s *Snapshot) Get(key Key) (Archetype, bool) {
	if s == nil {
		return Archetype{}, false
	}
	a, ok := s.archetypes[key]
	if !ok {
		return Archetype{}, false
	}
	return a.Clone(), true
}

// Has reports whether key is present.
func (s *Snapshot) Has(key Key) bool {
	if s == nil {
		return false
	}
	_, ok := s.archetypes[key]
	return ok
}

// Len returns the number of archetypes.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.archetypes)
}

// Flags returns the aggregate flags of the last reconciliation.
func (s *Snapshot) Flags() Flags {
	if s == nil {
		return Flags{}
	}
	return s.flags
}

// Version increments on every successful update.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Keys returns all keys in canonical order.
func (s *Snapshot) Keys() []Key {
	if s == nil {
		return nil
	}
	keys := make([]Key, 0, len(s.archetypes))
	for k := range s.archetypes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Archetypes returns copies of all archetypes in canonical key order.
func (s *Snapshot) Archetypes() []Archetype {
	keys := s.Keys()
	out := make([]Archetype, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.archetypes[k].Clone())
	}
	return out
}

// Slots returns the archetypes the user sees. Placeholder keys are listed only while bound to a remote record.
func (s *Snapshot) Slots() []Archetype {
	all := s.Archetypes()
	out := all[:0]
	for _, a := range all {
		if a.Key.IsUnknown() && a.Remote == nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Variants returns archetypes sharing the key's ownership, market and sub-account type.
func (s *Snapshot) Variants(key Key) []Archetype {
	var out []Archetype
	for _, a := range s.Archetypes() {
		if !a.Key.IsUnknown() && a.Key.SameType(key) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Snapshot) clone() *Snapshot {
	cp := &Snapshot{
		archetypes: make(map[Key]Archetype, len(s.archetypes)),
		flags:      s.flags,
		version:    s.version,
	}
	for k, a := range s.archetypes {
		cp.archetypes[k] = a.Clone()
	}
	return cp
}

// Scratch is a private working copy handed to Directory.Update.
type Scratch struct {
	Snapshot
}

// Put inserts or replaces an archetype.
func (s *Scratch) Put(a Archetype) {
	s.archetypes[a.Key] = a.Clone()
}

// Attach binds remote info to the archetype stored under key.
func (s *Scratch) Attach(key Key, info RemoteInfo) error {
	a, ok := s.archetypes[key]
	if !ok {
		return fmt.Errorf("attach %s: archetype not found", key)
	}
	a.Remote = info.Clone()
	s.archetypes[key] = a
	return nil
}

// DetachAll removes every remote binding, leaving the archetypes in place.
func (s *Scratch) DetachAll() {
	for k, a := range s.archetypes {
		a.Remote = nil
		s.archetypes[k] = a
	}
}

// SetFlags records the aggregate flags.
func (s *Scratch) SetFlags(f Flags) { s.flags = f }

// Directory is the session-scoped account directory. Writers go through Update; readers take snapshots.
type Directory struct {
	mu      sync.RWMutex
	writeMu sync.Mutex
	current *Snapshot
}

// NewDirectory constructs an empty directory.
func NewDirectory() *Directory {
	return &Directory{current: &Snapshot{archetypes: make(map[Key]Archetype)}}
}

// Snapshot returns a consistent copy of the directory.
func (d *Directory) Snapshot() *Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current.clone()
}

// Update applies fn to a scratch copy and swaps it in only when fn succeeds.
func (d *Directory) Update(fn func(*Scratch) error) error {
	if fn == nil {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.RLock()
	scratch := &Scratch{Snapshot: *d.current.clone()}
	d.mu.RUnlock()

	if err := fn(scratch); err != nil {
		return err
	}
	next := scratch.Snapshot
	next.version++

	d.mu.Lock()
	d.current = &next
	d.mu.Unlock()
	return nil
}
