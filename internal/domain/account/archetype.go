package account

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Unavailable is the placeholder rendered for fields of degraded slots.
const Unavailable = "Unavailable"

// Titles holds the short and full display names of an archetype.
type Titles struct {
	Short string
	Full  string
}

// Company carries landing-company metadata missing from the landing company payload.
type Company struct {
	Name    string
	Country string
}

// RemoteError records why a remote account could not be described.
type RemoteError struct {
	Code    string
	Message string
}

// RemoteInfo is the provisioned account data attached to an archetype.
type RemoteInfo struct {
	Login         string
	DisplayLogin  string
	Balance       decimal.Decimal
	Currency      string
	Server        string
	DisplayServer string
	Error         *RemoteError
}

// Clone returns a deep copy.
func (r *RemoteInfo) Clone() *RemoteInfo {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	return &cp
}

// Archetype is a theoretically obtainable account configuration, optionally bound to a remote account.
type Archetype struct {
	Key                 Key
	LandingCompanyShort string
	Leverage            int
	Titles              Titles
	Company             *Company
	Remote              *RemoteInfo
	// Synthesized marks archetypes created from remote records rather than the catalog.
	Synthesized bool
}

// SlotState classifies an archetype as the user sees it.
type SlotState string

const (
	// SlotAvailable marks archetypes that have not been provisioned.
	SlotAvailable SlotState = "available"
	// SlotProvisioned marks archetypes bound to a remote account.
	SlotProvisioned SlotState = "provisioned"
	// SlotInaccessible marks degraded archetypes.
	SlotInaccessible SlotState = "inaccessible"
)

// State reports the slot state of the archetype.
func (a Archetype) State() SlotState {
	switch {
	case a.Key.IsUnknown() || (a.Remote != nil && a.Remote.Error != nil):
		return SlotInaccessible
	case a.Remote != nil:
		return SlotProvisioned
	default:
		return SlotAvailable
	}
}

// Provisioned reports whether a healthy remote account is attached.
func (a Archetype) Provisioned() bool { return a.State() == SlotProvisioned }

// LeverageLabel renders leverage for display, using the placeholder for degraded slots.
func (a Archetype) LeverageLabel() string {
	if a.Key.IsUnknown() {
		return Unavailable
	}
	return "1:" + strconv.Itoa(a.Leverage)
}

// Clone returns a deep copy.
func (a Archetype) Clone() Archetype {
	cp := a
	if a.Company != nil {
		c := *a.Company
		cp.Company = &c
	}
	cp.Remote = a.Remote.Clone()
	return cp
}

// Placeholder builds the degraded archetype for an unknown key.
func Placeholder(key Key) Archetype {
	return Archetype{
		Key:                 key,
		LandingCompanyShort: Unavailable,
		Titles:              Titles{Short: Unavailable, Full: Unavailable},
		Synthesized:         true,
	}
}
