// Package allocator classifies the trading servers an account type can be created on.
package allocator

import "github.com/coachpo/mt5desk/internal/domain/account"

// State is the allocation state of an eligible server.
type State string

const (
	// StateAvailable servers can host a new account.
	StateAvailable State = "available"
	// StateUsed servers already host an account of the same type.
	StateUsed State = "used"
	// StateDisabled servers are switched off by the server snapshot.
	StateDisabled State = "disabled"
)

// Candidate is an eligible server and its state.
type Candidate struct {
	Server account.TradingServer
	State  State
}

// Allocation is the server picture for one account type.
type Allocation struct {
	Key        account.Key
	Candidates []Candidate
	// Default is the preselected server identifier, empty when none is available.
	Default string
	// SlotFree reports whether some catalog archetype of the type is still unprovisioned.
	SlotFree bool
}

// Supported counts the eligible servers.
func (a Allocation) Supported() int { return len(a.Candidates) }

// Used counts servers already hosting an account of the type.
func (a Allocation) Used() int { return a.count(StateUsed) }

// Disabled counts switched-off servers.
func (a Allocation) Disabled() int { return a.count(StateDisabled) }

// Available returns the servers a new account may be placed on, in snapshot order.
func (a Allocation) Available() []account.TradingServer {
	var out []account.TradingServer
	for _, c := range a.Candidates {
		if c.State == StateAvailable {
			out = append(out, c.Server)
		}
	}
	return out
}

// Exhausted reports whether no new account of the type can be created.
func (a Allocation) Exhausted() bool {
	if !a.SlotFree {
		return true
	}
	return len(a.Candidates) > 0 && a.count(StateAvailable) == 0
}

// ServerStepMeaningful reports whether choosing a server makes a difference to the client.
func (a Allocation) ServerStepMeaningful() bool {
	return a.Supported() > 1 && a.Used() > 0
}

// Selectable reports whether id names an available server.
func (a Allocation) Selectable(id string) bool {
	c, ok := a.Candidate(id)
	return ok && c.State == StateAvailable
}

// Candidate looks up an eligible server.
func (a Allocation) Candidate(id string) (Candidate, bool) {
	for _, c := range a.Candidates {
		if c.Server.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}

func (a Allocation) count(state State) int {
	n := 0
	for _, c := range a.Candidates {
		if c.State == state {
			n++
		}
	}
	return n
}

// Allocator evaluates allocations against the session's server snapshot.
type Allocator struct {
	servers account.Servers
}

// New constructs an allocator over an immutable server snapshot.
func New(servers account.Servers) *Allocator {
	return &Allocator{servers: servers.Clone()}
}

// Servers returns the snapshot the allocator works on.
func (a *Allocator) Servers() account.Servers { return a.servers.Clone() }

// Allocate classifies the eligible servers for the type of key against the directory.
// A used server stays used even when it is also disabled.
func (a *Allocator) Allocate(dir *account.Snapshot, key account.Key) Allocation {
	logical := key.Logical()
	out := Allocation{Key: logical}

	used := make(map[string]struct{})
	for _, variant := range dir.Variants(logical) {
		if variant.Remote == nil {
			out.SlotFree = true
			continue
		}
		if variant.Remote.Server != "" {
			used[variant.Remote.Server] = struct{}{}
		}
	}

	for _, server := range a.servers.Eligible(logical.Market, logical.SubType) {
		state := StateAvailable
		if _, ok := used[server.ID]; ok {
			state = StateUsed
		} else if server.Disabled {
			state = StateDisabled
		}
		out.Candidates = append(out.Candidates, Candidate{Server: server, State: state})
	}
	out.Default = pickDefault(out.Candidates)
	return out
}

func pickDefault(candidates []Candidate) string {
	first := ""
	for _, c := range candidates {
		if c.State != StateAvailable {
			continue
		}
		if c.Server.Recommended {
			return c.Server.ID
		}
		if first == "" {
			first = c.Server.ID
		}
	}
	return first
}
