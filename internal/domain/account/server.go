package account

import "strconv"

// TradingServer describes a regional trading server from the session snapshot.
type TradingServer struct {
	ID          string
	Region      string
	Sequence    int
	Environment string
	// Supported is nil when the remote payload omitted supported_accounts.
	Supported   []ServerKind
	Disabled    bool
	Recommended bool
}

// WellFormed reports whether the server advertises its supported account kinds.
func (s TradingServer) WellFormed() bool {
	return s.ID != "" && s.Supported != nil
}

// Supports reports whether the server hosts the given account kind.
func (s TradingServer) Supports(kind ServerKind) bool {
	for _, k := range s.Supported {
		if k == kind {
			return true
		}
	}
	return false
}

// Label is the user-facing server name: the region, followed by the sequence when above one.
func (s TradingServer) Label() string {
	if s.Region == "" {
		return ""
	}
	if s.Sequence > 1 {
		return s.Region + " " + strconv.Itoa(s.Sequence)
	}
	return s.Region
}

// Servers is an ordered, immutable trading server snapshot.
type Servers []TradingServer

// Find returns the server with the given identifier.
func (ss Servers) Find(id string) (TradingServer, bool) {
	for _, s := range ss {
		if s.ID == id {
			return s, true
		}
	}
	return TradingServer{}, false
}

// Label resolves the display label for a server identifier, or "" when unknown.
func (ss Servers) Label(id string) string {
	if s, ok := ss.Find(id); ok {
		return s.Label()
	}
	return ""
}

// Eligible returns the well-formed servers supporting the market/sub-account combination, in snapshot order.
func (ss Servers) Eligible(market Market, sub SubType) []TradingServer {
	kind, ok := KindFor(market, sub)
	if !ok {
		return nil
	}
	out := make([]TradingServer, 0, len(ss))
	for _, s := range ss {
		if s.WellFormed() && s.Supports(kind) {
			out = append(out, s)
		}
	}
	return out
}

// Clone copies the snapshot.
func (ss Servers) Clone() Servers {
	if ss == nil {
		return nil
	}
	out := make(Servers, len(ss))
	for i, s := range ss {
		cp := s
		if s.Supported != nil {
			cp.Supported = append([]ServerKind{}, s.Supported...)
		}
		out[i] = cp
	}
	return out
}
