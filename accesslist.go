package frpg2

import (
	"strings"
	"sync"
)

// AccessListMode specifies how the access list is used.
type AccessListMode int

const (
	// AccessListModeDisabled means no access list filtering (default)
	AccessListModeDisabled AccessListMode = iota
	// AccessListModeWhitelist allows only listed peer identities
	AccessListModeWhitelist
	// AccessListModeBlacklist blocks listed peer identities
	AccessListModeBlacklist
)

// AccessListConfig configures peer-identity filtering. A new stream
// presents its identity in the connection prefix inside the encrypted
// envelope, so the multiplexer creates the stream first and the stream
// checks the identity here once the prefix decodes, erroring out on a
// refused peer. This is the server's ban-list
// mechanism: a blacklist of identities kicked by the operator, or a
// whitelist for closed-door servers.
type AccessListConfig struct {
	// Mode specifies how the access list is used.
	Mode AccessListMode

	// PeerIDs is the list of peer identity strings the mode applies to.
	PeerIDs []string
}

// DefaultAccessListConfig returns the default (disabled) configuration.
func DefaultAccessListConfig() *AccessListConfig {
	return &AccessListConfig{
		Mode:    AccessListModeDisabled,
		PeerIDs: nil,
	}
}

// accessFilter implements identity-based access filtering.
type accessFilter struct {
	mu     sync.RWMutex
	config *AccessListConfig

	// idSet holds normalized identities for O(1) lookup.
	idSet map[string]struct{}
}

// newAccessFilter creates a new access filter with the given config.
func newAccessFilter(config *AccessListConfig) *accessFilter {
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af := &accessFilter{
		config: config,
		idSet:  make(map[string]struct{}),
	}
	af.rebuildIDSetLocked()
	return af
}

// SetConfig updates the filter configuration and rebuilds the identity set.
func (af *accessFilter) SetConfig(config *AccessListConfig) {
	af.mu.Lock()
	defer af.mu.Unlock()
	if config == nil {
		config = DefaultAccessListConfig()
	}
	af.config = config
	af.rebuildIDSetLocked()
}

// Add inserts one identity into the list at runtime (an operator banning a
// peer mid-session).
func (af *accessFilter) Add(peerID string) {
	af.mu.Lock()
	defer af.mu.Unlock()
	af.idSet[normalizePeerID(peerID)] = struct{}{}
}

// Remove deletes one identity from the list at runtime.
func (af *accessFilter) Remove(peerID string) {
	af.mu.Lock()
	defer af.mu.Unlock()
	delete(af.idSet, normalizePeerID(peerID))
}

// IsAllowed reports whether a peer with the given identity may connect.
func (af *accessFilter) IsAllowed(peerID string) bool {
	af.mu.RLock()
	defer af.mu.RUnlock()

	switch af.config.Mode {
	case AccessListModeWhitelist:
		_, listed := af.idSet[normalizePeerID(peerID)]
		return listed
	case AccessListModeBlacklist:
		_, listed := af.idSet[normalizePeerID(peerID)]
		return !listed
	default:
		return true
	}
}

// rebuildIDSetLocked rebuilds the lookup set from the config. Must be
// called with af.mu held.
func (af *accessFilter) rebuildIDSetLocked() {
	af.idSet = make(map[string]struct{}, len(af.config.PeerIDs))
	for _, id := range af.config.PeerIDs {
		id = normalizePeerID(id)
		if id == "" {
			continue
		}
		af.idSet[id] = struct{}{}
	}
}

// normalizePeerID canonicalizes an identity for comparison. Identities are
// hex strings in practice; case and surrounding space are not significant.
func normalizePeerID(peerID string) string {
	return strings.ToLower(strings.TrimSpace(peerID))
}
