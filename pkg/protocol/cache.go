package protocol

import (
	"sync"

	"github.com/Masterminds/semver/v3"
)

// entry is the copy-on-write value stored per (tenant, protocol) key
// (spec §9 "Global mutable state": "the only truly process-global datum
// is the protocol-definition cache ... implement as a concurrent map
// with copy-on-write entries").
type entry struct {
	def              *Definition
	messageTimestamp string
}

// Cache is the process-global protocol-definition cache. Readers always
// see either the old or the new definition for a key, never a partial
// one, because replacement swaps the whole *entry pointer rather than
// mutating fields in place.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

func cacheKey(tenant, protocolURI string) string { return tenant + "\x00" + protocolURI }

// Lookup returns the newest installed Definition for (tenant, protocol).
func (c *Cache) Lookup(tenant, protocolURI string) (*Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[cacheKey(tenant, protocolURI)]
	if !ok {
		return nil, false
	}
	return e.def, true
}

// Install replaces the cached definition iff messageTimestamp is newer
// than whatever is currently installed (newest-wins per tenant+protocol
// URI, spec §2 "ProtocolsConfigure handler"). Returns false without
// installing if the incoming Configure is not newer. When both the
// incoming and existing definitions declare a $version, a lower semver
// is rejected even if its timestamp would otherwise win, surfacing the
// conflict explicitly rather than silently regressing the protocol.
func (c *Cache) Install(tenant string, def *Definition, messageTimestamp string) (bool, error) {
	key := cacheKey(tenant, def.Protocol)

	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[key]
	if ok {
		if messageTimestamp <= existing.messageTimestamp {
			return false, nil
		}
		if existing.def.Version != "" && def.Version != "" {
			newer, err := versionNewerOrEqual(def.Version, existing.def.Version)
			if err != nil {
				return false, err
			}
			if !newer {
				return false, errVersionRegression(def.Protocol, def.Version, existing.def.Version)
			}
		}
	}

	c.entries[key] = &entry{def: def, messageTimestamp: messageTimestamp}
	return true, nil
}

func versionNewerOrEqual(incoming, existing string) (bool, error) {
	incomingVer, err := semver.NewVersion(incoming)
	if err != nil {
		return false, err
	}
	existingVer, err := semver.NewVersion(existing)
	if err != nil {
		return false, err
	}
	return !incomingVer.LessThan(existingVer), nil
}
