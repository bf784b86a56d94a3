package admission

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// MintedCache remembers fingerprints known to be minted so repeat
// submissions can be rejected before touching the ledger. A miss means
// nothing; the ledger stays authoritative.
type MintedCache struct {
	cache *lru.Cache[string, string]
}

// NewMintedCache creates a cache holding up to size fingerprints.
func NewMintedCache(size int) (*MintedCache, error) {
	c, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &MintedCache{cache: c}, nil
}

// Add records that fingerprint was minted by submission id.
func (c *MintedCache) Add(fingerprint, id string) {
	if c == nil {
		return
	}
	c.cache.Add(fingerprint, id)
}

// Lookup returns the id of the minting submission, if cached.
func (c *MintedCache) Lookup(fingerprint string) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.cache.Get(fingerprint)
}

// Len reports the number of cached fingerprints.
func (c *MintedCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
