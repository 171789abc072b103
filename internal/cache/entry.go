package cache

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/AlexFiliakov/iQuest-sub007/pkg/cacheerr"
)

// Tier identifies one of the three cache storage layers.
type Tier int

const (
	// TierMemory is the in-process LRU tier (L1).
	TierMemory Tier = iota + 1
	// TierPersistent is the embedded SQLite tier (L2).
	TierPersistent
	// TierDisk is the compressed content-addressed file tier (L3).
	TierDisk
)

// DefaultTiers is the probe order used when a caller does not specify tiers.
var DefaultTiers = []Tier{TierMemory, TierPersistent, TierDisk}

// String returns the tier name used in logs and metrics labels.
func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierPersistent:
		return "persistent"
	case TierDisk:
		return "disk"
	default:
		return "unknown"
	}
}

// Entry is the value-plus-metadata record tracked by each tier.
//
// Expiry is never stored as a flag: Expired is a pure function of CreatedAt,
// TTL, and the observation time, so an entry cannot be half-expired.
type Entry struct {
	Key          string
	Value        interface{}
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	SizeBytes    int64
	Dependencies []string
	// TTL of zero means the entry never expires.
	TTL time.Duration
}

// Expired reports whether the entry is stale at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.CreatedAt) > e.TTL
}

// ttlSeconds converts a TTL to whole seconds for tiers that store expiry at
// second resolution, rounding up so a sub-second TTL never collapses to the
// never-expires zero value.
func ttlSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Second - 1) / time.Second)
}

// HasDependency reports whether the entry references the given token.
func (e *Entry) HasDependency(token string) bool {
	for _, dep := range e.Dependencies {
		if dep == token {
			return true
		}
	}
	return false
}

// EncodeValue serializes a value to its msgpack wire form. The encoded length
// is also the size estimate used for memory accounting and oversize checks.
func EncodeValue(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, cacheerr.WrapError(cacheerr.ErrCodeSerializationFailed, "value not msgpack-serializable", err)
	}
	return data, nil
}

// DecodeValue deserializes a msgpack payload into a generic value.
func DecodeValue(data []byte) (interface{}, error) {
	var v interface{}
	if err := msgpack.Unmarshal(data, &v); err != nil {
		return nil, cacheerr.WrapError(cacheerr.ErrCodeDecodeFailed, "cached payload not decodable", err)
	}
	return v, nil
}

// DecodeValueInto deserializes a msgpack payload into a typed destination.
func DecodeValueInto(data []byte, out interface{}) error {
	if err := msgpack.Unmarshal(data, out); err != nil {
		return cacheerr.WrapError(cacheerr.ErrCodeDecodeFailed, "cached payload not decodable", err)
	}
	return nil
}
