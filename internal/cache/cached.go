package cache

import (
	"context"

	"github.com/AlexFiliakov/iQuest-sub007/pkg/keys"
)

// Func is a typed read-through wrapper around a Manager: the reworked form of
// the source system's caching decorator. It is parameterized by a function
// identity (the key prefix), TTL, dependency tokens, and target tiers; each
// Call derives a deterministic key from its arguments and goes through
// Manager.Get.
type Func[T any] struct {
	manager *Manager
	name    string
	opts    Options
}

// NewFunc wraps compute results of type T under the given function identity.
func NewFunc[T any](manager *Manager, name string, opts Options) *Func[T] {
	return &Func[T]{manager: manager, name: name, opts: opts}
}

// Call runs compute through the cache, deriving the key from args.
func (f *Func[T]) Call(ctx context.Context, compute func(ctx context.Context) (T, error), args ...interface{}) (T, error) {
	key := keys.Derive(f.name, args, nil)
	return f.CallKeyed(ctx, key, compute)
}

// CallKeyed is Call with a caller-supplied key.
func (f *Func[T]) CallKeyed(ctx context.Context, key string, compute func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, err := f.manager.Get(ctx, key, func(ctx context.Context) (interface{}, error) {
		return compute(ctx)
	}, f.opts)
	if err != nil {
		return zero, err
	}

	return coerce[T](raw)
}

// Invalidate removes every cached result of this function across all tiers.
// Keys come in two shapes: the readable "name(args)" form and the digest
// "name:sha" form for oversized argument lists; both are matched.
func (f *Func[T]) Invalidate(ctx context.Context) map[Tier]int {
	counts := f.manager.InvalidatePattern(ctx, f.name+"(")
	for tier, n := range f.manager.InvalidatePattern(ctx, f.name+":") {
		counts[tier] += n
	}
	return counts
}

// coerce converts a manager-returned value to T. L1 hits hold the original
// typed value; values read back from the serialized tiers decode generically
// and take a msgpack round trip into the destination type.
func coerce[T any](raw interface{}) (T, error) {
	var zero T
	if raw == nil {
		return zero, nil
	}
	if v, ok := raw.(T); ok {
		return v, nil
	}

	payload, err := EncodeValue(raw)
	if err != nil {
		return zero, err
	}
	var out T
	if err := DecodeValueInto(payload, &out); err != nil {
		return zero, err
	}
	return out, nil
}
