/*
Package cache provides the multi-tier caching engine that sits between
expensive analytical computations and their consumers.

Results flow through three tiers with distinct performance, durability and
capacity trade-offs, coordinated by a Manager that handles tier fallback,
upward promotion, dependency-based invalidation and metrics aggregation.

# Tier Architecture

	┌─────────────────────────────────────────────┐
	│              Callers                        │
	│   (analytics calculators, cached funcs)     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│               Manager                       │  ← this package
	│   get / set / invalidate / metrics          │
	└─────────────────────────────────────────────┘
	                      │
	  L1  MemoryCache      in-process LRU, TTL-aware,
	                       bounded by count and size
	  L2  PersistentCache  embedded SQLite, survives
	                       restarts, recovers from corruption
	  L3  DiskCache        compressed content-addressed
	                       files + JSON sidecar index

A Get probes the requested tiers in order. A hit at a slower tier is promoted
into every faster tier using each tier's own default TTL. A full miss invokes
the caller's compute function and writes the result to all requested tiers.

# Failure Posture

Storage-layer failures never surface past the Manager: oversized or
unserializable values are skipped with a log line, persistent-store corruption
triggers a backup-and-recreate recovery with a single retry, and any disk-tier
I/O problem is treated as a miss. The only error a caller ever sees from Get
is its own compute function failing.

# Concurrency

Manager-level operations are serialized by a single mutex; each tier also
guards its own internals so background components interacting with a tier
through the Manager cannot corrupt bookkeeping. Compute functions run outside
the manager lock, so by default two concurrent misses on the same key may both
compute. Single-flight de-duplication is available as an opt-in
(ManagerConfig.SingleFlight).
*/
package cache
