// Package internal contains the core implementation packages for reservoir.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - cache: Byte-bounded LRU cache with TTLs and snappy compression
//   - executor: Bounded task executor with per-task status and timeouts
//   - batch: Aggregator that groups single calls into batched handler calls
//   - dbpool: SQLite connection pool with leases, reclamation and slow query logging
//   - hub: Filtered event fan-out with per-subscriber queues and websockets
//   - events: Event store built from the components above
//   - stats: Sliding latency windows shared by every component
//   - errors: Error kinds shared by every component
//   - config, logging, metrics, monitoring: Ambient concerns
//   - di: Wires the components together and owns their lifecycle
//   - server: HTTP API in front of the container
//
// # Inter-Package Communication
//
//   - events appends through the batch aggregator, which writes a
//     transaction through dbpool and then publishes to the hub
//   - events reads go through the cache, falling back to dbpool
//   - event pruning runs as an executor task
//   - metrics and monitoring read only Stats snapshots
//
// For detailed documentation, see the individual package documentation.
package internal
