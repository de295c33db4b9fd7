// Package router routes OpenAI-compatible requests across stateful LLM
// inference backends.
//
// # Reading Guide
//
// Start with these three files to understand the request path:
//   - server.go: the HTTP front door, from body parse to dispatch
//   - strategy.go: RoutingPolicy and how strategies share their dependencies
//   - queue.go: per-endpoint admission, priority ordering, reroute on timeout
//
// # Architecture
//
// A request flows registry -> strategy -> queue -> dispatcher:
//   - registry.go / probe.go: endpoint membership (static list or watch feed)
//     and health
//   - stats.go / promparse.go: engine metrics polling and the router-observed
//     completion window
//   - session.go, prefix.go, cacheaware.go, disagg.go: the routing strategies
//   - affinity.go / blockhash.go: the prompt-prefix structures behind
//     prefix-affinity and cache-affinity
//   - dispatch.go: the single place outbound calls happen
//
// # Key Interfaces
//
// The extension points are small interfaces:
//   - RoutingPolicy: select a target (or a prefill/decode pair) from the
//     live candidates
//   - Registry: endpoint membership with change notification
//
// Strategies degrade rather than fail when auxiliary information is
// missing: stale engine stats read as unknown, an unreachable cache
// oracle falls back to round-robin. Only an empty candidate set is fatal.
package router
