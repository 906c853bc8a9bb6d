// Package satbridge bridges a satellite IoT ground station to a
// NATS-based telemetry platform.
//
// # Architecture
//
// The bridge sits between two worlds. On one side, a ground station
// delivers queued uplink payloads (hex-encoded packets from
// battery-powered satellite terminals) and accepts downlink control
// frames of at most twenty bytes. On the other, a telemetry platform
// consumes structured JSON events and issues method invocations
// against individual terminals.
//
// Three pieces do the translation:
//
//   - Formatter cache (package formatter): compiles per-terminal
//     payload formatters from JSON descriptors stored in object-store
//     buckets, one bucket per direction. Compiled formatters are
//     memoized forever; load and compile failures never are, so a
//     fixed descriptor is picked up on the next request.
//
//   - Connection cache (package conncache): builds one gateway
//     connection per terminal on first sight, snapshotting registry
//     attributes and resolving formatter bindings. Concurrent
//     requests for the same terminal collapse to a single build.
//
//   - Dispatchers (packages uplink, downlink): the uplink dispatcher
//     consumes queued payloads from a JetStream stream, evaluates the
//     terminal's formatter, enriches the event with batch metadata,
//     and publishes it through the terminal's connection; failures
//     propagate so the stream redelivers. The downlink dispatcher
//     turns method requests into validated frames sent through the
//     terminal registry; every outcome becomes a structured response.
//
// Supporting packages: intake (HTTP webhook that enqueues payloads),
// registry (terminal registry REST client), gateway (broker
// connections and provisioning), config, errors, health, metric,
// natsclient, service, and pkg/cache, pkg/retry.
//
// The satbridge binary under cmd/satbridge wires everything together;
// cmd/fmtharness exercises formatter descriptors standalone.
package satbridge
