// Package output provides formatters for converting processed events into output formats.
//
// Both formatters implement eventprocessor.ProcessEventHandler and
// eventprocessor.SocketEventHandler.
//
// LogFormatter writes one structured zap entry per event.
//
// OTELFormatter builds OpenTelemetry spans:
//   - One span per process, from ProcessStart to ProcessEnd, parented on the
//     span of the process that created it
//   - Short client/server spans for SocketConnect and SocketAccept
//   - Span events for send, receive, create, join and durable writes
//
// It does NOT:
//   - Decode raw records
//   - Maintain process lineage
//
// Those are delegated to specialized packages:
//   - timesync: Monotonic timestamp conversion
//   - attributes: Expression evaluation
//   - procmeta: Lineage storage and retrieval
package output
