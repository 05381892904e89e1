// Package attributes provides expression evaluation and validation for custom
// attributes, trace IDs, and parent span IDs.
//
// Expressions are written in the expr language and evaluated against a Subject:
// the event that triggered evaluation plus the lineage of its process. The
// variables are kind, pid, tgid, comm, timestamp, parent_pid, child_pid, bytes,
// family, local_ip, local_port, peer_ip and peer_port.
//
// Three evaluators:
//   - Evaluator: Evaluates custom attribute expressions
//   - TraceIDEvaluator: Evaluates and validates trace ID expressions (32 hex chars)
//   - ParentIDEvaluator: Evaluates and validates parent span ID expressions (16 hex chars)
//
// Invalid trace IDs are automatically hashed with SHA-256 to produce valid IDs.
// Invalid parent IDs result in a null parent (zero span ID).
package attributes
