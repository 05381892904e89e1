// Package procmeta keeps the lineage of traced processes on the consumer side.
//
// ProcessMetadata holds what the event stream has told us about one pid: who
// created it, its command name and when it was created, started and ended.
//
// Manager provides command-query separation:
//
// Queries (read-only):
//   - Get(pid) - Retrieve metadata
//   - GetIssues(pid) - Retrieve correlation warnings
//   - Children(pid) - Pids created by pid
//
// Commands (mutations):
//   - RecordCreate(child, parent, ts) - Link a child to its creator
//   - RecordStart/RecordEnd(pid, ...) - Lifecycle timestamps
//   - AddIssue(pid, issue) - Add correlation warning
//   - Delete(pid) - Forget a joined process
//   - GetOrCreate(pid) - Atomic get-or-create
//
// Thread-safe with RWMutex for concurrent access.
package procmeta
