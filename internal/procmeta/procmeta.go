package procmeta

// ProcessMetadata holds the lineage of one pid as seen in the event stream.
// Timestamps are monotonic nanoseconds; zero means not observed.
type ProcessMetadata struct {
	Pid       uint32
	Tgid      uint32
	ParentPid uint32
	Comm      string
	CreatedAt uint64
	StartedAt uint64
	EndedAt   uint64
}

// Snapshot returns a copy safe to read without holding the manager lock.
func (m *ProcessMetadata) Snapshot() ProcessMetadata {
	return *m
}

// Exited reports whether a ProcessEnd has been seen.
func (m *ProcessMetadata) Exited() bool {
	return m.EndedAt != 0
}
