package procmeta

import (
	"sync"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

// Manager manages process lineage.
// It provides command-query separation for metadata access.
type Manager struct {
	mu            sync.RWMutex
	metadata      map[uint32]*ProcessMetadata // PID -> process metadata
	children      map[uint32][]uint32         // PID -> pids it created
	captureIssues map[uint32][]string         // PID -> list of warnings/issues
}

// NewManager creates a new process metadata manager.
func NewManager() *Manager {
	return &Manager{
		metadata:      make(map[uint32]*ProcessMetadata),
		children:      make(map[uint32][]uint32),
		captureIssues: make(map[uint32][]string),
	}
}

// Get returns a copy of the metadata for a PID (query).
// The second result is false if the PID is unknown.
func (m *Manager) Get(pid uint32) (ProcessMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metadata[pid]
	if !ok {
		return ProcessMetadata{}, false
	}
	return meta.Snapshot(), true
}

// GetIssues retrieves the correlation issues for a PID (query).
// Returns nil if no issues exist for this PID.
func (m *Manager) GetIssues(pid uint32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.captureIssues[pid]...)
}

// Children returns the pids created by pid that have not been deleted (query).
func (m *Manager) Children(pid uint32) []uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]uint32(nil), m.children[pid]...)
}

// Len returns the number of known pids (query).
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.metadata)
}

// RecordCreate links child to the pid that created it (command).
func (m *Manager) RecordCreate(child, parent uint32, timestamp uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.getOrCreateLocked(child)
	if meta.ParentPid != 0 && meta.ParentPid != parent {
		m.removeChildLocked(meta.ParentPid, child)
	}
	meta.ParentPid = parent
	meta.CreatedAt = timestamp
	if child != parent {
		m.children[parent] = append(m.children[parent], child)
	}
}

// RecordStart stores start time, thread group and command name (command).
// It returns false if no create was recorded for pid first.
func (m *Manager) RecordStart(pid, tgid uint32, comm bpf.Comm, timestamp uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.getOrCreateLocked(pid)
	meta.Tgid = tgid
	meta.Comm = comm.String()
	meta.StartedAt = timestamp
	return meta.CreatedAt != 0
}

// RecordEnd stores the exit time (command).
func (m *Manager) RecordEnd(pid uint32, comm bpf.Comm, timestamp uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta := m.getOrCreateLocked(pid)
	if meta.Comm == "" {
		meta.Comm = comm.String()
	}
	meta.EndedAt = timestamp
}

// AddIssue adds a correlation issue for a PID (command).
func (m *Manager) AddIssue(pid uint32, issue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureIssues[pid] = append(m.captureIssues[pid], issue)
}

// Delete removes all data for a PID (command).
// This should be called when a process is joined.
func (m *Manager) Delete(pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if meta, ok := m.metadata[pid]; ok && meta.ParentPid != 0 {
		m.removeChildLocked(meta.ParentPid, pid)
	}
	delete(m.metadata, pid)
	delete(m.captureIssues, pid)
}

// GetOrCreate retrieves a copy of the metadata for a PID, creating it if it doesn't exist (command).
func (m *Manager) GetOrCreate(pid uint32) ProcessMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(pid).Snapshot()
}

func (m *Manager) getOrCreateLocked(pid uint32) *ProcessMetadata {
	if m.metadata[pid] == nil {
		m.metadata[pid] = &ProcessMetadata{Pid: pid}
	}
	return m.metadata[pid]
}

func (m *Manager) removeChildLocked(parent, child uint32) {
	kids := m.children[parent]
	for i, pid := range kids {
		if pid == child {
			kids = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	if len(kids) == 0 {
		delete(m.children, parent)
		return
	}
	m.children[parent] = kids
}
