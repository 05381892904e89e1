package procmeta

import (
	"testing"

	"github.com/mrzor/activity-tracer/internal/bpf"
)

func TestManager_CreateStartEnd(t *testing.T) {
	m := NewManager()

	m.RecordCreate(11, 10, 1000)
	if ok := m.RecordStart(11, 11, bpf.MakeComm("python"), 1001); !ok {
		t.Error("RecordStart() = false, want true after create")
	}
	m.RecordEnd(11, bpf.MakeComm("python"), 5000)

	got, ok := m.Get(11)
	if !ok {
		t.Fatal("Get() returned not found")
	}

	want := ProcessMetadata{
		Pid:       11,
		Tgid:      11,
		ParentPid: 10,
		Comm:      "python",
		CreatedAt: 1000,
		StartedAt: 1001,
		EndedAt:   5000,
	}
	if got != want {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if !got.Exited() {
		t.Error("Exited() = false after RecordEnd")
	}
}

func TestManager_GetNonExistent(t *testing.T) {
	m := NewManager()

	if _, ok := m.Get(9999); ok {
		t.Error("Expected not found for non-existent PID")
	}
}

func TestManager_StartWithoutCreate(t *testing.T) {
	m := NewManager()

	if ok := m.RecordStart(50, 50, bpf.MakeComm("late"), 10); ok {
		t.Error("RecordStart() = true without a prior create")
	}
}

func TestManager_Children(t *testing.T) {
	m := NewManager()

	m.RecordCreate(11, 10, 1)
	m.RecordCreate(12, 10, 2)
	m.RecordCreate(10, 10, 3) // exec in place does not make a pid its own child

	kids := m.Children(10)
	if len(kids) != 2 || kids[0] != 11 || kids[1] != 12 {
		t.Errorf("Children(10) = %v, want [11 12]", kids)
	}

	m.Delete(11)
	kids = m.Children(10)
	if len(kids) != 1 || kids[0] != 12 {
		t.Errorf("Children(10) after delete = %v, want [12]", kids)
	}

	m.Delete(12)
	if kids := m.Children(10); kids != nil {
		t.Errorf("Children(10) = %v, want nil", kids)
	}
}

func TestManager_Issues(t *testing.T) {
	m := NewManager()

	m.AddIssue(1234, "issue 1")
	m.AddIssue(1234, "issue 2")

	issues := m.GetIssues(1234)
	if len(issues) != 2 {
		t.Fatalf("GetIssues() length = %d, want 2", len(issues))
	}
	if issues[0] != "issue 1" || issues[1] != "issue 2" {
		t.Errorf("GetIssues() = %v, want [issue 1, issue 2]", issues)
	}

	m.Delete(1234)
	if issues := m.GetIssues(1234); issues != nil {
		t.Errorf("GetIssues() after delete = %v, want nil", issues)
	}
}

func TestManager_GetOrCreate(t *testing.T) {
	m := NewManager()

	first := m.GetOrCreate(7)
	if first.Pid != 7 {
		t.Errorf("GetOrCreate().Pid = %d, want 7", first.Pid)
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	m.GetOrCreate(7)
	if m.Len() != 1 {
		t.Errorf("Len() after second GetOrCreate = %d, want 1", m.Len())
	}
}
