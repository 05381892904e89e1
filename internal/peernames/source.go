package peernames

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ProcSource reads a process's environment values and arguments from procfs.
type ProcSource struct {
	// Root is the procfs mount point; empty means /proc.
	Root string
}

// Strings returns the command-line arguments followed by the environment values.
func (s ProcSource) Strings(pid uint32) ([]string, error) {
	args, err := s.read(pid, "cmdline")
	if err != nil {
		return nil, err
	}
	environ, err := s.read(pid, "environ")
	if err != nil {
		return args, err
	}

	out := args
	for _, kv := range environ {
		if _, value, ok := bytes.Cut([]byte(kv), []byte("=")); ok && len(value) > 0 {
			out = append(out, string(value))
		}
	}
	return out, nil
}

// read splits a NUL-separated procfs file, skipping empty entries.
func (s ProcSource) read(pid uint32, name string) ([]string, error) {
	root := s.Root
	if root == "" {
		root = "/proc"
	}
	path := filepath.Join(root, strconv.FormatUint(uint64(pid), 10), name)
	//nolint:gosec // Reading from /proc is necessary for process metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var out []string
	for _, field := range bytes.Split(data, []byte{0}) {
		if len(field) > 0 {
			out = append(out, string(field))
		}
	}
	return out, nil
}
