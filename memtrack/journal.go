package memtrack

import (
	"os"
	"strconv"
	"strings"
	"sync"
)

// ProcessMeta describes one process observed during the run.
type ProcessMeta struct {
	PID       int32  `json:"pid"`
	ParentPID int32  `json:"parent_pid,omitempty"`
	Name      string `json:"name,omitempty"`
	StartTS   uint64 `json:"start_ts,omitempty"`
	StopTS    uint64 `json:"stop_ts,omitempty"`
	ExitCode  *int32 `json:"exit_code,omitempty"`
}

// ProcessTree is the serialized process-execution record of one run: the
// metadata of every observed process plus the parent/child edges.
type ProcessTree struct {
	RootPID   int32                  `json:"root_pid"`
	Processes map[int32]*ProcessMeta `json:"processes"`
	Children  map[int32][]int32      `json:"children"`
}

// Journal folds lifecycle events into a process tree. Unlike the tracked
// set, which only answers membership queries for event filtering, the
// journal keeps names, lifetimes, and exit codes for the bundle.
type Journal struct {
	mu   sync.Mutex
	tree ProcessTree

	// comm resolves a live pid to its short name; swapped in tests.
	comm func(pid int32) string
}

// NewJournal returns an empty journal. The root is set once the target
// process has been spawned.
func NewJournal() *Journal {
	return &Journal{
		tree: ProcessTree{
			Processes: make(map[int32]*ProcessMeta),
			Children:  make(map[int32][]int32),
		},
		comm: procComm,
	}
}

// SetRoot records the target process as the tree root.
func (j *Journal) SetRoot(pid int32) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.tree.RootPID = pid
	if _, ok := j.tree.Processes[pid]; !ok {
		j.tree.Processes[pid] = &ProcessMeta{PID: pid, Name: j.comm(pid)}
	}
}

// Observe folds one lifecycle event into the tree. Allocation events are
// ignored.
func (j *Journal) Observe(ev Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch ev.Kind {
	case EvFork:
		j.tree.Processes[ev.ChildPID] = &ProcessMeta{
			PID:       ev.ChildPID,
			ParentPID: ev.PID,
			StartTS:   ev.Timestamp,
		}
		j.tree.Children[ev.PID] = append(j.tree.Children[ev.PID], ev.ChildPID)
	case EvExec:
		// The pre-exec image is gone; re-resolve the name.
		p := j.process(ev)
		p.Name = j.comm(ev.PID)
	case EvExit:
		p := j.process(ev)
		p.StopTS = ev.Timestamp
		code := ev.ExitCode
		p.ExitCode = &code
	}
}

// process returns the metadata for the event's pid, creating it when the
// process predates tracking.
func (j *Journal) process(ev Event) *ProcessMeta {
	p, ok := j.tree.Processes[ev.PID]
	if !ok {
		p = &ProcessMeta{PID: ev.PID}
		j.tree.Processes[ev.PID] = p
	}
	return p
}

// Tree returns a copy of the current process tree.
func (j *Journal) Tree() ProcessTree {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := ProcessTree{
		RootPID:   j.tree.RootPID,
		Processes: make(map[int32]*ProcessMeta, len(j.tree.Processes)),
		Children:  make(map[int32][]int32, len(j.tree.Children)),
	}
	for pid, p := range j.tree.Processes {
		cp := *p
		out.Processes[pid] = &cp
	}
	for pid, kids := range j.tree.Children {
		out.Children[pid] = append([]int32(nil), kids...)
	}
	return out
}

func procComm(pid int32) string {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(int(pid)) + "/comm")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
