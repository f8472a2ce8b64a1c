//go:build linux

package memtrack

import (
	"errors"
	"fmt"
	"os"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
)

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go -target $GOARCH -tags linux memtrack ../bpf/memtrack.c

// DefaultObjectPath is where the compiled probe object is installed.
const DefaultObjectPath = "/usr/share/benchpilot/memtrack.bpf.o"

// Config selects the probe object and the instrumented allocator.
type Config struct {
	// ObjectPath overrides the compiled BPF object location.
	ObjectPath string
	// LibCPath overrides allocator discovery.
	LibCPath string
}

// libcProbes maps allocator entry points to the probe programs that
// observe them. Entry probes capture arguments, return probes capture
// the produced pointer; free has no return of interest.
var libcProbes = []struct {
	sym      string
	entry    string
	ret      string
	optional bool
}{
	{sym: "malloc", entry: "enter_malloc", ret: "exit_malloc"},
	{sym: "free", entry: "enter_free"},
	{sym: "calloc", entry: "enter_calloc", ret: "exit_calloc"},
	{sym: "realloc", entry: "enter_realloc", ret: "exit_realloc"},
	{sym: "aligned_alloc", entry: "enter_aligned_alloc", ret: "exit_aligned_alloc", optional: true},
	{sym: "memalign", entry: "enter_memalign", ret: "exit_memalign", optional: true},
}

var tracepoints = []struct {
	group, name, prog string
}{
	{"sched", "sched_process_fork", "handle_fork"},
	{"sched", "sched_process_exec", "handle_exec"},
	{"sched", "sched_process_exit", "handle_exit"},
	{"syscalls", "sys_exit_mmap", "handle_mmap"},
	{"syscalls", "sys_enter_munmap", "handle_munmap"},
	{"syscalls", "sys_exit_brk", "handle_brk"},
}

// Tracker owns the loaded probe collection and its attachments. It
// exposes a narrow surface: mark pids as traced, read the event stream,
// tear everything down.
type Tracker struct {
	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader

	trackedPIDs *ebpf.Map
	hier        *Hierarchy
}

// NewTracker loads the probe object and attaches all probes. Nothing is
// traced until Track is called for a root pid.
func NewTracker(cfg Config) (*Tracker, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("raising memlock limit: %w", err)
	}

	objPath := cfg.ObjectPath
	if objPath == "" {
		objPath = DefaultObjectPath
	}
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return nil, fmt.Errorf("loading probe object %s: %w", objPath, err)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			log.Debugf("verifier log:\n%+v", verr)
		}
		return nil, fmt.Errorf("loading probe collection: %w", err)
	}

	t := &Tracker{coll: coll}
	if t.trackedPIDs = coll.Maps["tracked_pids"]; t.trackedPIDs == nil {
		coll.Close()
		return nil, errors.New("memtrack: probe object lacks tracked_pids map")
	}
	events := coll.Maps["events"]
	if events == nil {
		coll.Close()
		return nil, errors.New("memtrack: probe object lacks events ring buffer")
	}

	if err := t.attach(cfg); err != nil {
		t.Close()
		return nil, err
	}

	if t.reader, err = ringbuf.NewReader(events); err != nil {
		t.Close()
		return nil, fmt.Errorf("opening event ring buffer: %w", err)
	}
	log.Debug("memory probes attached")
	return t, nil
}

func (t *Tracker) attach(cfg Config) error {
	libc, err := findLibC(cfg.LibCPath)
	if err != nil {
		return err
	}
	exe, err := link.OpenExecutable(libc)
	if err != nil {
		return fmt.Errorf("opening allocator %s: %w", libc, err)
	}

	for _, p := range libcProbes {
		prog := t.coll.Programs[p.entry]
		if prog == nil {
			return fmt.Errorf("memtrack: probe object lacks program %s", p.entry)
		}
		l, err := exe.Uprobe(p.sym, prog, nil)
		if err != nil {
			if p.optional {
				log.WithField("symbol", p.sym).WithError(err).Debug("skipping optional allocator probe")
				continue
			}
			return fmt.Errorf("attaching uprobe %s: %w", p.sym, err)
		}
		t.links = append(t.links, l)

		if p.ret == "" {
			continue
		}
		rprog := t.coll.Programs[p.ret]
		if rprog == nil {
			return fmt.Errorf("memtrack: probe object lacks program %s", p.ret)
		}
		rl, err := exe.Uretprobe(p.sym, rprog, nil)
		if err != nil {
			if p.optional {
				log.WithField("symbol", p.sym).WithError(err).Debug("skipping optional allocator return probe")
				continue
			}
			return fmt.Errorf("attaching uretprobe %s: %w", p.sym, err)
		}
		t.links = append(t.links, rl)
	}

	for _, tp := range tracepoints {
		prog := t.coll.Programs[tp.prog]
		if prog == nil {
			return fmt.Errorf("memtrack: probe object lacks program %s", tp.prog)
		}
		l, err := link.Tracepoint(tp.group, tp.name, prog, nil)
		if err != nil {
			return fmt.Errorf("attaching tracepoint %s/%s: %w", tp.group, tp.name, err)
		}
		t.links = append(t.links, l)
	}
	return nil
}

// Track marks pid as a traced family root. The kernel filter propagates
// membership to descendants on fork.
func (t *Tracker) Track(pid int32) error {
	var one uint8 = 1
	if err := t.trackedPIDs.Put(uint32(pid), one); err != nil {
		return fmt.Errorf("marking pid %d as tracked: %w", pid, err)
	}
	if t.hier == nil {
		t.hier = NewHierarchy(pid)
	} else {
		t.hier.Add(pid)
	}
	return nil
}

// Untrack removes pid from the traced set.
func (t *Tracker) Untrack(pid int32) error {
	if err := t.trackedPIDs.Delete(uint32(pid)); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	if t.hier != nil {
		t.hier.Exit(pid)
	}
	return nil
}

// Hierarchy returns the userspace mirror of the traced family. It is nil
// until the first Track call.
func (t *Tracker) Hierarchy() *Hierarchy { return t.hier }

// Close detaches all probes and releases kernel resources. Safe to call
// more than once.
func (t *Tracker) Close() {
	if t.reader != nil {
		t.reader.Close()
		t.reader = nil
	}
	for _, l := range t.links {
		l.Close()
	}
	t.links = nil
	if t.coll != nil {
		t.coll.Close()
		t.coll = nil
	}
}

// wellKnownLibCPaths covers the common distro layouts; the multiarch
// Debian path first since that is the usual CI image.
var wellKnownLibCPaths = []string{
	"/lib/x86_64-linux-gnu/libc.so.6",
	"/usr/lib/x86_64-linux-gnu/libc.so.6",
	"/lib/aarch64-linux-gnu/libc.so.6",
	"/usr/lib/aarch64-linux-gnu/libc.so.6",
	"/usr/lib64/libc.so.6",
	"/lib64/libc.so.6",
	"/usr/lib/libc.so.6",
}

func findLibC(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("allocator library: %w", err)
		}
		return override, nil
	}
	for _, p := range wellKnownLibCPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("memtrack: no libc found in well-known locations")
}
