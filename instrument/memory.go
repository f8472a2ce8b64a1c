//go:build linux

package instrument

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"benchpilot.dev/benchpilot/memtrack"
)

// MemoryInstrument measures allocation behavior: kernel probes stream
// allocation events for the target's process family, the run loop folds
// them into a per-round live-allocation table.
type MemoryInstrument struct {
	core

	tracker *memtrack.Tracker
	poller  *memtrack.Poller
	exec    *execution

	mu       sync.Mutex
	table    *memtrack.LiveTable
	perRound map[string][]MemoryFigures
	journal  *memtrack.Journal
	eventLog *os.File

	scratch     string
	pollStop    context.CancelFunc
	pollDone    chan struct{}
	consumeDone chan struct{}
	childErr    error
	lostEvents  uint64
}

// NewMemory returns an idle memory instrument for one invocation.
func NewMemory(ectx *ExecutionContext) *MemoryInstrument {
	return &MemoryInstrument{
		core:     core{state: StateIdle, kind: KindMemory, ectx: ectx},
		perRound: make(map[string][]MemoryFigures),
	}
}

// Setup loads the probe object and attaches the allocator probes.
func (m *MemoryInstrument) Setup(ctx context.Context) error {
	if err := m.advance(StateSetup); err != nil {
		return err
	}
	t, err := memtrack.NewTracker(memtrack.Config{ObjectPath: m.ectx.ProbeObjectPath})
	if err != nil {
		return m.fail(err)
	}
	m.tracker = t
	return nil
}

// Run arms the control channel, launches the target, and folds the
// event stream into per-round figures as boundaries arrive.
func (m *MemoryInstrument) Run(ctx context.Context) error {
	if err := m.advance(StateArmed); err != nil {
		return err
	}
	var err error
	if m.exec, err = arm(m.ectx); err != nil {
		return m.fail(err)
	}

	if m.scratch, err = os.MkdirTemp(m.ectx.OutputDir, "memtrack-"); err != nil {
		return m.fail(err)
	}
	if m.eventLog, err = os.Create(filepath.Join(m.scratch, "events.jsonl")); err != nil {
		return m.fail(err)
	}

	m.exec.rec.onCurrent = func(pid int32, uri string) error {
		return m.tracker.Track(pid)
	}
	m.exec.rec.onStart = func(uint64) error {
		m.mu.Lock()
		m.table = memtrack.NewLiveTable()
		m.mu.Unlock()
		return nil
	}
	m.exec.rec.onStop = func(uint64) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.table == nil {
			return nil
		}
		uri := m.exec.rec.CurrentURI()
		if uri == "" {
			uri = "unnamed"
		}
		m.perRound[uri] = append(m.perRound[uri], MemoryFigures{
			PeakBytes:    m.table.PeakBytes(),
			EndLiveBytes: m.table.LeakedBytes(),
			AllocCount:   m.table.AllocCount(),
			FreeCount:    m.table.FreeCount(),
		})
		m.table = nil
		return nil
	}

	m.journal = memtrack.NewJournal()
	m.poller = memtrack.NewPoller(m.tracker)
	pollCtx, cancel := context.WithCancel(context.Background())
	m.pollStop = cancel
	m.pollDone = make(chan struct{})
	m.consumeDone = make(chan struct{})
	go func() {
		defer close(m.pollDone)
		if err := m.poller.Run(pollCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("event poller stopped early")
		}
	}()
	go m.consume()

	argv := m.ectx.wrapTarget(m.ectx.Command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = m.ectx.WorkingDir
	cmd.Env = m.exec.childEnv()
	cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr

	if err := m.advance(StateRunning); err != nil {
		return err
	}
	if err := m.exec.start(cmd); err != nil {
		m.stopPolling()
		m.exec.cleanup()
		return m.fail(err)
	}
	if err := m.tracker.Track(int32(cmd.Process.Pid)); err != nil {
		log.WithError(err).Warn("cannot mark target pid as tracked")
	}
	m.journal.SetRoot(int32(cmd.Process.Pid))

	runErr := m.exec.serve(ctx)

	if err := m.advance(StateDraining); err != nil {
		return err
	}
	m.exec.drain(ctx)
	m.childErr = m.exec.awaitChild(runErr != nil)
	m.stopPolling()
	m.exec.cleanup()

	if runErr != nil {
		return m.fail(runErr)
	}
	if m.childErr != nil {
		return m.fail(fmt.Errorf("target: %w", m.childErr))
	}
	return nil
}

// consume applies every decoded event and appends it to the streaming
// log, so callers can follow allocations without waiting for exit.
func (m *MemoryInstrument) consume() {
	defer close(m.consumeDone)
	enc := json.NewEncoder(m.eventLog)
	for ev := range m.poller.Events() {
		if ev.Kind.IsAllocation() {
			m.mu.Lock()
			if m.table != nil {
				m.table.Apply(ev)
			}
			m.mu.Unlock()
		} else {
			m.journal.Observe(ev)
		}
		if err := enc.Encode(eventRecord(ev)); err != nil {
			m.lostEvents++
		}
	}
}

func (m *MemoryInstrument) stopPolling() {
	if m.pollStop != nil {
		m.pollStop()
		<-m.pollDone
		<-m.consumeDone
		m.pollStop = nil
	}
}

// Collect reduces the per-round figures and seals the bundle.
func (m *MemoryInstrument) Collect(ctx context.Context) (*RunResult, error) {
	if err := m.advance(StateFinalizing); err != nil {
		return nil, err
	}

	order, rounds := m.exec.rec.Rounds()
	// Timing reduction validates the round structure and the empty-result
	// policy; the published measurement is the memory figures.
	if _, err := reduceRounds(order, rounds, m.ectx.WarmupRounds, m.ectx.AllowEmpty); err != nil {
		return nil, m.fail(err)
	}

	var results []BenchmarkResult
	for _, uri := range order {
		figs := m.perRound[uri]
		if m.ectx.WarmupRounds < len(figs) {
			figs = figs[m.ectx.WarmupRounds:]
		} else {
			figs = nil
		}
		if len(figs) == 0 {
			continue
		}
		total := MemoryFigures{}
		for _, f := range figs {
			if f.PeakBytes > total.PeakBytes {
				total.PeakBytes = f.PeakBytes
			}
			total.EndLiveBytes += f.EndLiveBytes
			total.AllocCount += f.AllocCount
			total.FreeCount += f.FreeCount
		}
		results = append(results, BenchmarkResult{URI: uri, Memory: &total})
	}

	res := &RunResult{Instrument: m.kind.String(), Results: results}
	if m.exec.sess != nil {
		res.IntegrationName = m.exec.sess.IntegrationName
		res.IntegrationVersion = m.exec.sess.IntegrationVersion
	}

	bundle, err := NewBundle(m.ectx.OutputDir)
	if err != nil {
		return nil, m.fail(err)
	}
	logPath := m.eventLog.Name()
	if err := m.eventLog.Close(); err != nil {
		log.WithError(err).Warn("closing event log")
	}
	if err := bundle.AddFile("events.jsonl", logPath); err != nil {
		return nil, m.fail(err)
	}
	os.RemoveAll(m.scratch)
	m.scratch = ""
	if m.journal != nil {
		if err := bundle.WriteJSON("processes.json", m.journal.Tree()); err != nil {
			return nil, m.fail(err)
		}
	}
	if err := bundle.WriteJSON("results.json", res); err != nil {
		return nil, m.fail(err)
	}
	if err := bundle.Finalize(); err != nil {
		return nil, m.fail(err)
	}
	res.BundlePath = bundle.Path

	if malformed := m.poller.Malformed(); malformed > 0 || m.lostEvents > 0 {
		// Dropped events degrade figures, not run validity.
		log.WithField("malformed", malformed).WithField("lost", m.lostEvents).
			Warn("some allocation events were dropped")
	}

	if err := m.advance(StateDone); err != nil {
		return nil, err
	}
	return res, nil
}

// Teardown detaches the probes and removes anything the run left behind.
func (m *MemoryInstrument) Teardown() error {
	m.stopPolling()
	if m.exec != nil {
		_ = m.exec.awaitChild(true)
		m.exec.cleanup()
	}
	if m.tracker != nil {
		m.tracker.Close()
		m.tracker = nil
	}
	if m.eventLog != nil {
		m.eventLog.Close()
		m.eventLog = nil
	}
	if m.scratch != "" {
		os.RemoveAll(m.scratch)
		m.scratch = ""
	}
	return nil
}

// eventRecord is the streaming log line for one event.
func eventRecord(ev memtrack.Event) map[string]any {
	rec := map[string]any{
		"kind": ev.Kind.String(),
		"ts":   ev.Timestamp,
		"pid":  ev.PID,
	}
	if ev.Kind.IsAllocation() {
		rec["addr"] = ev.Addr
		if ev.Size > 0 {
			rec["size"] = ev.Size
		}
		if ev.OldAddr != 0 {
			rec["old_addr"] = ev.OldAddr
		}
	}
	return rec
}
