// Package observability collects runtime counters and the audit trail.
// Hot-path increments are atomic; the telemetry worker folds them into a
// snapshot on its own tick so readers never contend with dispatch.
package observability

import (
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// EventCount is one entry of the per-type inbound breakdown.
type EventCount struct {
	Type  string `json:"type"`
	Count uint64 `json:"count"`
}

// Snapshot aggregates everything /statsz and the telemetry log expose.
type Snapshot struct {
	EventsInRate  float64 `json:"events_in_per_s"`
	EventsOutRate float64 `json:"events_out_per_s"`
	EventsIn      uint64  `json:"events_in"`
	EventsOut     uint64  `json:"events_out"`
	Dropped       uint64  `json:"dropped"`
	Errors        uint64  `json:"errors"`
	BusPublished  uint64  `json:"bus_published"`
	BusReceived   uint64  `json:"bus_received"`
	BusErrors     uint64  `json:"bus_errors"`
	ReplayServed  uint64  `json:"replay_served"`

	Reconnections     uint64 `json:"reconnections"`
	Evictions         uint64 `json:"evictions"`
	CommandsStarted   uint64 `json:"commands_started"`
	CommandsCompleted uint64 `json:"commands_completed"`
	CommandsFailed    uint64 `json:"commands_failed"`

	Connections int64 `json:"connections"`
	Users       int   `json:"users"`
	Channels    int   `json:"channels"`

	AllocMemMb   uint64  `json:"alloc_mem_mb"`
	NumGC        uint32  `json:"num_gc"`
	Goroutines   int     `json:"goroutines"`
	ProcessRSSMb uint64  `json:"process_rss_mb"`
	ProcessCPU   float64 `json:"process_cpu_pct"`
	ProcessState string  `json:"process_state"`

	TopEvents []EventCount `json:"top_events"`
	At        time.Time    `json:"at"`
}

const topEventsKept = 10

// Metrics is the process-wide counter set. One instance per node, shared
// by the router, the fanout worker, the bus and the replay buffer.
type Metrics struct {
	log         *slog.Logger
	mu          sync.RWMutex
	latest      Snapshot
	lastFlush   time.Time
	perType     sync.Map // event type -> *uint64

	eventsIn      uint64
	eventsOut     uint64
	dropped       uint64
	errorCount    uint64
	busPublished  uint64
	busReceived   uint64
	busErrors     uint64
	replayServed  uint64
	eventsInTick  uint64
	eventsOutTick uint64

	reconnections     uint64
	evictions         uint64
	commandsStarted   uint64
	commandsCompleted uint64
	commandsFailed    uint64

	connections atomic.Int64
	users       atomic.Int64
	channels    atomic.Int64

	processRSSMb atomic.Uint64
	processCPU   atomic.Uint64 // bits of a float64
	processState atomic.Value  // string
}

func NewMetrics(log *slog.Logger) *Metrics {
	m := &Metrics{log: log, lastFlush: time.Now()}
	m.processState.Store("")
	return m
}

func (m *Metrics) IncEventsIn(eventType string) {
	atomic.AddUint64(&m.eventsIn, 1)
	atomic.AddUint64(&m.eventsInTick, 1)
	c, _ := m.perType.LoadOrStore(eventType, new(uint64))
	atomic.AddUint64(c.(*uint64), 1)
}

func (m *Metrics) IncEventsOut(n uint64) {
	atomic.AddUint64(&m.eventsOut, n)
	atomic.AddUint64(&m.eventsOutTick, n)
}

func (m *Metrics) IncDropped() {
	atomic.AddUint64(&m.dropped, 1)
}

func (m *Metrics) IncErrors() {
	atomic.AddUint64(&m.errorCount, 1)
}

func (m *Metrics) IncBusPublished() {
	atomic.AddUint64(&m.busPublished, 1)
}

func (m *Metrics) IncBusReceived() {
	atomic.AddUint64(&m.busReceived, 1)
}

func (m *Metrics) IncBusErrors() {
	atomic.AddUint64(&m.busErrors, 1)
}

func (m *Metrics) IncReplayServed(n uint64) {
	atomic.AddUint64(&m.replayServed, n)
}

func (m *Metrics) IncReconnections() {
	atomic.AddUint64(&m.reconnections, 1)
}

func (m *Metrics) IncEvictions() {
	atomic.AddUint64(&m.evictions, 1)
}

func (m *Metrics) IncCommandsStarted() {
	atomic.AddUint64(&m.commandsStarted, 1)
}

func (m *Metrics) IncCommandsCompleted() {
	atomic.AddUint64(&m.commandsCompleted, 1)
}

func (m *Metrics) IncCommandsFailed() {
	atomic.AddUint64(&m.commandsFailed, 1)
}

// SetGauges overwrites the population gauges. The telemetry worker reads
// them from the registry and rooms right before Flush.
func (m *Metrics) SetGauges(connections int64, users, channels int) {
	m.connections.Store(connections)
	m.users.Store(int64(users))
	m.channels.Store(int64(channels))
}

// SetProcess records what gopsutil reported for this process.
func (m *Metrics) SetProcess(rssMb uint64, cpuPct float64, state string) {
	m.processRSSMb.Store(rssMb)
	m.processCPU.Store(math.Float64bits(cpuPct))
	m.processState.Store(state)
}

// Flush folds the counters into a fresh snapshot and computes the rates
// since the previous flush. Called from the telemetry worker tick.
func (m *Metrics) Flush() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(m.lastFlush).Seconds()
	if elapsed > 0 {
		in := atomic.SwapUint64(&m.eventsInTick, 0)
		out := atomic.SwapUint64(&m.eventsOutTick, 0)
		m.latest.EventsInRate = float64(in) / elapsed
		m.latest.EventsOutRate = float64(out) / elapsed
	}
	m.lastFlush = now

	m.latest.EventsIn = atomic.LoadUint64(&m.eventsIn)
	m.latest.EventsOut = atomic.LoadUint64(&m.eventsOut)
	m.latest.Dropped = atomic.LoadUint64(&m.dropped)
	m.latest.Errors = atomic.LoadUint64(&m.errorCount)
	m.latest.BusPublished = atomic.LoadUint64(&m.busPublished)
	m.latest.BusReceived = atomic.LoadUint64(&m.busReceived)
	m.latest.BusErrors = atomic.LoadUint64(&m.busErrors)
	m.latest.ReplayServed = atomic.LoadUint64(&m.replayServed)
	m.latest.Reconnections = atomic.LoadUint64(&m.reconnections)
	m.latest.Evictions = atomic.LoadUint64(&m.evictions)
	m.latest.CommandsStarted = atomic.LoadUint64(&m.commandsStarted)
	m.latest.CommandsCompleted = atomic.LoadUint64(&m.commandsCompleted)
	m.latest.CommandsFailed = atomic.LoadUint64(&m.commandsFailed)

	m.latest.Connections = m.connections.Load()
	m.latest.Users = int(m.users.Load())
	m.latest.Channels = int(m.channels.Load())

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.latest.AllocMemMb = ms.Alloc / 1024 / 1024
	m.latest.NumGC = ms.NumGC
	m.latest.Goroutines = runtime.NumGoroutine()

	m.latest.ProcessRSSMb = m.processRSSMb.Load()
	m.latest.ProcessCPU = math.Float64frombits(m.processCPU.Load())
	m.latest.ProcessState, _ = m.processState.Load().(string)

	m.latest.TopEvents = m.topEvents()
	m.latest.At = now
	return m.latest
}

// Latest returns the last flushed snapshot without recomputing anything.
func (m *Metrics) Latest() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

func (m *Metrics) topEvents() []EventCount {
	counts := make([]EventCount, 0, topEventsKept)
	m.perType.Range(func(key, value any) bool {
		counts = append(counts, EventCount{
			Type:  key.(string),
			Count: atomic.LoadUint64(value.(*uint64)),
		})
		return true
	})
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Count != counts[j].Count {
			return counts[i].Count > counts[j].Count
		}
		return counts[i].Type < counts[j].Type
	})
	if len(counts) > topEventsKept {
		counts = counts[:topEventsKept]
	}
	return counts
}
