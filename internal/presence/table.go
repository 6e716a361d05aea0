// Package presence keeps the last known state of every vessel seen on the network.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ais-virtualnet/backend/internal/models"
)

// DefaultTTL is how long a target stays alive without new reports.
const DefaultTTL = 10 * time.Minute

// Entry is a point-in-time copy of one target.
type Entry struct {
	MMSI     uint32
	Name     string
	Position *models.Position
	LastSeen time.Time
}

// IsAlive reports whether the entry was refreshed within ttl of now.
func (e Entry) IsAlive(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastSeen) < ttl
}

// Message converts the entry to its wire representation.
func (e Entry) Message() models.TargetTableEntry {
	msg := models.TargetTableEntry{
		MMSI:        e.MMSI,
		Name:        e.Name,
		LastMessage: e.LastSeen.UnixMilli(),
	}
	if e.Position != nil {
		lat, lon := e.Position.Lat, e.Position.Lon
		msg.Lat, msg.Lon = &lat, &lon
	}
	return msg
}

type entry struct {
	mu       sync.Mutex
	mmsi     uint32
	name     string
	pos      *models.Position
	lastSeen time.Time
	removed  bool // set by Sweep before the map slot is deleted
}

func (e *entry) snapshot() Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Entry{MMSI: e.mmsi, Name: e.name, LastSeen: e.lastSeen}
	if e.pos != nil {
		p := *e.pos
		out.Position = &p
	}
	return out
}

// Table is a concurrent map from MMSI to last known state. Each entry has its
// own lock, so updates for different vessels never contend.
type Table struct {
	entries sync.Map // uint32 -> *entry
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, used by tests to move time forward.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		t.now = now
	}
}

// NewTable creates an empty table.
func NewTable(opts ...Option) *Table {
	t := &Table{
		ttl: DefaultTTL,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Update records a report. Only position and static reports touch the table;
// anything else is ignored. A report only overwrites the fields it carries.
func (t *Table) Update(report *models.VesselReport) {
	if report == nil || !report.Kind.Tracked() {
		return
	}
	name := TrimName(report.Name)
	for {
		e := t.loadOrCreate(report.MMSI)
		e.mu.Lock()
		if e.removed {
			// Lost a race with Sweep; the slot is gone or about to be.
			e.mu.Unlock()
			continue
		}
		if now := t.now(); now.After(e.lastSeen) {
			e.lastSeen = now
		}
		if report.Position != nil {
			p := *report.Position
			e.pos = &p
		}
		if name != "" {
			e.name = name
		}
		e.mu.Unlock()
		return
	}
}

func (t *Table) loadOrCreate(mmsi uint32) *entry {
	if v, ok := t.entries.Load(mmsi); ok {
		return v.(*entry)
	}
	v, _ := t.entries.LoadOrStore(mmsi, &entry{mmsi: mmsi})
	return v.(*entry)
}

// All returns every entry, alive or not, ordered by MMSI.
func (t *Table) All() []Entry {
	return t.collect(false)
}

// Alive returns the entries refreshed within the table TTL, ordered by MMSI.
func (t *Table) Alive() []Entry {
	return t.collect(true)
}

func (t *Table) collect(aliveOnly bool) []Entry {
	now := t.now()
	var out []Entry
	t.entries.Range(func(_, v any) bool {
		e := v.(*entry).snapshot()
		if !aliveOnly || e.IsAlive(now, t.ttl) {
			out = append(out, e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MMSI < out[j].MMSI })
	return out
}

// Get returns the entry for mmsi, alive or not.
func (t *Table) Get(mmsi uint32) (Entry, bool) {
	v, ok := t.entries.Load(mmsi)
	if !ok {
		return Entry{}, false
	}
	return v.(*entry).snapshot(), true
}

// Exists reports whether mmsi has an alive entry.
func (t *Table) Exists(mmsi uint32) bool {
	e, ok := t.Get(mmsi)
	return ok && e.IsAlive(t.now(), t.ttl)
}

// Len returns the number of entries, alive or not.
func (t *Table) Len() int {
	n := 0
	t.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Sweep removes every entry that is no longer alive and returns how many were
// removed. Liveness is re-checked under the entry lock, so an entry refreshed
// while the sweep runs survives.
func (t *Table) Sweep() int {
	now := t.now()
	removed := 0
	t.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if now.Sub(e.lastSeen) < t.ttl {
			e.mu.Unlock()
			return true
		}
		e.removed = true
		e.mu.Unlock()
		if t.entries.CompareAndDelete(k, e) {
			removed++
		}
		return true
	})
	return removed
}

// Message returns the wire form of the alive entries.
func (t *Table) Message() models.TargetTableMessage {
	alive := t.Alive()
	msg := models.TargetTableMessage{Targets: make([]models.TargetTableEntry, 0, len(alive))}
	for _, e := range alive {
		msg.Targets = append(msg.Targets, e.Message())
	}
	return msg
}

// TrimName strips the '@' padding and surrounding blanks of an AIS text field.
func TrimName(name string) string {
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}
