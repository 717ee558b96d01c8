package puzzle

import (
	"fmt"
	"time"

	"github.com/spadina/server/internal/wire"
)

func init() {
	register(&KindInfo{Name: "Clock", New: newClock})
	register(&KindInfo{Name: "Metronome", New: newMetronome})
	register(&KindInfo{Name: "Timer", New: newTimer})
	register(&KindInfo{Name: "Holiday", New: newHoliday})
}

// ── Clock ──────────────────────────────────────────────────────────

// Clock emits Changed(tick) whenever floor((now-shift)/period) mod max
// changes. The tick is computed from wall time rather than counted, so
// a server that was paused resumes on the correct value.
type Clock struct {
	period int32 // seconds
	max    int32
	shift  int64 // seconds
	last   int32 // -1 until primed
}

type clockState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Last     int32
}

func newClock(s Settings) (Piece, error) {
	period, err := s.RequireInt("period")
	if err != nil {
		return nil, err
	}
	if period < 1 {
		return nil, fmt.Errorf("clock: period %d < 1", period)
	}
	max, err := s.RequireInt("max")
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("clock: max %d < 1", max)
	}
	shift, err := s.Int("shift", 0)
	if err != nil {
		return nil, err
	}
	return &Clock{period: period, max: max, shift: int64(shift), last: -1}, nil
}

func (c *Clock) tickAt(now time.Time) int32 {
	elapsed := now.Unix() - c.shift
	tick := elapsed / int64(c.period) % int64(c.max)
	if tick < 0 {
		tick += int64(c.max)
	}
	return int32(tick)
}

func (c *Clock) next(now time.Time) time.Duration {
	elapsed := now.Unix() - c.shift
	rem := int64(c.period) - elapsed%int64(c.period)
	if rem <= 0 {
		rem += int64(c.period)
	}
	return time.Duration(rem) * time.Second
}

func (c *Clock) CommandType(string) (wire.ValueKind, bool) { return 0, false }

func (c *Clock) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (c *Clock) Accept(string, wire.Value, *Context) []Event { return nil }

func (c *Clock) Tick(ctx *Context) []Event {
	ctx.Schedule(c.next(ctx.Now))
	tick := c.tickAt(ctx.Now)
	if tick == c.last {
		return nil
	}
	c.last = tick
	return []Event{{Name: EventChanged, Value: wire.Int(tick)}}
}

func (c *Clock) Prime(ctx *Context) []Event { return c.Tick(ctx) }

func (c *Clock) Snapshot() ([]byte, error) {
	return wire.Marshal(&clockState{Last: c.last})
}

func (c *Clock) Restore(data []byte) error {
	var st clockState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	c.last = st.Last
	return nil
}

// ── Metronome ──────────────────────────────────────────────────────

// Metronome emits an empty Changed pulse every period seconds, driven
// by the realm's timer wheel.
type Metronome struct {
	period int32
}

func newMetronome(s Settings) (Piece, error) {
	period, err := s.RequireInt("period")
	if err != nil {
		return nil, err
	}
	if period < 1 {
		return nil, fmt.Errorf("metronome: period %d < 1", period)
	}
	return &Metronome{period: period}, nil
}

func (m *Metronome) CommandType(string) (wire.ValueKind, bool) { return 0, false }

func (m *Metronome) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindEmpty, true
	}
	return 0, false
}

func (m *Metronome) Accept(string, wire.Value, *Context) []Event { return nil }

func (m *Metronome) Tick(ctx *Context) []Event {
	ctx.Schedule(time.Duration(m.period) * time.Second)
	return []Event{{Name: EventChanged}}
}

func (m *Metronome) Prime(ctx *Context) []Event {
	ctx.Schedule(time.Duration(m.period) * time.Second)
	return nil
}

func (m *Metronome) Snapshot() ([]byte, error) { return []byte{}, nil }
func (m *Metronome) Restore([]byte) error      { return nil }

// ── Timer ──────────────────────────────────────────────────────────

// Timer counts down from a Set value, one step per frequency seconds,
// emitting Changed(n) at every step including the Set itself and the
// final zero. Set clamps to [0, max].
type Timer struct {
	frequency int32
	max       int32
	remaining int32
}

type timerState struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Remaining int32
}

func newTimer(s Settings) (Piece, error) {
	frequency, err := s.Int("frequency", 1)
	if err != nil {
		return nil, err
	}
	if frequency < 1 {
		return nil, fmt.Errorf("timer: frequency %d < 1", frequency)
	}
	max, err := s.RequireInt("max")
	if err != nil {
		return nil, err
	}
	if max < 1 {
		return nil, fmt.Errorf("timer: max %d < 1", max)
	}
	return &Timer{frequency: frequency, max: max}, nil
}

func (t *Timer) CommandType(cmd string) (wire.ValueKind, bool) {
	if cmd == "Set" {
		return wire.KindInt, true
	}
	return 0, false
}

func (t *Timer) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindInt, true
	}
	return 0, false
}

func (t *Timer) Accept(cmd string, v wire.Value, ctx *Context) []Event {
	if cmd != "Set" {
		return nil
	}
	t.remaining = clamp(v.Int, t.max)
	if t.remaining > 0 {
		ctx.Schedule(time.Duration(t.frequency) * time.Second)
	}
	return []Event{{Name: EventChanged, Value: wire.Int(t.remaining)}}
}

func (t *Timer) Tick(ctx *Context) []Event {
	if t.remaining == 0 {
		return nil
	}
	t.remaining--
	if t.remaining > 0 {
		ctx.Schedule(time.Duration(t.frequency) * time.Second)
	}
	return []Event{{Name: EventChanged, Value: wire.Int(t.remaining)}}
}

// Prime restarts the countdown wheel after a journal reload.
func (t *Timer) Prime(ctx *Context) []Event {
	if t.remaining > 0 {
		ctx.Schedule(time.Duration(t.frequency) * time.Second)
	}
	return nil
}

func (t *Timer) Snapshot() ([]byte, error) {
	return wire.Marshal(&timerState{Remaining: t.remaining})
}

func (t *Timer) Restore(data []byte) error {
	var st timerState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	t.remaining = clamp(st.Remaining, t.max)
	return nil
}

// ── Holiday ────────────────────────────────────────────────────────

// HolidayCalendar answers whether a named holiday is in effect at a
// given instant. The data package provides the YAML-backed table.
type HolidayCalendar interface {
	IsHoliday(name string, at time.Time) bool
}

type neverHoliday struct{}

func (neverHoliday) IsHoliday(string, time.Time) bool { return false }

var holidays HolidayCalendar = neverHoliday{}

// SetHolidayCalendar installs the process-wide holiday table. Called
// once at boot before any realm loads.
func SetHolidayCalendar(c HolidayCalendar) { holidays = c }

// Holiday emits Changed(bool) at day boundaries as its named holiday
// comes in and out of effect.
type Holiday struct {
	name string
	last int32 // -1 unknown, else 0/1
}

type holidayState struct {
	_msgpack struct{} `msgpack:",as_array"`
	Last     int32
}

func newHoliday(s Settings) (Piece, error) {
	name, err := s.String("name", "")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("holiday: name missing")
	}
	return &Holiday{name: name, last: -1}, nil
}

func (h *Holiday) CommandType(string) (wire.ValueKind, bool) { return 0, false }

func (h *Holiday) EventType(event string) (wire.ValueKind, bool) {
	if event == EventChanged {
		return wire.KindBool, true
	}
	return 0, false
}

func (h *Holiday) Accept(string, wire.Value, *Context) []Event { return nil }

func (h *Holiday) Tick(ctx *Context) []Event {
	next := ctx.Now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour).Sub(ctx.Now)
	if next <= 0 {
		next = 24 * time.Hour
	}
	ctx.Schedule(next)
	now := int32(0)
	if holidays.IsHoliday(h.name, ctx.Now) {
		now = 1
	}
	if now == h.last {
		return nil
	}
	h.last = now
	return []Event{{Name: EventChanged, Value: wire.Bool(now == 1)}}
}

func (h *Holiday) Prime(ctx *Context) []Event { return h.Tick(ctx) }

func (h *Holiday) Snapshot() ([]byte, error) {
	return wire.Marshal(&holidayState{Last: h.last})
}

func (h *Holiday) Restore(data []byte) error {
	var st holidayState
	if err := wire.Unmarshal(data, &st); err != nil {
		return err
	}
	h.last = st.Last
	return nil
}
