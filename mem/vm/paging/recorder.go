package paging

import (
	"sync"

	"github.com/sarchlab/vmswap/datarecording"
	"github.com/sarchlab/vmswap/sim"
)

// EventTable is the table that an EventRecorder writes to.
const EventTable = "paging_events"

// EventEntry is one row of the event table.
type EventEntry struct {
	Seq   uint64
	Space string
	PID   uint32
	Kind  string
	VAddr uint64
	Frame uint64
	Slot  int
	Cause string
}

// An EventRecorder is a hook that stores the events of address spaces with
// a DataRecorder.
type EventRecorder struct {
	sync.Mutex

	recorder datarecording.DataRecorder
	seq      uint64
}

// NewEventRecorder creates the event table and returns the hook.
func NewEventRecorder(recorder datarecording.DataRecorder) *EventRecorder {
	recorder.CreateTable(EventTable, EventEntry{})

	return &EventRecorder{recorder: recorder}
}

// Func records one event.
func (r *EventRecorder) Func(ctx sim.HookCtx) {
	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	r.Lock()
	defer r.Unlock()

	r.seq++
	r.recorder.InsertData(EventTable, EventEntry{
		Seq:   r.seq,
		Space: evt.Space,
		PID:   uint32(evt.PID),
		Kind:  ctx.Pos.Name,
		VAddr: evt.VAddr,
		Frame: uint64(evt.Frame),
		Slot:  evt.Slot,
		Cause: evt.Cause,
	})
}

// Flush writes the buffered events.
func (r *EventRecorder) Flush() {
	r.Lock()
	defer r.Unlock()

	r.recorder.Flush()
}
