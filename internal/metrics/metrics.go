// Package metrics accumulates daemon-wide diagnostic counters, the
// usbexecd analogue of kcp-go's Snmp struct: a fixed set of atomic
// counters paired with a Header/ToSlice contract so a snapshot can be
// rendered as a single log line without a formatting string per field.
package metrics

import (
	"strconv"
	"sync/atomic"
)

// Metrics is safe for concurrent use; every field is only ever touched
// through its Inc/Add method.
type Metrics struct {
	slotsOpened    uint64
	slotsClosed    uint64
	killsSent      uint64
	framesSent     uint64
	framesReceived uint64
	bytesToChild   uint64
	bytesFromChild uint64
	fatalErrors    uint64
}

// Default is the process-wide instance. usbexecd serves exactly one
// peer connection per process, so a single package-level counter set
// needs no per-connection scoping — the same shape as kcp-go's
// package-level DefaultSnmp.
var Default = &Metrics{}

func (m *Metrics) IncSlotsOpened()    { atomic.AddUint64(&m.slotsOpened, 1) }
func (m *Metrics) IncSlotsClosed()    { atomic.AddUint64(&m.slotsClosed, 1) }
func (m *Metrics) IncKillsSent()      { atomic.AddUint64(&m.killsSent, 1) }
func (m *Metrics) IncFramesSent()     { atomic.AddUint64(&m.framesSent, 1) }
func (m *Metrics) IncFramesReceived() { atomic.AddUint64(&m.framesReceived, 1) }
func (m *Metrics) IncFatalErrors()    { atomic.AddUint64(&m.fatalErrors, 1) }

func (m *Metrics) AddBytesToChild(n int) {
	if n > 0 {
		atomic.AddUint64(&m.bytesToChild, uint64(n))
	}
}

func (m *Metrics) AddBytesFromChild(n int) {
	if n > 0 {
		atomic.AddUint64(&m.bytesFromChild, uint64(n))
	}
}

// Header names each counter in the order ToSlice emits its values.
func (m *Metrics) Header() []string {
	return []string{
		"SlotsOpened", "SlotsClosed", "KillsSent",
		"FramesSent", "FramesReceived",
		"BytesToChild", "BytesFromChild", "FatalErrors",
	}
}

// ToSlice snapshots every counter as a decimal string, in Header's order.
func (m *Metrics) ToSlice() []string {
	return []string{
		strconv.FormatUint(atomic.LoadUint64(&m.slotsOpened), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.slotsClosed), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.killsSent), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.framesSent), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.framesReceived), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.bytesToChild), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.bytesFromChild), 10),
		strconv.FormatUint(atomic.LoadUint64(&m.fatalErrors), 10),
	}
}
