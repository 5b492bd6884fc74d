// Package event defines the closed set of progress events emitted by a
// sync run, and the emitter interfaces used to observe them.
//
// The event set is enumerable: callers can exhaustively switch on the
// concrete types below. Events carry data, never behavior.
package event

import "time"

// Event is the interface implemented by all sync engine events.
type Event interface {
	isEvent()
}

// Emitter receives events from the engine. Implementations must be safe
// for concurrent use; the pipeline emits from multiple goroutines.
type Emitter interface {
	Emit(ev Event)
}

// Scanning is emitted while candidate items are being enumerated.
type Scanning struct {
	Count int
}

func (Scanning) isEvent() {}

// WillExport is emitted once per run after scanning, with the final
// candidate count and the index at which processing starts (non-zero
// when resuming).
type WillExport struct {
	Total      int
	StartIndex int
}

func (WillExport) isEvent() {}

// Exporting is emitted when work begins on an item.
type Exporting struct {
	ItemID  string
	Index   int
	Total   int
}

func (Exporting) isEvent() {}

// Downloading reports fractional progress of a slow variant fetch.
type Downloading struct {
	ItemID  string
	Variant string
	Percent float64
}

func (Downloading) isEvent() {}

// Retrying is emitted before each retry of a failed variant fetch.
type Retrying struct {
	ItemID  string
	Variant string
	Attempt int
	Delay   time.Duration
}

func (Retrying) isEvent() {}

// ExistenceCheck reports progress of the remote existence sweep.
type ExistenceCheck struct {
	Checked int
	Total   int
}

func (ExistenceCheck) isEvent() {}

// Paused is emitted when a run stops cleanly in response to a pause
// request. The session can be resumed later.
type Paused struct {
	Index int
}

func (Paused) isEvent() {}

// Message carries a free-text log line for display.
type Message struct {
	Text string
}

func (Message) isEvent() {}

// FileScanning is emitted while the local destination is examined
// (collision checks, mirror sweep).
type FileScanning struct {
	Path string
}

func (FileScanning) isEvent() {}

// FileCopying is emitted when exported bytes are moved into place.
type FileCopying struct {
	Src string
	Dst string
}

func (FileCopying) isEvent() {}

// Nop discards all events. Useful as a default.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}

// Func adapts a function to the Emitter interface.
type Func func(Event)

// Emit implements Emitter.
func (f Func) Emit(ev Event) { f(ev) }
