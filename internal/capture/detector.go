package capture

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"carbontrail/internal/event"
	"carbontrail/internal/observability"
)

// Dispatcher hands a detected event to the delivery pipeline.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *event.ActivityEvent) error
}

// Chord is a captured keyboard combination.
type Chord struct {
	Key   string
	Ctrl  bool
	Meta  bool
	Shift bool
}

// IsSend reports the platform-conventional send chord: Enter with the
// primary modifier held.
func (c Chord) IsSend() bool {
	return c.Key == "Enter" && (c.Ctrl || c.Meta)
}

// Detector wires the two UI triggers (send-control activation and the
// keyboard send chord) into one extraction path. Both converge on the
// same extractor; dispatch happens off the caller's goroutine so the
// page-side observer is never blocked.
type Detector struct {
	extractor *Extractor
	dispatch  Dispatcher
	log       zerolog.Logger

	inflight sync.WaitGroup
}

func NewDetector(x *Extractor, d Dispatcher, log zerolog.Logger) *Detector {
	return &Detector{extractor: x, dispatch: d, log: log}
}

// OnSendActivated handles activation of a control that might be the
// send button. Anything that is not a recognizable send control is
// ignored.
func (d *Detector) OnSendActivated(ctx context.Context, snap *Snapshot, control *Node) {
	if !d.extractor.IsSendControl(control) {
		return
	}
	d.capture(ctx, snap, control)
}

// OnKeyChord handles a global keyboard event. Only the send chord with
// focus inside a composition region triggers extraction.
func (d *Detector) OnKeyChord(ctx context.Context, snap *Snapshot, chord Chord, focus *Node) {
	if !chord.IsSend() {
		return
	}
	if !d.extractor.InComposition(snap, focus) {
		return
	}
	d.capture(ctx, snap, focus)
}

func (d *Detector) capture(ctx context.Context, snap *Snapshot, origin *Node) {
	ev := d.extractor.Extract(snap, origin)
	if ev == nil {
		// Required anchors missing; recovered locally, never surfaced.
		d.log.Debug().Str("provider", string(d.extractor.Provider())).Msg("extraction skipped")
		return
	}
	observability.RecordDetection(ev.Provider)

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error().Any("panic", r).Str("stack", string(debug.Stack())).Msg("panic in dispatch")
			}
		}()
		if err := d.dispatch.Dispatch(ctx, ev); err != nil {
			d.log.Debug().Err(err).Str("id", ev.ID).Msg("dispatch reported failure")
		}
	}()
}

// Wait blocks until in-flight dispatches finish. Used on shutdown and in
// tests.
func (d *Detector) Wait() {
	d.inflight.Wait()
}
