// Package inputarbiter tracks input capture ownership and focus for one
// session, deciding whether keystrokes go to the PTY or to subscribers.
// Generalized from the teacher's single hardcoded passthrough lock
// (internal/session/session.go's PassthroughOwner *client.Client field and
// its TryPassthrough/ReleasePassthrough/TakePassthrough/IsPassthroughLocked
// closures, which only ever compare against one local attach client) into
// named remote owners addressed by string id.
package inputarbiter

import (
	"termd/internal/proto"
)

// LocalOwner is the well-known owner id for the keyboard escape toggle; it
// always wins a capture request regardless of current ownership (spec §4.4).
const LocalOwner = "local"

// CtrlBackslash is the byte that flips passthrough/capture under LocalOwner
// when it arrives on the local keyboard path; it is consumed and never
// forwarded to the PTY.
const CtrlBackslash = 0x1C

// Arbiter holds one session's capture/focus state. It is driven exclusively
// by the owning session actor (no lock of its own), the same ownership
// discipline as internal/emulator.
type Arbiter struct {
	mode    proto.InputMode
	ownerID string

	focus       string
	focusableFn func(elementID string) bool
}

// New builds an Arbiter starting in passthrough mode. focusable is called to
// validate set_focus targets against the overlay/panel store.
func New(focusable func(elementID string) bool) *Arbiter {
	return &Arbiter{mode: proto.InputModePassthrough, focusableFn: focusable}
}

// Mode reports the current input mode.
func (a *Arbiter) Mode() proto.InputMode {
	return a.mode
}

// Owner reports the current capture owner, or "" in passthrough mode.
func (a *Arbiter) Owner() string {
	return a.ownerID
}

// Capture sets capture mode for ownerID. Grounded on TryPassthrough/
// TakePassthrough: succeeds if currently passthrough, if ownerID already
// holds capture, or if ownerID is LocalOwner (which always wins, evicting
// any other owner). Otherwise fails with input_capture_failed.
func (a *Arbiter) Capture(ownerID string) error {
	if a.mode == proto.InputModeCapture && a.ownerID != ownerID && ownerID != LocalOwner {
		return proto.NewError(proto.CodeInputCaptureFailed, "input already captured by another owner")
	}
	a.mode = proto.InputModeCapture
	a.ownerID = ownerID
	return nil
}

// Release returns to passthrough only if ownerID matches the current owner.
// Returns true if it actually released (so the caller can clear focus).
func (a *Arbiter) Release(ownerID string) bool {
	if a.mode != proto.InputModeCapture || a.ownerID != ownerID {
		return false
	}
	a.mode = proto.InputModePassthrough
	a.ownerID = ""
	a.clearFocus()
	return true
}

// ReleaseIfOwnedBy releases capture held by ownerID, used for automatic
// release on the disconnect of a WebSocket-established owner (spec §4.4
// "Automatic release"). No-op if ownerID does not currently hold capture.
func (a *Arbiter) ReleaseIfOwnedBy(ownerID string) bool {
	if a.mode != proto.InputModeCapture || a.ownerID != ownerID {
		return false
	}
	a.mode = proto.InputModePassthrough
	a.ownerID = ""
	a.clearFocus()
	return true
}

// HandleLocalBytes scans bytes arriving from the local keyboard path for the
// ctrl-\ toggle, consuming it and flipping the mode under LocalOwner. It
// returns the bytes with any toggle byte stripped, for the caller to route
// according to the (possibly just-changed) mode.
func (a *Arbiter) HandleLocalBytes(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == CtrlBackslash {
			a.toggleLocal()
			continue
		}
		out = append(out, b)
	}
	return out
}

func (a *Arbiter) toggleLocal() {
	if a.mode == proto.InputModeCapture && a.ownerID == LocalOwner {
		a.mode = proto.InputModePassthrough
		a.ownerID = ""
		a.clearFocus()
		return
	}
	a.mode = proto.InputModeCapture
	a.ownerID = LocalOwner
}

// SetFocus requires elementID be focusable (spec §4.4); unknown or
// non-focusable elements error.
func (a *Arbiter) SetFocus(elementID string) error {
	if a.focusableFn == nil || !a.focusableFn(elementID) {
		return proto.NewError(proto.CodeNotFocusable, "element is not focusable")
	}
	a.focus = elementID
	return nil
}

// Unfocus clears focus unconditionally.
func (a *Arbiter) Unfocus() {
	a.clearFocus()
}

// Focus reports the currently focused element id, or "" if none.
func (a *Arbiter) Focus() string {
	return a.focus
}

// OnElementDeleted clears focus if it pointed at the deleted element (spec
// §4.4 focus-clear condition (a)).
func (a *Arbiter) OnElementDeleted(elementID string) {
	if a.focus == elementID {
		a.clearFocus()
	}
}

// OnClearAll clears focus unconditionally, for a clear-all overlay/panel
// operation (spec §4.4 focus-clear condition (c)).
func (a *Arbiter) OnClearAll() {
	a.clearFocus()
}

func (a *Arbiter) clearFocus() {
	a.focus = ""
}
