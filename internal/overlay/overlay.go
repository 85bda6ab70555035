// Package overlay holds agent-controlled visual elements layered above the
// emulator output: floating overlays and edge-anchored panels, both scoped
// to the session's current screen-mode. It generalizes the teacher's single,
// fixed status-bar overlay (internal/overlay.Overlay, a hardcoded 2-3 row
// reserved-rows status bar) into an arena of many caller-addressable
// elements, the way internal/session/client/overlay.go generalizes the
// original package into a richer per-connection client.
package overlay

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"termd/internal/proto"
)

// ResizeFunc is invoked whenever panel space allocation changes the PTY's
// usable row count, so the caller (the session actor) can resize the driver
// and emulator in lockstep.
type ResizeFunc func(innerRows int)

// Element is the common shape shared by overlays and panels, enough for
// listing and focus checks without the caller needing to type-switch.
type Element struct {
	ID         string
	Name       string
	Z          int
	Spans      []proto.Span
	Focusable  bool
	ScreenMode proto.ScreenMode

	// IsPanel is true for panels. X, Y, Width and Background apply to
	// overlays only; Height is used by both overlays and panels.
	IsPanel    bool
	X, Y       int
	Width      int
	Height     int
	Background *proto.Color

	// Panel-only fields.
	Anchor  proto.Anchor
	Visible bool

	cells map[[2]int]proto.Span
}

// Store owns all overlays and panels for one session, plus the panel space
// allocation pass that resizes the usable PTY grid to fit panel heights.
// Grounded on the teacher's overlay.Overlay being itself the single piece of
// mutable UI state guarded under VT.Mu — here a dedicated RWMutex plays the
// same "atomic relative to concurrent reads" role the spec requires of
// update_spans_by_id/region_write/batch_update.
type Store struct {
	mu sync.RWMutex

	elements map[string]*Element
	mode     proto.ScreenMode

	totalRows int
	cols      int

	onResize ResizeFunc
}

// New builds an empty Store sized to the session's current grid.
func New(totalRows, cols int, onResize ResizeFunc) *Store {
	return &Store{
		elements:  make(map[string]*Element),
		mode:      proto.ScreenModeNormal,
		totalRows: totalRows,
		cols:      cols,
		onResize:  onResize,
	}
}

// CreateOverlay inserts a floating overlay tagged with the current
// screen-mode and returns its generated id.
func (s *Store) CreateOverlay(req proto.CreateOverlayRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.elements[id] = &Element{
		ID:         id,
		Name:       req.Name,
		X:          req.X,
		Y:          req.Y,
		Width:      req.Width,
		Height:     req.Height,
		Z:          req.Z,
		Background: req.Background,
		Spans:      append([]proto.Span(nil), req.Spans...),
		Focusable:  req.Focusable,
		ScreenMode: s.mode,
	}
	return id
}

// CreatePanel inserts an edge-anchored panel, reallocates panel space, and
// returns the generated id. Open Question (b): a panel taller than the
// available grid is created but immediately marked invisible by the same
// allocation pass that handles ordinary overflow, not rejected outright.
func (s *Store) CreatePanel(req proto.CreatePanelRequest) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.elements[id] = &Element{
		ID:         id,
		Name:       req.Name,
		IsPanel:    true,
		Anchor:     req.Position,
		Height:     req.Height,
		Z:          req.Z,
		Spans:      append([]proto.Span(nil), req.Spans...),
		Focusable:  req.Focusable,
		ScreenMode: s.mode,
		Visible:    true,
	}
	s.reallocateLocked()
	return id
}

// Get returns a copy of the element's current state, or ok=false if absent.
func (s *Store) Get(id string) (Element, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	el, ok := s.elements[id]
	if !ok {
		return Element{}, false
	}
	return cloneElement(el), true
}

// List returns every element tagged with the current screen-mode, ordered
// by descending z (spec §4.3: "list operations return only elements tagged
// with the current mode").
func (s *Store) List() []Element {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Element, 0, len(s.elements))
	for _, el := range s.elements {
		if el.ScreenMode == s.mode {
			out = append(out, cloneElement(el))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Z > out[j].Z })
	return out
}

// Delete removes an element, reallocating panel space if it was a panel.
// Returns false if the id was unknown.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[id]
	if !ok {
		return false
	}
	delete(s.elements, id)
	if el.IsPanel {
		s.reallocateLocked()
	}
	return true
}

// ScreenMode reports the store's current screen-mode.
func (s *Store) ScreenMode() proto.ScreenMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// EnterAlt switches to alt-mode visibility; elements created while in alt
// mode become visible, normal-mode elements are hidden from List.
func (s *Store) EnterAlt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = proto.ScreenModeAlt
	s.reallocateLocked()
}

// ExitAlt deletes every alt-tagged element and restores normal-mode
// visibility (spec §4.3: "exit_alt deletes all alt-tagged elements").
// Returns the ids of focusable elements that were deleted, so the caller
// (session actor) can clear focus if it pointed at one of them.
func (s *Store) ExitAlt() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deletedFocusable []string
	for id, el := range s.elements {
		if el.ScreenMode == proto.ScreenModeAlt {
			if el.Focusable {
				deletedFocusable = append(deletedFocusable, id)
			}
			delete(s.elements, id)
		}
	}
	s.mode = proto.ScreenModeNormal
	s.reallocateLocked()
	return deletedFocusable
}

// UpdateSpansByID replaces spans in place by matching Span.ID, silently
// skipping ids that don't match any existing span (spec §4.3).
func (s *Store) UpdateSpansByID(elementID string, spans []proto.Span) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[elementID]
	if !ok {
		return false
	}
	applySpanUpdates(el, spans)
	return true
}

// RegionWrite overwrites individual (row, col) cells on the element.
func (s *Store) RegionWrite(elementID string, writes []proto.CellWrite) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[elementID]
	if !ok {
		return false
	}
	applyRegionWrites(el, writes)
	return true
}

// BatchUpdate applies both span updates and region writes in one critical
// section (spec §4.3 "Atomic batch").
func (s *Store) BatchUpdate(elementID string, spans []proto.Span, writes []proto.CellWrite) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.elements[elementID]
	if !ok {
		return false
	}
	if len(spans) > 0 {
		applySpanUpdates(el, spans)
	}
	if len(writes) > 0 {
		applyRegionWrites(el, writes)
	}
	return true
}

func applySpanUpdates(el *Element, updates []proto.Span) {
	byID := make(map[string]int, len(el.Spans))
	for i, sp := range el.Spans {
		if sp.ID != "" {
			byID[sp.ID] = i
		}
	}
	for _, u := range updates {
		if u.ID == "" {
			continue
		}
		if i, ok := byID[u.ID]; ok {
			el.Spans[i] = u
		}
	}
}

func applyRegionWrites(el *Element, writes []proto.CellWrite) {
	if el.cells == nil {
		el.cells = make(map[[2]int]proto.Span)
	}
	for _, w := range writes {
		el.cells[[2]int{w.Row, w.Col}] = w.Cell
	}
}

// Resize updates the grid dimensions the allocation pass works against and
// reallocates panel space (spec §4.3: "on any panel mutation or PTY
// resize, recompute").
func (s *Store) Resize(totalRows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRows = totalRows
	s.cols = cols
	s.reallocateLocked()
}

// reallocateLocked implements the space allocation algorithm (spec §4.3):
// walk panels of the current mode sorted by z descending, allocating height
// while at least one grid row remains; anything that would leave zero rows
// is hidden, not deleted, and a pass after height frees up reveals hidden
// panels again since it always starts from a clean visible=true pass.
func (s *Store) reallocateLocked() {
	var panels []*Element
	for _, el := range s.elements {
		if el.IsPanel && el.ScreenMode == s.mode {
			panels = append(panels, el)
		}
	}
	sort.Slice(panels, func(i, j int) bool { return panels[i].Z > panels[j].Z })

	remaining := s.totalRows
	used := 0
	for _, p := range panels {
		if remaining-p.Height >= 1 {
			p.Visible = true
			remaining -= p.Height
			used += p.Height
		} else {
			p.Visible = false
		}
	}

	if s.onResize != nil {
		s.onResize(s.totalRows - used)
	}
}

func cloneElement(el *Element) Element {
	cp := *el
	cp.Spans = append([]proto.Span(nil), el.Spans...)
	if el.cells != nil {
		cp.cells = make(map[[2]int]proto.Span, len(el.cells))
		for k, v := range el.cells {
			cp.cells[k] = v
		}
	}
	return cp
}
