package proto

// ScreenMode is the API-level screen-mode flag partitioning overlays and
// panels into independent sets. It is tracked independently of the VT
// emulator's own alternate-screen state (Open Question c).
type ScreenMode string

const (
	ScreenModeNormal ScreenMode = "normal"
	ScreenModeAlt    ScreenMode = "alt"
)

// CreateSessionRequest is the input to create_session.
type CreateSessionRequest struct {
	Name    string            `json:"name,omitempty"`
	Command string            `json:"command,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

// SessionInfo is the response shape for create_session and list entries.
type SessionInfo struct {
	Name        string     `json:"name"`
	PID         int        `json:"pid"`
	Command     string     `json:"command"`
	Rows        int        `json:"rows"`
	Cols        int        `json:"cols"`
	Tags        []string   `json:"tags"`
	ClientCount int        `json:"client_count"`
	ScreenMode  ScreenMode `json:"screen_mode"`
	Server      string     `json:"server,omitempty"`
}

// SendInputRequest is the input to send_input.
type SendInputRequest struct {
	Name  string `json:"name"`
	Bytes []byte `json:"bytes"`
}

// GetScreenRequest is the input to get_screen.
type GetScreenRequest struct {
	Name   string `json:"name"`
	Format Format `json:"format"`
}

// GetScrollbackRequest is the input to get_scrollback.
type GetScrollbackRequest struct {
	Name   string `json:"name"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
	Format Format `json:"format"`
}

// AwaitIdleRequest is the input to await_idle, valid at both session and
// registry scope (Name empty selects the registry-level race).
type AwaitIdleRequest struct {
	Name           string `json:"name,omitempty"`
	ThresholdMs    int64  `json:"threshold_ms"`
	MaxWaitMs      int64  `json:"max_wait_ms"`
	LastGeneration *int64 `json:"last_generation,omitempty"`
	LastSession    string `json:"last_session,omitempty"`
	Fresh          bool   `json:"fresh,omitempty"`
	Tag            string `json:"tag,omitempty"`
}

// AwaitIdleResponse carries the settled screen and generation; Session is
// only populated for registry-level races.
type AwaitIdleResponse struct {
	Session    string `json:"session,omitempty"`
	Generation int64  `json:"generation"`
	Screen     Screen `json:"screen"`
}

// SubscribeRequest is the input to subscribe.
type SubscribeRequest struct {
	Name          string      `json:"name"`
	Events        []EventKind `json:"events"`
	IntervalMs    int64       `json:"interval_ms"`
	Format        Format      `json:"format"`
	IdleTimeoutMs *int64      `json:"idle_timeout_ms,omitempty"`
}

// CaptureInputRequest is the input to capture_input / release_input.
type CaptureInputRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// FocusRequest is the input to set_focus / unfocus / get_focus.
type FocusRequest struct {
	Name      string `json:"name"`
	ElementID string `json:"element_id,omitempty"`
}

// ResizeRequest is the input to resize.
type ResizeRequest struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
	Cols int    `json:"cols"`
}

// ListRequest is the input to the registry's list operation.
type ListRequest struct {
	Tags   []string `json:"tags,omitempty"`
	Server string   `json:"server,omitempty"`
}

// RenameRequest is the input to the registry's rename operation.
type RenameRequest struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// UpdateTagsRequest is the input to the registry's update_tags operation.
type UpdateTagsRequest struct {
	Name   string   `json:"name"`
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// KillRequest is the input to the registry's kill operation.
type KillRequest struct {
	Name string `json:"name"`
}

// Anchor is a panel's docking edge.
type Anchor string

const (
	AnchorTop    Anchor = "top"
	AnchorBottom Anchor = "bottom"
)

// CreateOverlayRequest is the input to overlay creation.
type CreateOverlayRequest struct {
	Name       string `json:"name"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Z          int    `json:"z"`
	Background *Color `json:"background,omitempty"`
	Spans      []Span `json:"spans,omitempty"`
	Focusable  bool   `json:"focusable,omitempty"`
}

// CreatePanelRequest is the input to panel creation.
type CreatePanelRequest struct {
	Name      string `json:"name"`
	Position  Anchor `json:"position"`
	Height    int    `json:"height"`
	Z         int    `json:"z"`
	Spans     []Span `json:"spans,omitempty"`
	Focusable bool   `json:"focusable,omitempty"`
}

// UpdateSpansRequest is the input to update_spans_by_id.
type UpdateSpansRequest struct {
	Name      string `json:"name"`
	ElementID string `json:"element_id"`
	Spans     []Span `json:"spans"`
}

// CellWrite is one (row, col) region-write cell.
type CellWrite struct {
	Row  int  `json:"row"`
	Col  int  `json:"col"`
	Cell Span `json:"cell"`
}

// RegionWriteRequest is the input to region_write.
type RegionWriteRequest struct {
	Name      string      `json:"name"`
	ElementID string      `json:"element_id"`
	Writes    []CellWrite `json:"writes"`
}

// BatchUpdateRequest is the input to batch_update, applying spans and
// writes atomically in one critical section.
type BatchUpdateRequest struct {
	Name      string      `json:"name"`
	ElementID string      `json:"element_id"`
	Spans     []Span      `json:"spans,omitempty"`
	Writes    []CellWrite `json:"writes,omitempty"`
}
