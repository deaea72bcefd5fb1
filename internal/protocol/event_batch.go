package protocol

// Engine event kinds.
const (
	EventFleetCommitted  = "FLEET_COMMITTED"
	EventFleetSubmitted  = "FLEET_SUBMITTED"
	EventFleetResolved   = "FLEET_RESOLVED"
	EventFleetCleaned    = "FLEET_CLEANED"
	EventExitBegun       = "EXIT_BEGUN"
	EventExitCompleted   = "EXIT_COMPLETED"
	EventExitInterrupted = "EXIT_INTERRUPTED"
	EventExitWithdrawn   = "EXIT_WITHDRAWN"
	EventSweep           = "SWEEP"
)

// Event is one lifecycle transition. Subject is a fleet id or a planet id.
type Event struct {
	ID      string         `json:"id"`
	Kind    string         `json:"kind"`
	At      int64          `json:"at"`
	Subject string         `json:"subject,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name,omitempty"`
	SinceCursor     uint64 `json:"since_cursor,omitempty"`
}

// EVENT (server -> client)
type EventMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Cursor          uint64 `json:"cursor"`
	Event           Event  `json:"event"`
}

// EVENT_BATCH_REQ (client -> server)
type EventBatchReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	SinceCursor     uint64 `json:"since_cursor"`
	Limit           int    `json:"limit"`
}

type EventBatchItem struct {
	Cursor uint64 `json:"cursor"`
	Event  Event  `json:"event"`
}

// EVENT_BATCH (server -> client)
type EventBatchMsg struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	ReqID           string           `json:"req_id"`
	Events          []EventBatchItem `json:"events"`
	NextCursor      uint64           `json:"next_cursor"`
}

// ERROR (server -> client)
type ErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message"`
}
