package api

// Event kinds
const (
	EventTypeNetwork   = "network"
	EventTypeIntercept = "intercept"
)

// Intercept fault kinds
const (
	FaultHandler           = "handler_fault"
	FaultProtocolViolation = "protocol_violation"
)

type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Network   *NetworkEvent   `json:"network,omitempty"`
	Intercept *InterceptEvent `json:"intercept,omitempty"`
}

// NetworkEvent describes one completed (or blocked) transaction.
type NetworkEvent struct {
	Method      string `json:"method,omitempty"`
	URL         string `json:"url,omitempty"`
	Host        string `json:"host,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
	BlockReason string `json:"block_reason,omitempty"`
}

// InterceptEvent describes one dispatch-layer occurrence: a rule firing, a
// handler fault, or a protocol violation.
type InterceptEvent struct {
	Stage  string `json:"stage"`
	URL    string `json:"url,omitempty"`
	Rule   string `json:"rule,omitempty"`
	Action string `json:"action,omitempty"`
	Token  string `json:"token,omitempty"`
	Fault  string `json:"fault,omitempty"`
	Reason string `json:"reason,omitempty"`
}
