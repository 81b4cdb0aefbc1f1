package dbsession

// SessionSnapshot is a point-in-time view of one session's bookkeeping
type SessionSnapshot struct {
	ID          string            `json:"id"`
	Connections []RecordSnapshot  `json:"connections"`
	Contexts    []BindingSnapshot `json:"contexts"`
}

// RecordSnapshot describes one connection record
type RecordSnapshot struct {
	ConnectionID   string `json:"connection_id"`
	Key            string `json:"key"`
	Backend        string `json:"backend"`
	State          string `json:"state"`
	Claimed        bool   `json:"claimed"`
	TransactionID  string `json:"transaction_id,omitempty"`
	IsolationLevel string `json:"isolation_level,omitempty"`
}

// BindingSnapshot describes one context binding as the context itself reports it
type BindingSnapshot struct {
	ID            string `json:"id"`
	Key           string `json:"key"`
	ContextType   string `json:"context_type"`
	ConnectionID  string `json:"connection_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}
