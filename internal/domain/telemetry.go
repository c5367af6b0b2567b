package domain

// PeerSample is one peer's live kernel state as observed on a single poller
// tick: the raw dump fields plus the derived "connected" flag.
type PeerSample struct {
	Endpoint        string `json:"endpoint"`
	LatestHandshake int64  `json:"latest_handshake"`
	TransferRx      uint64 `json:"transfer_rx"`
	TransferTx      uint64 `json:"transfer_tx"`
	Connected       bool   `json:"connected"`
}

// TelemetryFrame is the websocket payload broadcast to observers, keyed by
// public key, matching spec §6's wire shape exactly.
type TelemetryFrame struct {
	Type string                `json:"type"`
	Data map[string]PeerSample `json:"data"`
}

// NewTelemetryFrame wraps a sample map in the "metrics" envelope.
func NewTelemetryFrame(data map[string]PeerSample) TelemetryFrame {
	if data == nil {
		data = map[string]PeerSample{}
	}
	return TelemetryFrame{Type: "metrics", Data: data}
}
