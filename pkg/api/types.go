// Package api implements the HTTP REST API and Prometheus metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime      string `json:"uptime"`
	Initialized bool   `json:"initialized"`
	RxQueues    int    `json:"rx_queues"`
	TxQueues    int    `json:"tx_queues"`
	Workers     any    `json:"workers,omitempty"`
}

// GlobalStats holds all global datapath counter values.
type GlobalStats struct {
	RxPackets     uint64 `json:"rx_packets"`
	RxBytes       uint64 `json:"rx_bytes"`
	RxBursts      uint64 `json:"rx_bursts"`
	RxRingDrops   uint64 `json:"rx_ring_drops"`
	RxLastPartial uint64 `json:"rx_last_partial_packets"`
	TxPackets     uint64 `json:"tx_packets"`
	TxBursts      uint64 `json:"tx_bursts"`
	TxDrops       uint64 `json:"tx_drops"`
}
