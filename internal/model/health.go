package model

// HealthStatus represents the health state of a store node
type HealthStatus struct {
	NodeID    string        `json:"node_id"`
	Status    NodeStatus    `json:"status"`
	Timestamp int64         `json:"timestamp"`
	Metrics   HealthMetrics `json:"metrics"`
}

// NodeStatus defines the operational status of a node
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// HealthMetrics contains various health metrics
type HealthMetrics struct {
	DiskUsage       float64 `json:"disk_usage"`
	MemoryUsage     float64 `json:"memory_usage"`
	Records         int     `json:"records"`
	Views           int     `json:"views"`
	QueuedTasks     int     `json:"queued_tasks"`
	TransactionOpen bool    `json:"transaction_open"`
}

// ViewSummary describes one collection for admin tooling.
type ViewSummary struct {
	ID       int      `json:"id"`
	Kind     string   `json:"kind"`
	Parent   int      `json:"parent"`
	Rank     string   `json:"rank,omitempty"`
	Filter   string   `json:"filter,omitempty"`
	Size     int      `json:"size"`
	Children []int    `json:"children,omitempty"`
	Attrs    []string `json:"attributes,omitempty"`
	Tuple    string   `json:"tuple,omitempty"`
}
