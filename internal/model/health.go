package model

// HealthStatus is the health view of an access node
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

// HealthMetrics are the figures sampled by the last health check
type HealthMetrics struct {
	DiskUsagePercent   float64 `json:"disk_usage_percent"`
	ActiveTransactions int     `json:"active_transactions"`
	PreparedGlobal     int     `json:"prepared_global"`
	Frozen             bool    `json:"frozen"`
}
