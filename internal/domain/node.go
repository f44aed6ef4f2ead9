package domain

// NodeOnline is the status string of a node that is part of the quorate cluster.
const NodeOnline = "online"

// ClusterNode is a physical hypervisor host as listed by the cluster.
type ClusterNode struct {
	Name   string `json:"node"`
	Status string `json:"status"`
}

// IsOnline returns true if the node reports "online".
func (n ClusterNode) IsOnline() bool {
	return n.Status == NodeOnline
}

// NodeStatus is the live resource usage of a node.
type NodeStatus struct {
	Node string `json:"node"`
	// CPU is the current CPU utilization as a fraction between 0 and 1.
	CPU         float64 `json:"cpu"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryTotal int64   `json:"memory_total"`
}

// MemoryUtilization returns used/total memory as a fraction. A node that
// reports no total memory is treated as fully used.
func (s NodeStatus) MemoryUtilization() float64 {
	if s.MemoryTotal <= 0 {
		return 1
	}
	return float64(s.MemoryUsed) / float64(s.MemoryTotal)
}

// AvailabilityScore returns (1-cpu + 1-mem)/2 * 100.
func (s NodeStatus) AvailabilityScore() float64 {
	return ((1 - s.CPU) + (1 - s.MemoryUtilization())) / 2 * 100
}
