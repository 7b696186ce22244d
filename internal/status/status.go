// Package status holds the wire status enums named in spec.md §6, shared
// by the run database, node worker, node connection, scheduler and run
// engine so every component speaks the same vocabulary over HTTP and in
// the database.
package status

// TaskStatus is the lifecycle of a pipeline run or a single task
// run-instance.
type TaskStatus string

const (
	NotRun  TaskStatus = "NotRun"
	Queued  TaskStatus = "Queued"
	Running TaskStatus = "Running"
	Success TaskStatus = "Success"
	Fail    TaskStatus = "Fail"
	Error   TaskStatus = "Error"
)

// Terminal reports whether s is one of the statuses a task or run
// settles into and does not leave.
func (s TaskStatus) Terminal() bool {
	switch s {
	case Success, Fail, Error:
		return true
	default:
		return false
	}
}

// rank orders statuses worst-to-best for rollup: Error is worse than
// Fail, which is worse than Success.
var rank = map[TaskStatus]int{Success: 0, Fail: 1, Error: 2}

// Worst returns whichever of a, b sorts worse, used to roll a stage's
// per-task terminal statuses up into the pipeline's status (spec.md
// §4.9 step 9b).
func Worst(a, b TaskStatus) TaskStatus {
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// NodeStatus is a controller's view of a worker node's availability.
type NodeStatus string

const (
	Offline   NodeStatus = "Offline"
	Idle      NodeStatus = "Idle"
	Active    NodeStatus = "Active"
	Archiving NodeStatus = "Archiving"
)
