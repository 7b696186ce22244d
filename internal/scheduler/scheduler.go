// Package scheduler implements the FIFO task queue and dispatch loop
// (spec.md §4.8): one management goroutine pairs queued tasks with idle
// eligible nodes, polling node status at most once per
// NODE_UPDATE_PERIOD.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/alagyn/tubular/internal/model"
	"github.com/alagyn/tubular/internal/nodeconn"
	"github.com/alagyn/tubular/internal/status"
	"github.com/alagyn/tubular/logger"
)

// NodeUpdatePeriod bounds how often the dispatch loop refreshes node
// statuses (spec.md §4.8 step 3, default 2s).
const NodeUpdatePeriod = 2 * time.Second

// idleBackoff is the sleep applied outside the lock when the queue is
// still non-empty after a dispatch pass (spec.md §4.8 step 5).
const idleBackoff = 1 * time.Second

// QueuedTask is one task waiting for an eligible idle node.
type QueuedTask struct {
	Task     *model.TaskDef
	Eligible []*nodeconn.Node
	Request  nodeconn.TaskRequest
	InFlight nodeconn.InFlightTask
}

// Scheduler owns the FIFO queue and the set of known nodes.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond
	q    *list.List // of *QueuedTask

	nodes        []*nodeconn.Node
	tasksWaiting int
	lastNodePoll time.Time
	shouldRun    bool
}

// New returns an empty scheduler with no nodes; SetNodesLocked installs the
// current config-reload snapshot.
func New() *Scheduler {
	s := &Scheduler{q: list.New(), shouldRun: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Lock/Unlock expose the queue mutex so config reload can quiesce this
// loop while it swaps the node table (spec.md §4.11 step 2, §9).
func (s *Scheduler) Lock()   { s.mu.Lock() }
func (s *Scheduler) Unlock() { s.mu.Unlock() }

// SetNodesLocked replaces the node table. Caller must hold the lock
// (i.e. call between Lock/Unlock).
func (s *Scheduler) SetNodesLocked(nodes []*nodeconn.Node) {
	s.nodes = nodes
}

// NodesLocked returns the current node table. Caller must hold the lock.
func (s *Scheduler) NodesLocked() []*nodeconn.Node {
	return s.nodes
}

// Push enqueues a task and signals the dispatch loop.
func (s *Scheduler) Push(qt *QueuedTask) {
	s.mu.Lock()
	s.q.PushBack(qt)
	s.tasksWaiting++
	s.mu.Unlock()
	s.cond.Broadcast()
}

// TaskCompleted decrements the in-flight counter and signals the loop,
// called by the run engine's completion notifier.
func (s *Scheduler) TaskCompleted() {
	s.mu.Lock()
	if s.tasksWaiting > 0 {
		s.tasksWaiting--
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Stop signals the dispatch loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.shouldRun = false
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Run is the management loop body (spec.md §4.8). It blocks until Stop
// is called.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		for s.q.Len() == 0 && s.tasksWaiting == 0 && s.shouldRun {
			s.cond.Wait()
		}
		if !s.shouldRun {
			s.mu.Unlock()
			return
		}

		if time.Since(s.lastNodePoll) >= NodeUpdatePeriod {
			nodes := append([]*nodeconn.Node(nil), s.nodes...)
			s.lastNodePoll = time.Now()
			s.mu.Unlock()
			for _, n := range nodes {
				n.UpdateStatus(ctx, false)
			}
			s.mu.Lock()
		}

		stillQueued := s.dispatchPassLocked(ctx)
		waiting := s.tasksWaiting > 0
		s.mu.Unlock()

		// Backpressure when starved of capacity, and pacing between
		// node polls while dispatched tasks are still in flight.
		if stillQueued || waiting {
			time.Sleep(idleBackoff)
		}
	}
}

// dispatchPassLocked walks the queue head to tail once, dispatching each
// QueuedTask to the first Idle eligible node found, and reports whether
// the queue is still non-empty afterward. Caller holds s.mu.
func (s *Scheduler) dispatchPassLocked(ctx context.Context) bool {
	var next *list.Element
	for e := s.q.Front(); e != nil; e = next {
		next = e.Next()
		qt := e.Value.(*QueuedTask)

		for _, n := range qt.Eligible {
			st, busy := n.Status()
			if st != status.Idle || busy {
				continue
			}
			if err := n.SendTask(ctx, qt.Request, qt.InFlight); err != nil {
				logger.L.WithError(err).WithField("node", n.Name).Warn("dispatch failed, leaving task queued")
				continue
			}
			s.q.Remove(e)
			break
		}
	}
	return s.q.Len() > 0
}

// EligibleNodesLocked returns the nodes satisfying task's white/black
// tag constraints, in the node table's declaration order (spec.md §4.9
// step 9a, §4.8 "FIFO within eligibility"). Caller must hold the lock.
func (s *Scheduler) EligibleNodesLocked(task *model.TaskDef) []*nodeconn.Node {
	var out []*nodeconn.Node
	for _, n := range s.nodes {
		if model.EligibleNodeTags(task, n.Tags) {
			out = append(out, n)
		}
	}
	return out
}
