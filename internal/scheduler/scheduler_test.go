package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alagyn/tubular/internal/model"
	"github.com/alagyn/tubular/internal/nodeconn"
	"github.com/alagyn/tubular/internal/status"
)

// fakeNode is an httptest stand-in for a node worker: reports Idle and
// records the task paths it is sent, in order.
type fakeNode struct {
	mu       sync.Mutex
	received []string
	busy     bool
	srv      *httptest.Server
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	f := &fakeNode{}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
			"status":      string(status.Idle),
			"task_status": string(status.NotRun),
		})
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.busy {
			w.WriteHeader(http.StatusConflict)
			return
		}
		var req nodeconn.TaskRequest
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		f.received = append(f.received, req.TaskPath)
		w.WriteHeader(http.StatusOK)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeNode) conn(t *testing.T, name string, tags ...string) *nodeconn.Node {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(u.Port())
	tagSet := map[string]struct{}{}
	for _, tag := range tags {
		tagSet[tag] = struct{}{}
	}
	return nodeconn.New(name, u.Hostname(), port, tagSet)
}

func (f *fakeNode) taskPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func queued(task string, nodes ...*nodeconn.Node) *QueuedTask {
	return &QueuedTask{
		Task:     &model.TaskDef{File: task, Name: task},
		Eligible: nodes,
		Request:  nodeconn.TaskRequest{TaskPath: task},
		InFlight: nodeconn.InFlightTask{TaskName: task, TaskPath: task, Complete: func(status.TaskStatus) {}},
	}
}

func TestDispatchFIFOWithinEligibility(t *testing.T) {
	ctx := context.Background()
	fake := newFakeNode(t)
	n := fake.conn(t, "builder-1", "linux")
	n.UpdateStatus(ctx, false)

	s := New()
	s.Lock()
	s.SetNodesLocked([]*nodeconn.Node{n})
	s.Unlock()

	s.Push(queued("a.yaml", n))
	s.Push(queued("b.yaml", n))

	s.Lock()
	still := s.dispatchPassLocked(ctx)
	s.Unlock()

	// a.yaml took the single idle node; b.yaml waits its turn.
	assert.True(t, still)
	assert.Equal(t, []string{"a.yaml"}, fake.taskPaths())

	st, inFlight := n.Status()
	assert.Equal(t, status.Active, st)
	assert.True(t, inFlight)
}

func TestDispatchAcrossDisjointEligibility(t *testing.T) {
	ctx := context.Background()
	fakeA, fakeB := newFakeNode(t), newFakeNode(t)
	nodeA := fakeA.conn(t, "linux-node", "linux")
	nodeB := fakeB.conn(t, "win-node", "windows")
	nodeA.UpdateStatus(ctx, false)
	nodeB.UpdateStatus(ctx, false)

	s := New()
	s.Lock()
	s.SetNodesLocked([]*nodeconn.Node{nodeA, nodeB})
	s.Unlock()

	s.Push(queued("a.yaml", nodeA))
	s.Push(queued("b.yaml", nodeB))

	s.Lock()
	still := s.dispatchPassLocked(ctx)
	s.Unlock()

	// Disjoint eligibility sets dispatch in the same pass.
	assert.False(t, still)
	assert.Equal(t, []string{"a.yaml"}, fakeA.taskPaths())
	assert.Equal(t, []string{"b.yaml"}, fakeB.taskPaths())
}

func TestBusyNodeLeavesTaskQueued(t *testing.T) {
	ctx := context.Background()
	fake := newFakeNode(t)
	fake.busy = true
	n := fake.conn(t, "builder-1", "linux")
	n.UpdateStatus(ctx, false)

	s := New()
	s.Lock()
	s.SetNodesLocked([]*nodeconn.Node{n})
	s.Unlock()

	s.Push(queued("a.yaml", n))

	s.Lock()
	still := s.dispatchPassLocked(ctx)
	s.Unlock()

	assert.True(t, still)
	assert.Empty(t, fake.taskPaths())
}

func TestOfflineNodeIsSkipped(t *testing.T) {
	ctx := context.Background()
	// A connection that was never polled reports Offline.
	n := nodeconn.New("gone", "127.0.0.1", 1, map[string]struct{}{"linux": {}})

	s := New()
	s.Lock()
	s.SetNodesLocked([]*nodeconn.Node{n})
	s.Unlock()

	s.Push(queued("a.yaml", n))

	s.Lock()
	still := s.dispatchPassLocked(ctx)
	s.Unlock()

	assert.True(t, still)
}

func TestEligibleNodesPreserveDeclarationOrder(t *testing.T) {
	fake := newFakeNode(t)
	first := fake.conn(t, "first", "linux")
	second := fake.conn(t, "second", "linux", "gpu")
	third := fake.conn(t, "third", "windows")

	s := New()
	s.Lock()
	s.SetNodesLocked([]*nodeconn.Node{first, second, third})
	task := &model.TaskDef{WhiteTags: map[string]struct{}{"linux": {}}}
	eligible := s.EligibleNodesLocked(task)
	s.Unlock()

	if assert.Len(t, eligible, 2) {
		assert.Equal(t, "first", eligible[0].Name)
		assert.Equal(t, "second", eligible[1].Name)
	}

	s.Lock()
	avoid := &model.TaskDef{
		WhiteTags: map[string]struct{}{"linux": {}},
		BlackTags: map[string]struct{}{"gpu": {}},
	}
	eligible = s.EligibleNodesLocked(avoid)
	s.Unlock()

	if assert.Len(t, eligible, 1) {
		assert.Equal(t, "first", eligible[0].Name)
	}
}
