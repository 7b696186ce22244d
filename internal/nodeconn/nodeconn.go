// Package nodeconn is the controller-side representation of a worker
// node (spec.md §4.7): status polling, task dispatch, and the download
// worker that pulls a finished task's archive/output zips back to the
// controller.
package nodeconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alagyn/tubular/internal/safego"
	"github.com/alagyn/tubular/internal/status"
	"github.com/alagyn/tubular/internal/tuberrors"
	"github.com/alagyn/tubular/logger"
)

const (
	dispatchTimeout = 5 * time.Second
	statusTimeout   = 2 * time.Second
)

// TaskRequest mirrors node.TaskRequest on the wire (spec.md §6).
type TaskRequest struct {
	RepoURL  string            `json:"repo_url"`
	Branch   string            `json:"branch"`
	TaskPath string            `json:"task_path"`
	Args     map[string]string `json:"args"`
}

// InFlightTask is the controller-side handle to a dispatched task: where
// to save its downloaded archive/output, and who to notify on
// completion.
type InFlightTask struct {
	TaskName   string
	TaskPath   string
	ArchiveDst string
	OutputDst  string
	// Complete is invoked exactly once, after both downloads have been
	// attempted: with the task's terminal status when both succeeded,
	// with Error when either failed.
	Complete func(status.TaskStatus)
}

// Node is one controller-side connection to a worker node.
type Node struct {
	Name string
	Host string
	Port int
	Tags map[string]struct{}

	client *http.Client

	mu          sync.Mutex
	status      status.NodeStatus
	current     *InFlightTask
	downloading bool
}

// New returns an Offline node connection; the first UpdateStatus call
// establishes its real status.
func New(name, host string, port int, tags map[string]struct{}) *Node {
	return &Node{
		Name:   name,
		Host:   host,
		Port:   port,
		Tags:   tags,
		client: &http.Client{},
		status: status.Offline,
	}
}

func (n *Node) baseURL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// Status returns the node's last-known status and whether a task is
// currently assigned to it.
func (n *Node) Status() (status.NodeStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status, n.current != nil
}

// SendTask dispatches a task to the node's /queue endpoint. On success
// it records task as the node's in-flight task and marks the node
// Active so the dispatch loop won't pair it again before the next
// status poll (spec.md §4.8 step 4).
func (n *Node) SendTask(ctx context.Context, req TaskRequest, task InFlightTask) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL()+"/queue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		n.setOffline()
		return &tuberrors.TransportError{Msg: "dispatch to " + n.Name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return &tuberrors.BusyError{Msg: n.Name + " is busy"}
	}
	if resp.StatusCode != http.StatusOK {
		return &tuberrors.TransportError{Msg: fmt.Sprintf("%s returned %d", n.Name, resp.StatusCode)}
	}

	n.mu.Lock()
	taskCopy := task
	n.current = &taskCopy
	n.status = status.Active
	n.mu.Unlock()
	return nil
}

type statusResponse struct {
	Status     string `json:"status"`
	TaskStatus string `json:"task_status"`
}

// UpdateStatus polls the node's /status endpoint and reconciles
// in-flight task completion (spec.md §4.7). If a download is already in
// progress it is a no-op.
func (n *Node) UpdateStatus(ctx context.Context, askConfigReload bool) {
	n.mu.Lock()
	if n.downloading {
		n.mu.Unlock()
		return
	}
	current := n.current
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/status?updateConfig=%t", n.baseURL(), askConfigReload)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		n.setOffline()
		return
	}
	resp, err := n.client.Do(req)
	if err != nil {
		n.setOffline()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		n.setOffline()
		return
	}

	var sr statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		n.setOffline()
		return
	}

	taskStatus := status.TaskStatus(sr.TaskStatus)
	if current != nil && taskStatus != status.Running && taskStatus != status.NotRun {
		n.mu.Lock()
		n.status = status.Archiving
		n.downloading = true
		n.mu.Unlock()
		safego.SafeGo("nodeconn-download-"+n.Name, func() {
			n.download(current, taskStatus)
		})
		return
	}

	n.mu.Lock()
	n.status = status.NodeStatus(sr.Status)
	n.mu.Unlock()
}

func (n *Node) setOffline() {
	n.mu.Lock()
	n.status = status.Offline
	n.mu.Unlock()
}

// download pulls /archive and /output into task's destination paths,
// then fires task.Complete with finalStatus, or with Error if either
// download failed. A node's status updates are
// paused (n.downloading) while this runs.
func (n *Node) download(task *InFlightTask, finalStatus status.TaskStatus) {
	ctx := context.Background()
	log := logger.L.WithField("node", n.Name).WithField("task", task.TaskName)

	query := "?task_path=" + neturl.QueryEscape(task.TaskPath)
	ok := true
	if err := n.fetch(ctx, "/archive"+query, task.ArchiveDst); err != nil {
		log.WithError(err).Error("archive download failed")
		ok = false
	}
	if err := n.fetch(ctx, "/output"+query, task.OutputDst); err != nil {
		log.WithError(err).Error("output download failed")
		ok = false
	}

	n.mu.Lock()
	n.downloading = false
	n.current = nil
	n.status = status.Idle
	n.mu.Unlock()

	if !ok {
		finalStatus = status.Error
	}
	task.Complete(finalStatus)
}

func (n *Node) fetch(ctx context.Context, path, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL()+path, nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return &tuberrors.TransportError{Msg: "download " + path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &tuberrors.TransportError{Msg: fmt.Sprintf("download %s: status %d", path, resp.StatusCode)}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}
