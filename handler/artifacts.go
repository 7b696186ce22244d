package handler

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/alagyn/tubular/internal/controller"
	"github.com/alagyn/tubular/internal/tuberrors"
)

// treeNode is the artifact-browser tree shape: directories carry
// children, files carry an href pointing back at the matching file
// endpoint.
type treeNode struct {
	Label    string     `json:"label"`
	Href     string     `json:"href,omitempty"`
	Children []treeNode `json:"children,omitempty"`
}

func artifactParams(r *http.Request) (pipeline, branch string, run int64, err error) {
	q := r.URL.Query()
	pipeline = q.Get("pipeline")
	branch = q.Get("branch")
	run, err = strconv.ParseInt(q.Get("run"), 10, 64)
	if pipeline == "" || branch == "" || err != nil {
		return "", "", 0, &tuberrors.BadRequestError{Msg: "pipeline, branch and run are required"}
	}
	return pipeline, branch, run, nil
}

// HandleGetArtifactList walks a run's archive or output directory into
// a nested tree.
func HandleGetArtifactList(ctrl *controller.Controller, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pipeline, branch, run, err := artifactParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		dir, err := ctrl.ArtifactDir(kind, pipeline, branch, run)
		if err != nil {
			WriteError(w, err)
			return
		}

		root := treeNode{Label: fmt.Sprintf("%s.%d", pipeline, run)}
		if err := buildTree(dir, dir, &root, kind, pipeline, branch, run); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, root, http.StatusOK)
	}
}

// HandleGetArtifactFile streams one file out of a run's archive or
// output directory.
func HandleGetArtifactFile(ctrl *controller.Controller, kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pipeline, branch, run, err := artifactParams(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		file := r.URL.Query().Get("file")
		if file == "" {
			WriteBadRequest(w, &tuberrors.BadRequestError{Msg: "file is required"})
			return
		}
		path, err := ctrl.ArtifactFile(kind, pipeline, branch, run, file)
		if err != nil {
			WriteError(w, err)
			return
		}
		http.ServeFile(w, r, path)
	}
}

// buildTree recursively fills node with curDir's entries, directories
// first, each level sorted by name.
func buildTree(rootDir, curDir string, node *treeNode, kind, pipeline, branch string, run int64) error {
	entries, err := os.ReadDir(curDir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	for _, e := range entries {
		child := treeNode{Label: e.Name()}
		full := filepath.Join(curDir, e.Name())
		if e.IsDir() {
			if err := buildTree(rootDir, full, &child, kind, pipeline, branch, run); err != nil {
				return err
			}
		} else {
			rel, err := filepath.Rel(rootDir, full)
			if err != nil {
				return err
			}
			child.Href = fmt.Sprintf("/api/%s?pipeline=%s&branch=%s&run=%d&file=%s",
				kind, url.QueryEscape(pipeline), url.QueryEscape(branch), run,
				url.QueryEscape(filepath.ToSlash(rel)))
		}
		node.Children = append(node.Children, child)
	}
	return nil
}
