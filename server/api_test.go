// Forge server: Repository API unit tests
// Copyright Alistair Cunningham 2025

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const api_base = "/api/repositories/alice/widgets"

// Add a feature branch with one new file, and a binary file on main
func (e *web_test_env) branches() {
	e.t.Helper()
	e.write("image.bin", "\x89PNG\x00\x01")
	e.commit("Add image")
	e.git("checkout", "-q", "-b", "feature")
	e.write("src/app.go", "package main\n")
	e.commit("Add app")
	e.git("checkout", "-q", "main")
	e.push("main", "feature")
}

func TestAPIAccess(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	tests := []struct {
		name     string
		method   string
		path     string
		username string
		status   int
	}{
		{"owner", "GET", api_base + "/branches", "alice", http.StatusOK},
		{"reader", "GET", api_base + "/branches", "bob", http.StatusOK},
		{"stranger sees nothing", "GET", api_base + "/branches", "carol", http.StatusNotFound},
		{"anonymous sees nothing", "GET", api_base + "/branches", "", http.StatusNotFound},
		{"unknown project", "GET", "/api/repositories/alice/nothing/branches", "alice", http.StatusNotFound},
		{"reader cannot merge", "POST", api_base + "/merge", "bob", http.StatusForbidden},
		{"reader cannot initialize", "POST", api_base + "/initialize", "bob", http.StatusForbidden},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := e.request(test.method, test.path, test.username, nil)
			if test.method == "POST" {
				w = e.request(test.method, test.path, test.username, strings.NewReader(`{"source":"main","target":"main"}`))
			}
			if w.Code != test.status {
				t.Errorf("%s %s as %q = %d, expected %d: %s", test.method, test.path, test.username, w.Code, test.status, w.Body.String())
			}
		})
	}
}

func TestAPIPublicProject(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	db_open("db/forge.db").exec("update projects set visibility = 'public' where id = ?", e.project.ID)

	if w := e.request("GET", api_base+"/branches", "", nil); w.Code != http.StatusOK {
		t.Errorf("Anonymous read of a public project = %d, expected 200", w.Code)
	}
	if w := e.request("POST", api_base+"/merge", "carol", strings.NewReader(`{"source":"main","target":"main"}`)); w.Code != http.StatusForbidden {
		t.Errorf("Merge by a stranger = %d, expected 403", w.Code)
	}
}

func TestAPIBranchesAndTags(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()
	e.git("tag", "v1")
	e.push("--tags")

	var branches struct {
		Branches []string `json:"branches"`
		Default  string   `json:"default"`
	}
	e.decode(e.request("GET", api_base+"/branches", "bob", nil), &branches)
	if strings.Join(branches.Branches, ",") != "feature,main" || branches.Default != "main" {
		t.Errorf("Unexpected branches %+v", branches)
	}

	var tags struct {
		Tags []string `json:"tags"`
	}
	e.decode(e.request("GET", api_base+"/tags", "bob", nil), &tags)
	if strings.Join(tags.Tags, ",") != "v1" {
		t.Errorf("Unexpected tags %+v", tags)
	}
}

func TestAPITree(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()

	var tree struct {
		Ref     string      `json:"ref"`
		Path    string      `json:"path"`
		Entries []TreeEntry `json:"entries"`
	}

	e.decode(e.request("GET", api_base+"/tree/", "alice", nil), &tree)
	if tree.Ref != "main" || len(tree.Entries) != 2 {
		t.Errorf("Root of the default branch = %+v", tree)
	}

	e.decode(e.request("GET", api_base+"/tree/feature/src", "alice", nil), &tree)
	if tree.Ref != "feature" || tree.Path != "src" || len(tree.Entries) != 1 || tree.Entries[0].Name != "app.go" {
		t.Errorf("feature/src = %+v", tree)
	}
	if tree.Entries[0].Language != "go" || tree.Entries[0].LastCommit == nil || tree.Entries[0].LastCommit.Message != "Add app" {
		t.Errorf("Unexpected entry %+v", tree.Entries[0])
	}

	if w := e.request("GET", api_base+"/tree/main/nothing", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("Missing directory = %d, expected 404", w.Code)
	}
	if w := e.request("GET", api_base+"/tree/nothing", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("Missing ref = %d, expected 404", w.Code)
	}
	if w := e.request("GET", api_base+"/tree/main/README.md", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Tree of a file = %d, expected 400", w.Code)
	}
}

func TestAPIBlob(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()

	var b BlobContent
	e.decode(e.request("GET", api_base+"/blob/feature/src/app.go", "alice", nil), &b)
	if b.Name != "app.go" || b.Path != "src/app.go" || b.Code != "package main\n" || b.Binary || b.Language != "go" {
		t.Errorf("Unexpected blob %+v", b)
	}

	var bin BlobContent
	e.decode(e.request("GET", api_base+"/blob/main/image.bin", "alice", nil), &bin)
	if !bin.Binary || bin.Code != "" || bin.Encoding != "binary" {
		t.Errorf("Binary blob = %+v", bin)
	}

	if w := e.request("GET", api_base+"/blob/main/image.bin?preview=1", "alice", nil); w.Code != http.StatusNoContent {
		t.Errorf("Preview of a binary blob = %d, expected 204", w.Code)
	}
	if w := e.request("GET", api_base+"/blob/main/README.md?preview=1", "alice", nil); w.Code != http.StatusOK {
		t.Errorf("Preview of a text blob = %d, expected 200", w.Code)
	}
	if w := e.request("GET", api_base+"/blob/feature/src", "alice", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Blob of a directory = %d, expected 400", w.Code)
	}

	w := e.request("GET", api_base+"/raw/main/image.bin", "alice", nil)
	if w.Code != http.StatusOK || w.Body.String() != "\x89PNG\x00\x01" || w.Header().Get("Content-Type") != "application/octet-stream" {
		t.Errorf("Raw blob = %d %q %q", w.Code, w.Body.String(), w.Header().Get("Content-Type"))
	}
}

func TestAPICommits(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()

	var commits struct {
		Commits []CommitInfo `json:"commits"`
		Count   int          `json:"count"`
	}
	e.decode(e.request("GET", api_base+"/commits/feature?limit=1", "alice", nil), &commits)
	if commits.Count != 3 || len(commits.Commits) != 1 || commits.Commits[0].Message != "Add app" {
		t.Errorf("Unexpected commits %+v", commits)
	}

	e.decode(e.request("GET", api_base+"/commits/", "alice", nil), &commits)
	if commits.Count != 2 || len(commits.Commits) != 2 {
		t.Errorf("Default branch commits = %+v", commits)
	}
}

func TestAPICompare(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()

	var compare struct {
		Changes   []DiffChange    `json:"changes"`
		Commits   []CommitInfo    `json:"commits"`
		Conflicts []MergeConflict `json:"conflicts"`
	}
	e.decode(e.request("GET", api_base+"/compare?source=feature&target=main", "bob", nil), &compare)
	if len(compare.Changes) != 1 || compare.Changes[0].NewPath != "src/app.go" || compare.Changes[0].Status != "A" {
		t.Errorf("Unexpected changes %+v", compare.Changes)
	}
	if len(compare.Commits) != 1 || compare.Commits[0].Message != "Add app" {
		t.Errorf("Unexpected commits %+v", compare.Commits)
	}
	if compare.Conflicts == nil || len(compare.Conflicts) != 0 {
		t.Errorf("Expected an empty conflict list, got %#v", compare.Conflicts)
	}

	if w := e.request("GET", api_base+"/compare?source=feature", "bob", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Compare without a target = %d, expected 400", w.Code)
	}
	if w := e.request("GET", api_base+"/compare?source=nothing&target=main", "bob", nil); w.Code != http.StatusNotFound {
		t.Errorf("Compare of a missing ref = %d, expected 404", w.Code)
	}
}

func TestAPIConflict(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.git("checkout", "-q", "-b", "feature")
	e.write("README.md", "# Feature\n")
	e.commit("Feature title")
	e.git("checkout", "-q", "main")
	e.write("README.md", "# Main\n")
	e.commit("Main title")
	e.push("main", "feature")

	var conflict struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	e.decode(e.request("GET", api_base+"/conflict?source=feature&target=main&path=README.md", "bob", nil), &conflict)
	if conflict.Content != "<<<<<<< main\n# Main\n=======\n# Feature\n>>>>>>> feature\n" {
		t.Errorf("Unexpected conflict %q", conflict.Content)
	}

	if w := e.request("GET", api_base+"/conflict?source=feature&target=main", "bob", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Conflict without a path = %d, expected 400", w.Code)
	}

	var merge MergeOutcome
	e.decode(e.request("POST", api_base+"/merge", "alice", strings.NewReader(`{"source":"feature","target":"main"}`)), &merge)
	if merge.Success || len(merge.Conflicts) != 1 || merge.Conflicts[0].Path != "README.md" {
		t.Errorf("Unexpected merge outcome %+v", merge)
	}
	if len(e.dispatcher.dispatched()) != 0 {
		t.Error("A failed merge must not dispatch a pipeline")
	}
}

func TestAPIMerge(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()
	before := e.tip("main")

	w := e.request("POST", api_base+"/merge", "alice", strings.NewReader(`{"source":"feature","target":"main","message":"Ship it"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("Merge = %d: %s", w.Code, w.Body.String())
	}
	var merge MergeOutcome
	e.decode(w, &merge)
	if !merge.Success || merge.UpToDate || merge.Commit != e.tip("main") || merge.Commit == before {
		t.Errorf("Unexpected merge outcome %+v", merge)
	}
	if message := e.run(e.bare, "log", "-1", "--format=%s %an", "main"); message != "Ship it alice" {
		t.Errorf("Merge commit = %q", message)
	}
	if got := strings.Join(e.dispatcher.dispatched(), ","); got != "alice/widgets:main:alice" {
		t.Errorf("Merge should dispatch a pipeline for the target, got %q", got)
	}
	stored, _ := directory.project("alice", "widgets")
	if stored.Archive == "" {
		t.Error("Merge should persist the repository")
	}

	// Merging again changes nothing
	e.decode(e.request("POST", api_base+"/merge", "alice", strings.NewReader(`{"source":"feature","target":"main"}`)), &merge)
	if !merge.Success || !merge.UpToDate {
		t.Errorf("Second merge should be up to date, got %+v", merge)
	}
	if len(e.dispatcher.dispatched()) != 1 {
		t.Error("An up to date merge must not dispatch a pipeline")
	}

	if w := e.request("POST", api_base+"/merge", "alice", strings.NewReader(`{"source":"feature"}`)); w.Code != http.StatusBadRequest {
		t.Errorf("Merge without a target = %d, expected 400", w.Code)
	}
}

func TestAPIWorkflow(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	if w := e.request("GET", api_base+"/workflow/", "alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("Workflow without a file = %d, expected 404", w.Code)
	}

	e.write(workflow_file, "name: build\nbranches: [main]\nsteps:\n  - name: test\n    run: make test\n")
	e.commit("Add workflow")
	e.push("main")

	var w Workflow
	e.decode(e.request("GET", api_base+"/workflow/main", "alice", nil), &w)
	if w.Name != "build" || len(w.Steps) != 1 || w.Steps[0].Run != "make test" {
		t.Errorf("Unexpected workflow %+v", w)
	}
}

func TestAPIInitialize(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	if _, err := project_create("alice", "gadgets", "private", "trunk"); err != nil {
		t.Fatalf("project_create failed: %v", err)
	}

	w := e.request("POST", "/api/repositories/alice/gadgets/initialize", "alice", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Initialize = %d: %s", w.Code, w.Body.String())
	}

	var branches struct {
		Branches []string `json:"branches"`
		Default  string   `json:"default"`
	}
	e.decode(e.request("GET", "/api/repositories/alice/gadgets/branches", "alice", nil), &branches)
	if len(branches.Branches) != 0 || branches.Default != "trunk" {
		t.Errorf("New repository should be empty with default trunk, got %+v", branches)
	}

	if w := e.request("POST", "/api/repositories/alice/gadgets/initialize", "alice", nil); w.Code != http.StatusConflict {
		t.Errorf("Second initialize = %d, expected 409", w.Code)
	}
}

// Dispatcher which ends the client's request before checking its own context
type disconnecting_dispatcher struct {
	disconnect context.CancelFunc
	err        error
	called     bool
}

func (d *disconnecting_dispatcher) dispatch(ctx context.Context, p *Project, u *User, branch string) error {
	d.disconnect()
	d.called = true
	d.err = ctx.Err()
	return nil
}

func TestAPIMergeOutlivesClient(t *testing.T) {
	e, cleanup := create_web_test_env(t)
	defer cleanup()

	e.branches()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &disconnecting_dispatcher{disconnect: cancel}
	pipelines = d

	req := httptest.NewRequest("POST", api_base+"/merge", strings.NewReader(`{"source":"feature","target":"main"}`)).WithContext(ctx)
	req.SetBasicAuth("alice", "secret")
	req.Header.Set("Content-Type", "application/json")
	e.router.ServeHTTP(httptest.NewRecorder(), req)

	if !d.called {
		t.Fatal("Merge should dispatch a pipeline")
	}
	if d.err != nil {
		t.Errorf("Work after a merge should not stop when the client goes away, got %v", d.err)
	}
}
