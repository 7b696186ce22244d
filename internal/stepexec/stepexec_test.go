package stepexec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alagyn/tubular/internal/model"
	"github.com/alagyn/tubular/internal/subst"
)

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "500ms"},
		{3500 * time.Millisecond, "3.5s"},
		{90 * time.Second, "1min 30s"},
		{90*time.Minute + 5*time.Second, "1hr 30min 5s"},
	}
	for _, c := range cases {
		if got := formatElapsed(c.d); got != c.want {
			t.Errorf("formatElapsed(%v) = %q, want %q", c.d, got, c.want)
		}
	}
}

func TestScriptCommandTable(t *testing.T) {
	cases := []struct {
		lang        string
		interpreter string
		ext         string
	}{
		{"shell", "sh", "sh"},
		{"Shell", "sh", "sh"},
		{"batch", "", "bat"},
		{"bat", "", "bat"},
		{"powershell", "", "ps"},
		{"ps", "", "ps"},
		{"python", "python3", "py"},
		{"py", "python3", "py"},
	}
	for _, c := range cases {
		interpreter, ext, err := scriptCommand(c.lang)
		if err != nil {
			t.Errorf("scriptCommand(%q) error = %v", c.lang, err)
			continue
		}
		if interpreter != c.interpreter || ext != c.ext {
			t.Errorf("scriptCommand(%q) = (%q, %q), want (%q, %q)",
				c.lang, interpreter, ext, c.interpreter, c.ext)
		}
	}

	for _, lang := range []string{"", "ruby", "cmd"} {
		if _, _, err := scriptCommand(lang); err == nil {
			t.Errorf("scriptCommand(%q) expected error", lang)
		}
	}
}

func TestRunScriptStep(t *testing.T) {
	work := t.TempDir()
	var out bytes.Buffer
	env := NewEnv(work, t.TempDir(), map[string]string{"msg": "hi"}, subst.NewConstants(), &out)

	state, err := env.RunStep(context.Background(), model.StepDef{
		Display: "say hi",
		Action:  model.ScriptStep{Lang: "shell", Body: "echo @{msg}"},
	})
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !state.Exited || state.ExitCode != 0 {
		t.Fatalf("state = %+v", state)
	}
	if !bytesContains(out.Bytes(), "[ Script ") {
		t.Fatalf("output = %q, want a script banner", out.String())
	}
	if !bytesContains(out.Bytes(), "hi") {
		t.Fatalf("output = %q, want script output", out.String())
	}
	// The script body lands in the workspace as step-<n>.<ext>.
	if _, err := os.Stat(filepath.Join(work, "step-1.sh")); err != nil {
		t.Fatalf("step script file: %v", err)
	}
}

func TestRunScriptStepRejectsUnknownLang(t *testing.T) {
	var out bytes.Buffer
	env := NewEnv(t.TempDir(), t.TempDir(), nil, subst.NewConstants(), &out)

	_, err := env.RunStep(context.Background(), model.StepDef{
		Display: "bad",
		Action:  model.ScriptStep{Lang: "ruby", Body: "puts :no"},
	})
	if err == nil {
		t.Fatal("expected invalid-language error")
	}
}

func TestRunExecStep(t *testing.T) {
	work := t.TempDir()
	var out bytes.Buffer
	env := NewEnv(work, t.TempDir(), map[string]string{"msg": "hi"}, subst.NewConstants(), &out)

	state, err := env.RunStep(context.Background(), model.StepDef{
		Display: "echo",
		Action:  model.ExecStep{CommandLine: "echo @{msg}"},
	})
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !state.Exited || state.ExitCode != 0 {
		t.Fatalf("state = %+v", state)
	}
	if !bytesContains(out.Bytes(), "hi") {
		t.Fatalf("output = %q, want to contain substituted arg", out.String())
	}
}

func TestRunArchiveStepRejectsTraversal(t *testing.T) {
	work := t.TempDir()
	var out bytes.Buffer
	env := NewEnv(work, t.TempDir(), nil, subst.NewConstants(), &out)

	_, err := env.RunStep(context.Background(), model.StepDef{
		Display: "archive",
		Action:  model.ArchiveStep{Target: "../escape"},
	})
	if err == nil {
		t.Fatal("expected path traversal error")
	}
}

func TestRunArchiveStepCopiesFile(t *testing.T) {
	work := t.TempDir()
	archiveDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(work, "result.txt"), []byte("ok"), 0o644); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	env := NewEnv(work, archiveDir, nil, subst.NewConstants(), &out)

	state, err := env.RunStep(context.Background(), model.StepDef{
		Display: "archive result",
		Action:  model.ArchiveStep{Target: "result.txt"},
	})
	if err != nil {
		t.Fatalf("RunStep() error = %v", err)
	}
	if !state.Exited || state.ExitCode != 0 {
		t.Fatalf("state = %+v", state)
	}
	got, err := os.ReadFile(filepath.Join(archiveDir, "result.txt"))
	if err != nil || string(got) != "ok" {
		t.Fatalf("archived file = %q, %v", got, err)
	}
}

func bytesContains(b []byte, s string) bool {
	return len(s) == 0 || (len(b) >= len(s) && indexOf(string(b), s) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
