package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/quorumgrid/keel"
)

func executeRootCommand(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommandPrintsModuleAndVersion(t *testing.T) {
	stdout, stderr, err := executeRootCommand(t, "", "version")
	if err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if stderr != "" {
		t.Fatalf("expected empty stderr, got %q", stderr)
	}
	want := keel.ModulePath() + " " + keel.Version() + "\n"
	if stdout != want {
		t.Fatalf("unexpected stdout: got %q want %q", stdout, want)
	}
}

func TestListCommandAgainstMemoryStore(t *testing.T) {
	t.Setenv("KEEL_STORE", "mem://")

	stdout, _, err := executeRootCommand(t, "", "ls")
	if err != nil {
		t.Fatalf("ls failed: %v", err)
	}
	if stdout != "" {
		t.Fatalf("expected no objects in a fresh memory store, got %q", stdout)
	}
}

func TestPutCommandRejectsInvalidJSON(t *testing.T) {
	t.Setenv("KEEL_STORE", "mem://")

	_, _, err := executeRootCommand(t, "not json", "put", "state/doc")
	if err == nil {
		t.Fatal("expected invalid JSON payload to be refused")
	}
	if !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCommandRepairsStaleCounts(t *testing.T) {
	snapshot := `{
		"collections": {
			"docs": {
				"vectors": [
					{"id": "a", "values": [1, 2]},
					{"id": "b", "values": [3, 4]}
				],
				"cachedCount": 7
			}
		}
	}`
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if err := os.WriteFile(path, []byte(snapshot), 0o600); err != nil {
		t.Fatal(err)
	}

	stdout, _, err := executeRootCommand(t, "", "validate", "--repair", path)
	if err != nil {
		t.Fatalf("validate --repair failed: %v", err)
	}
	if !strings.Contains(stdout, "repaired  docs.cachedCount: 7 -> 2") {
		t.Fatalf("expected repair line in output, got %q", stdout)
	}
	if !strings.Contains(stdout, "ok\n") {
		t.Fatalf("expected ok verdict, got %q", stdout)
	}
}

func TestValidateCommandFailsOnFindings(t *testing.T) {
	snapshot := `{
		"collections": {
			"docs": {
				"vectors": [{"id": "", "values": [1]}],
				"cachedCount": 1
			}
		}
	}`

	stdout, _, err := executeRootCommand(t, snapshot, "validate")
	if err == nil {
		t.Fatalf("expected findings to fail the command, stdout=%q", stdout)
	}
	if !strings.Contains(err.Error(), "consistency check") {
		t.Fatalf("unexpected error: %v", err)
	}
}
