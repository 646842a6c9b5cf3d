package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fieldops/layoutd/internal/database"
	"github.com/fieldops/layoutd/internal/web/auth"
)

const metadataDoc = `{
  "entities": [{
    "entityType": "WorkOrder",
    "naturalKey": ["number"],
    "fields": [
      {"name": "number", "type": "text", "required": true},
      {"name": "status", "type": "enum", "required": true, "options": ["open", "closed"]},
      {"name": "due_date", "type": "date"},
      {"name": "comments", "type": "long_text"}
    ]
  }],
  "samples": {
    "WorkOrder": [
      {"number": "WO-1", "status": "open", "due_date": "2026-01-02"},
      {"number": "WO-2", "status": "closed", "comments": "done"}
    ]
  }
}`

// workspace switches into an empty directory so no layoutd.yaml or .env is
// picked up, and sets env on top
func workspace(t *testing.T, env map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	oldWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })

	configPath = ""
	migrateVerbose = false
	for k, v := range env {
		t.Setenv(k, v)
	}
	return dir
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "layoutd" {
		t.Errorf("expected Use to be 'layoutd', got %s", cmd.Use)
	}
	if cmd.Short == "" || cmd.Long == "" {
		t.Error("expected descriptions to be set")
	}

	for _, expected := range []string{"version", "serve", "analyze", "migrate", "token", "completion"} {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == expected {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected command %s to be registered", expected)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	Version = "1.0.0-test"
	GitCommit = "abc123"
	defer func() { Version, GitCommit = "dev", "unknown" }()

	out, _, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	for _, want := range []string{"1.0.0-test", "abc123", "Go version"} {
		if !strings.Contains(out, want) {
			t.Errorf("version output missing %q:\n%s", want, out)
		}
	}
}

func TestTokenCommand(t *testing.T) {
	workspace(t, map[string]string{"LAYOUTD_AUTH_JWT_SECRET": "dev-secret"})

	out, _, err := run(t, "token", "--user", "u1", "--role", "technician")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}

	p, err := auth.NewTokenService("dev-secret", time.Hour).Validate(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not validate: %v", err)
	}
	if p.UserID != "u1" || p.Role != "technician" || p.IsAdmin {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestTokenCommandErrors(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		workspace(t, nil)
		if _, _, err := run(t, "token", "--role", "admin"); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
			t.Errorf("expected jwt_secret error, got %v", err)
		}
	})

	t.Run("missing claims", func(t *testing.T) {
		workspace(t, map[string]string{"LAYOUTD_AUTH_JWT_SECRET": "dev-secret"})
		if _, _, err := run(t, "token"); err == nil {
			t.Error("expected an error without --user or --role")
		}
	})
}

func TestInvalidConfigIsReported(t *testing.T) {
	workspace(t, map[string]string{
		"LAYOUTD_AUTH_JWT_SECRET":    "dev-secret",
		"LAYOUTD_TRACKING_HALF_LIFE": "1h",
	})

	_, stderr, err := run(t, "token", "--role", "admin")
	var reported reportedError
	if !errors.As(err, &reported) {
		t.Fatalf("expected a reported error, got %v", err)
	}
	if !strings.Contains(stderr, "CONFIGURATION ERROR") || !strings.Contains(stderr, "half_life") {
		t.Errorf("unexpected stderr:\n%s", stderr)
	}
}

func TestAnalyzeCommand(t *testing.T) {
	dir := workspace(t, nil)
	metaPath := filepath.Join(dir, "metadata.json")
	if err := os.WriteFile(metaPath, []byte(metadataDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LAYOUTD_DATABASE_DRIVER", "memory")
	t.Setenv("LAYOUTD_METADATA_FILE", metaPath)

	t.Run("table", func(t *testing.T) {
		out, _, err := run(t, "analyze", "WorkOrder", "--no-color")
		if err != nil {
			t.Fatalf("analyze failed: %v", err)
		}
		for _, want := range []string{"WorkOrder (2 sampled records)", "IMPORTANCE", "number", "status", "comments"} {
			if !strings.Contains(out, want) {
				t.Errorf("analyze output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		out, _, err := run(t, "analyze", "WorkOrder", "--json")
		if err != nil {
			t.Fatalf("analyze failed: %v", err)
		}
		var body struct {
			EntityType string `json:"entityType"`
			SampleSize int    `json:"sampleSize"`
			Fields     []struct {
				FieldName string `json:"fieldName"`
			} `json:"fields"`
		}
		if err := json.Unmarshal([]byte(out), &body); err != nil {
			t.Fatalf("invalid JSON output: %v\n%s", err, out)
		}
		if body.EntityType != "WorkOrder" || body.SampleSize != 2 || len(body.Fields) != 4 {
			t.Errorf("unexpected analysis %+v", body)
		}
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, stderr, err := run(t, "analyze", "Invoice", "--no-color")
		if err == nil {
			t.Fatal("expected an error for an unknown entity")
		}
		if !strings.Contains(stderr, "ENTITY NOT FOUND") {
			t.Errorf("unexpected stderr:\n%s", stderr)
		}
	})
}

func TestAnalyzeRequiresMetadataSource(t *testing.T) {
	workspace(t, map[string]string{"LAYOUTD_DATABASE_DRIVER": "memory"})

	_, _, err := run(t, "analyze", "WorkOrder")
	if err == nil || !strings.Contains(err.Error(), "metadata") {
		t.Errorf("expected a metadata source error, got %v", err)
	}
}

func TestMigrateCommand(t *testing.T) {
	dir := workspace(t, nil)
	t.Setenv("LAYOUTD_DATABASE_DRIVER", "sqlite3")
	t.Setenv("LAYOUTD_DATABASE_DSN", "file:"+filepath.Join(dir, "layoutd.db"))

	out, _, err := run(t, "migrate", "up")
	if err != nil {
		t.Fatalf("migrate up failed: %v", err)
	}
	if !strings.Contains(out, "Applied") {
		t.Errorf("unexpected output: %s", out)
	}

	out, _, err = run(t, "migrate", "up")
	if err != nil {
		t.Fatalf("second migrate up failed: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("expected an up to date database, got: %s", out)
	}

	out, _, err = run(t, "migrate", "status", "--no-color")
	if err != nil {
		t.Fatalf("migrate status failed: %v", err)
	}
	for _, m := range database.Migrations {
		if !strings.Contains(out, m.Name) {
			t.Errorf("status output missing %s:\n%s", m.Name, out)
		}
	}
	if strings.Contains(out, "pending") {
		t.Errorf("expected every migration to be applied:\n%s", out)
	}
}

func TestMigrateMemoryDriver(t *testing.T) {
	workspace(t, map[string]string{"LAYOUTD_DATABASE_DRIVER": "memory"})

	if _, _, err := run(t, "migrate", "up"); err == nil {
		t.Error("expected an error for the memory driver")
	}
}

func TestCategorizeDatabaseError(t *testing.T) {
	tests := []struct {
		err  string
		want string
	}{
		{`syntax error at or near "TABLE"`, "SQL syntax error"},
		{"UNIQUE constraint failed: layouts.id", "constraint violation"},
		{`relation "layouts" already exists`, "object already exists"},
		{"dial tcp: connection refused", "database unreachable"},
		{"something odd", "migration failed"},
	}
	for _, tt := range tests {
		got := categorizeDatabaseError(errors.New(tt.err), false)
		if !strings.HasPrefix(got, tt.want) {
			t.Errorf("categorizeDatabaseError(%q) = %q, want prefix %q", tt.err, got, tt.want)
		}
	}

	if got := categorizeDatabaseError(errors.New("raw"), true); got != "raw" {
		t.Errorf("verbose mode should return the raw error, got %q", got)
	}
}

func TestCompletionCommand(t *testing.T) {
	out, _, err := run(t, "completion", "bash")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !strings.Contains(out, "layoutd") {
		t.Error("expected the completion script to reference layoutd")
	}
}
