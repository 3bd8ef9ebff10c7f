package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/cli/config"
	"github.com/fortium/eventserver/cli/ui"
)

// ============================================================================
// Test Helpers
// ============================================================================

const createLeo = `{"firstName":"Leo","lastName":"Kim","emailAddress":"leo@x.com"}`

// testEnv is a temp directory holding an eventserver.yaml that points at a
// sqlite database in the same directory.
type testEnv struct {
	t          *testing.T
	dir        string
	configPath string
}

type configOption func(*config.Config)

func setupTestEnv(t *testing.T, opts ...configOption) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Project.Name = "cli-test"
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.Path = "events.db"
	cfg.Logging.Level = "error"
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, cfg.Save(dir))

	return &testEnv{t: t, dir: dir, configPath: filepath.Join(dir, config.ConfigFileName)}
}

// run executes the root command with --config pointing at the env.
func (e *testEnv) run(args ...string) (string, error) {
	e.t.Helper()
	return execute(e.t, append([]string{"--config", e.configPath}, args...)...)
}

// mustRun is run that fails the test on error.
func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	out, err := e.run(args...)
	require.NoError(e.t, err, out)
	return out
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func findSubcommand(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// ============================================================================
// Root and version
// ============================================================================

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "eventserver", root.Use)

	for _, name := range []string{"init", "migrate", "submit", "stream", "projection", "outbox", "diagnose", "version"} {
		assert.NotNil(t, findSubcommand(root, name), name)
	}

	for _, flag := range []string{"config", "no-color", "trace", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand("1.2.3", "abc123", "2026-01-01")
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "1.2.3")
	assert.Contains(t, buf.String(), "abc123")
}

func TestLoadConfig_NotFound(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := execute(t, "stream", "list")
	assert.ErrorIs(t, err, errNoConfig)
}

func TestLoadConfig_InvalidConfig(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) { c.Database.Driver = "mysql" })

	_, err := env.run("stream", "list")
	assert.ErrorContains(t, err, "invalid eventserver.yaml")
}

// ============================================================================
// init
// ============================================================================

func TestInitCommand_NonInteractive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "svc")

	out, err := execute(t, "init", dir, "--non-interactive", "--driver", "memory", "--name", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "Created eventserver.yaml")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Project.Name)
	assert.Equal(t, config.DriverMemory, cfg.Database.Driver)

	out, err = execute(t, "init", dir, "--non-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestInitCommand_Postgres(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "init", dir, "--non-interactive", "--driver", "postgres", "--redis-addr", "localhost:6379")
	require.NoError(t, err)
	assert.Contains(t, out, "migrate up")

	data, err := os.ReadFile(filepath.Join(dir, config.ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "${DATABASE_URL}")
	assert.Contains(t, string(data), "redis_addr")
}

func TestInitCommand_InvalidDriver(t *testing.T) {
	_, err := execute(t, "init", t.TempDir(), "--non-interactive", "--driver", "mysql")
	assert.ErrorContains(t, err, "database.driver")
}

// ============================================================================
// submit and projection
// ============================================================================

func TestSubmitAndGetProjection(t *testing.T) {
	env := setupTestEnv(t)

	out := env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", createLeo, "--correlation-id", "req-1")
	assert.Contains(t, out, "Accepted 1 event(s)")
	assert.Contains(t, out, "PartnerCreated")

	// A new process sees the committed document.
	out = env.mustRun("projection", "get", "partners", "leo@x.com", "--raw")
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &doc))
	assert.Equal(t, "Leo", doc["firstName"])

	out = env.mustRun("stream", "events", "partner-leo@x.com")
	assert.Contains(t, out, "PartnerCreated")
	assert.Contains(t, out, "req-1")
}

func TestSubmit_Rejected(t *testing.T) {
	env := setupTestEnv(t)

	out, err := env.run("submit", "partner", "leo@x.com", "CreatePartner", `{"lastName":"Kim"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(eventserver.KindValidation))
	assert.Contains(t, out, string(eventserver.KindValidation))

	env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", createLeo)
	_, err = env.run("submit", "partner", "leo@x.com", "CreatePartner", createLeo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Partner already exists")
}

func TestSubmit_JSON(t *testing.T) {
	env := setupTestEnv(t)

	out := env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", createLeo, "--json")

	var result eventserver.SubmitResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.OK())
	assert.Equal(t, int64(1), result.Version)
	require.Len(t, result.AcceptedEvents, 1)
	assert.Equal(t, "PartnerCreated", result.AcceptedEvents[0].Type)
}

func TestSubmit_PayloadFile(t *testing.T) {
	env := setupTestEnv(t)
	file := filepath.Join(env.dir, "create.json")
	require.NoError(t, os.WriteFile(file, []byte(createLeo), 0o644))

	out := env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", "--payload-file", file)
	assert.Contains(t, out, "Accepted 1 event(s)")
}

func TestReadPayload(t *testing.T) {
	file := filepath.Join(t.TempDir(), "p.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a":1}`), 0o644))

	tests := []struct {
		name    string
		stdin   string
		inline  []string
		file    string
		want    string
		wantErr string
	}{
		{name: "default", want: "{}"},
		{name: "inline", inline: []string{`{"b":2}`}, want: `{"b":2}`},
		{name: "file", file: file, want: `{"a":1}`},
		{name: "stdin", stdin: `{"c":3}`, file: "-", want: `{"c":3}`},
		{name: "both", inline: []string{"{}"}, file: file, wantErr: "not both"},
		{name: "invalid json", inline: []string{"{"}, wantErr: "not valid JSON"},
		{name: "missing file", file: filepath.Join(t.TempDir(), "nope.json"), wantErr: "read payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readPayload(strings.NewReader(tt.stdin), tt.inline, tt.file)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestProjectionCommands(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", createLeo)

	out := env.mustRun("projection", "list")
	assert.Contains(t, out, "partners")
	assert.Contains(t, out, "idle")

	_, err := env.run("projection", "rebuild")
	assert.ErrorContains(t, err, "--all")

	out = env.mustRun("projection", "rebuild", "--all")
	assert.Contains(t, out, "Rebuilt")

	out = env.mustRun("projection", "get", "partners", "leo@x.com")
	assert.Contains(t, out, `"firstName": "Leo"`)

	_, err = env.run("projection", "get", "partners", "nobody@x.com")
	assert.ErrorContains(t, err, "no partners document")

	_, err = env.run("projection", "get", "nonexistent", "k")
	assert.ErrorIs(t, err, eventserver.ErrUnknownProjection)
}

func TestRebuildTracker(t *testing.T) {
	var got []ui.ProgressMsg
	tracker := newRebuildTracker([]string{"a", "b"}, 10, func(m ui.ProgressMsg) { got = append(got, m) })

	tracker.update(eventserver.RebuildProgress{ProjectionName: "a", ProcessedEvents: 5, CurrentPosition: 5})
	tracker.update(eventserver.RebuildProgress{ProjectionName: "b", Completed: true})

	require.Len(t, got, 2)
	assert.InDelta(t, 0.25, got[0].Percent, 0.001)
	assert.Equal(t, "a: 5 events", got[0].Message)
	assert.InDelta(t, 0.75, got[1].Percent, 0.001)
	assert.Equal(t, "b: done", got[1].Message)
}

func TestRebuildTracker_EmptyLog(t *testing.T) {
	var got ui.ProgressMsg
	tracker := newRebuildTracker([]string{"a"}, 0, func(m ui.ProgressMsg) { got = m })
	tracker.update(eventserver.RebuildProgress{ProjectionName: "a", Completed: true})
	assert.Equal(t, 1.0, got.Percent)
}

// ============================================================================
// stream
// ============================================================================

func TestStreamCommands(t *testing.T) {
	env := setupTestEnv(t)
	env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", createLeo)
	env.mustRun("submit", "partner", "ana@x.com", "CreatePartner", `{"firstName":"Ana","lastName":"Ruiz"}`)
	env.mustRun("submit", "partner", "leo@x.com", "LogIn", `{"loginTime":"2026-03-01T09:00:00Z"}`)

	t.Run("list", func(t *testing.T) {
		out := env.mustRun("stream", "list", "--prefix", "partner-")
		assert.Contains(t, out, "partner-leo@x.com")
		assert.Contains(t, out, "partner-ana@x.com")
		assert.Contains(t, out, "Showing 2 streams")
	})

	t.Run("list empty", func(t *testing.T) {
		out := env.mustRun("stream", "list", "--prefix", "payment-")
		assert.Contains(t, out, "No streams found")
	})

	t.Run("events from", func(t *testing.T) {
		out := env.mustRun("stream", "events", "partner-leo@x.com", "--from", "1")
		assert.NotContains(t, out, "PartnerCreated")
		assert.Contains(t, out, "Event #2")
	})

	t.Run("info", func(t *testing.T) {
		out := env.mustRun("stream", "info", "partner-leo@x.com")
		assert.Contains(t, out, "Version:")
		assert.Contains(t, out, "2")

		_, err := env.run("stream", "info", "partner-nobody")
		assert.ErrorContains(t, err, "not found")
	})

	t.Run("export", func(t *testing.T) {
		out := env.mustRun("stream", "export", "partner-leo@x.com", "--output", "-")
		var events []ExportedEvent
		require.NoError(t, json.Unmarshal([]byte(out), &events))
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Version)
		assert.Equal(t, "PartnerCreated", events[0].Type)

		file := filepath.Join(env.dir, "leo.json")
		out = env.mustRun("stream", "export", "partner-leo@x.com", "-o", file)
		assert.Contains(t, out, "Exported 2 events")
		assert.FileExists(t, file)
	})

	t.Run("stats", func(t *testing.T) {
		out := env.mustRun("stream", "stats")
		assert.Contains(t, out, "Total Events")
		assert.Contains(t, out, "PartnerCreated")
	})
}

func TestMsgpackSerializer(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) { c.Database.Serializer = config.SerializerMsgpack })
	env.mustRun("submit", "partner", "leo@x.com", "CreatePartner", createLeo)

	out := env.mustRun("projection", "get", "partners", "leo@x.com")
	assert.Contains(t, out, "Leo")

	out = env.mustRun("stream", "export", "partner-leo@x.com", "--output", "-")
	var events []ExportedEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	var data map[string]any
	require.NoError(t, json.Unmarshal(events[0].Data, &data))
	assert.Equal(t, "Leo", data["firstName"])
}

// ============================================================================
// migrate
// ============================================================================

func TestMigrate_NonPostgres(t *testing.T) {
	env := setupTestEnv(t)
	out := env.mustRun("migrate", "up")
	assert.Contains(t, out, "migrated automatically")

	mem := setupTestEnv(t, func(c *config.Config) { c.Database.Driver = config.DriverMemory })
	out = mem.mustRun("migrate", "version")
	assert.Contains(t, out, "doesn't require migrations")
}

func TestMigrate_List(t *testing.T) {
	env := setupTestEnv(t)
	out := env.mustRun("migrate", "list")
	assert.Contains(t, out, "event_log")
	assert.Contains(t, out, "outbox_messages")
	assert.Contains(t, out, "pending")
}

func TestMigrate_DownRequiresPositiveSteps(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) {
		c.Database.Driver = config.DriverPostgres
		c.Database.URL = "postgres://unused/db"
	})
	_, err := env.run("migrate", "down", "--steps", "0")
	assert.ErrorContains(t, err, "--steps")
}

func TestSplitMigrationName(t *testing.T) {
	v, label := splitMigrationName("000002_projection_documents.up.sql")
	assert.Equal(t, uint(2), v)
	assert.Equal(t, "projection_documents", label)

	v, label = splitMigrationName("notes.up.sql")
	assert.Equal(t, uint(0), v)
	assert.Equal(t, "notes", label)
}

// ============================================================================
// diagnose
// ============================================================================

func TestDiagnose_Healthy(t *testing.T) {
	env := setupTestEnv(t)
	out := env.mustRun("diagnose")
	assert.Contains(t, out, "Event Log")
	assert.Contains(t, out, "sqlite reachable")
	assert.Contains(t, out, "All checks passed")
}

func TestDiagnose_MissingConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, "diagnose")
	require.NoError(t, err)
	assert.Contains(t, out, "eventserver init")
}

func TestDiagnose_FailsOnBadConfig(t *testing.T) {
	env := setupTestEnv(t, func(c *config.Config) { c.Projections.Store = "mongo" })
	out, err := env.run("diagnose")
	require.Error(t, err)
	assert.Contains(t, out, "projections.store")
}

func TestCheckOutbox(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Outbox.Routes = []config.RouteConfig{{Destination: "webhook:http://x"}}

	r := checkOutbox(context.Background(), &DiagnosticEnv{Config: cfg})
	assert.Equal(t, StatusWarning, r.Status)

	cfg.Database.Driver = config.DriverPostgres
	r = checkOutbox(context.Background(), &DiagnosticEnv{Config: cfg})
	assert.Equal(t, StatusOK, r.Status)
	assert.Contains(t, r.Message, "webhook")
}
