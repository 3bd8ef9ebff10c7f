package commands

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/fortium/eventserver/adapters/postgres"
	"github.com/fortium/eventserver/cli/config"
	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/cli/ui"
)

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Run diagnostic checks",
		Long: `Run diagnostic checks on your eventserver setup.

This command verifies:
  • Configuration file validity
  • Event log connectivity
  • Postgres schema version
  • Projection document store
  • Outbox routes and publishers`,
		Aliases: []string{"diag", "doctor"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()

			env := newDiagnosticEnv(ctx, opts, cmd)
			defer env.Close(ctx)

			results := runDiagnostics(ctx, cmd, env, defaultChecks())
			for _, r := range results {
				if r.Status == StatusError {
					return fmt.Errorf("%s check failed", r.Name)
				}
			}
			return nil
		},
	}
}

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name           string
	Status         CheckStatus
	Message        string
	Recommendation string
}

func newCheckResult(name string, status CheckStatus, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message}
}

func (r CheckResult) withRecommendation(rec string) CheckResult {
	r.Recommendation = rec
	return r
}

// DiagnosticCheck represents a diagnostic check function
type DiagnosticCheck struct {
	Name  string
	Check func(ctx context.Context, env *DiagnosticEnv) CheckResult
}

// DiagnosticEnv is loaded once and shared by every check.
type DiagnosticEnv struct {
	Config    *config.Config
	ConfigErr error
	Runtime   *Runtime
	OpenErr   error
}

func newDiagnosticEnv(ctx context.Context, opts *globalOptions, cmd *cobra.Command) *DiagnosticEnv {
	env := &DiagnosticEnv{}
	env.Config, _, env.ConfigErr = opts.loadConfig()
	if env.ConfigErr != nil {
		return env
	}
	if problems := env.Config.Validate(); len(problems) > 0 {
		return env
	}
	env.Runtime, env.OpenErr = opts.openRuntime(ctx, cmd.ErrOrStderr())
	return env
}

// Close releases the runtime when one was opened.
func (e *DiagnosticEnv) Close(ctx context.Context) {
	if e.Runtime != nil {
		e.Runtime.Close(ctx)
	}
}

func defaultChecks() []DiagnosticCheck {
	return []DiagnosticCheck{
		{Name: "Go Version", Check: checkGoVersion},
		{Name: "Configuration", Check: checkConfiguration},
		{Name: "Event Log", Check: checkEventLog},
		{Name: "Postgres Schema", Check: checkSchema},
		{Name: "Projection Store", Check: checkProjectionStore},
		{Name: "Outbox", Check: checkOutbox},
		{Name: "System Resources", Check: checkSystemResources},
	}
}

func runDiagnostics(ctx context.Context, cmd *cobra.Command, env *DiagnosticEnv, checks []DiagnosticCheck) []CheckResult {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, ui.Banner())
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render(styles.IconHealth+" Running Diagnostics"))

	results := make([]CheckResult, 0, len(checks))
	allPassed := true
	for _, check := range checks {
		fmt.Fprintf(out, "  %s Checking %s... ", styles.IconPending, check.Name)

		result := check.Check(ctx, env)
		result.Name = check.Name
		results = append(results, result)

		switch result.Status {
		case StatusOK:
			fmt.Fprintln(out, styles.SuccessStyle.Render("OK"))
		case StatusWarning:
			fmt.Fprintln(out, styles.WarningStyle.Render("WARNING"))
			allPassed = false
		default:
			fmt.Fprintln(out, styles.ErrorStyle.Render("FAILED"))
			allPassed = false
		}
		if result.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(result.Message))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(50))

	if allPassed {
		fmt.Fprintln(out, styles.FormatSuccess("All checks passed! Your eventserver setup is healthy."))
		return results
	}

	fmt.Fprintln(out, styles.FormatWarning("Some checks failed or have warnings."))
	fmt.Fprintln(out, styles.Subtitle.Render("Recommendations:"))
	for _, r := range results {
		if r.Recommendation != "" {
			fmt.Fprintf(out, "  %s %s\n", styles.IconArrow, r.Recommendation)
		}
	}
	return results
}

func checkGoVersion(context.Context, *DiagnosticEnv) CheckResult {
	version := runtime.Version()
	const name = "Go Version"
	// Development toolchains report "devel ..." and are not compared.
	if v := "v" + strings.TrimPrefix(version, "go"); semver.IsValid(v) && semver.Compare(v, "v1.24") < 0 {
		return newCheckResult(name, StatusWarning, version).
			withRecommendation("Build with Go 1.24 or later")
	}
	return newCheckResult(name, StatusOK, version)
}

func checkConfiguration(_ context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Configuration"
	if errors.Is(env.ConfigErr, errNoConfig) {
		return newCheckResult(name, StatusWarning, "No "+config.ConfigFileName+" found").
			withRecommendation("Run 'eventserver init' to create a configuration file")
	}
	if env.ConfigErr != nil {
		return newCheckResult(name, StatusError, fmt.Sprintf("Invalid config: %v", env.ConfigErr)).
			withRecommendation("Check " + config.ConfigFileName + " syntax")
	}
	if problems := env.Config.Validate(); len(problems) > 0 {
		return newCheckResult(name, StatusError, fmt.Sprintf("%d validation error(s)", len(problems))).
			withRecommendation(problems[0])
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Project: %s, Driver: %s", env.Config.Project.Name, env.Config.Database.Driver))
}

func checkEventLog(ctx context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Event Log"
	if env.Runtime == nil && env.OpenErr == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no valid configuration)")
	}
	if env.OpenErr != nil {
		return newCheckResult(name, StatusError, env.OpenErr.Error()).
			withRecommendation("Verify the database settings and that the server is reachable")
	}

	if err := env.Runtime.Storage.Ping(ctx); err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check database server status")
	}
	position, err := env.Runtime.Storage.GetLastPosition(ctx)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).
			withRecommendation("Run 'eventserver migrate up' to create the event log")
	}
	msg := fmt.Sprintf("%s reachable, last position %d", env.Config.Database.Driver, position)
	if env.Config.Database.Driver == config.DriverMemory {
		return newCheckResult(name, StatusWarning, msg+" (memory driver keeps nothing between runs)").
			withRecommendation("Use the sqlite or postgres driver outside tests")
	}
	return newCheckResult(name, StatusOK, msg)
}

func checkSchema(_ context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Postgres Schema"
	if env.Config == nil || env.Config.Database.Driver != config.DriverPostgres {
		return newCheckResult(name, StatusOK, "Skipped (not using postgres)")
	}
	url := env.Config.DatabaseURL()
	if url == "" {
		return newCheckResult(name, StatusWarning, "Skipped (no database URL)").
			withRecommendation("Set DATABASE_URL")
	}

	version, dirty, err := postgres.MigrationVersion(url)
	if err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check database permissions")
	}
	names, err := postgres.Migrations()
	if err != nil {
		return newCheckResult(name, StatusError, err.Error())
	}
	latest := uint(0)
	for _, n := range names {
		if v, _ := splitMigrationName(n); v > latest {
			latest = v
		}
	}

	switch {
	case dirty:
		return newCheckResult(name, StatusError, fmt.Sprintf("Version %d is dirty", version)).
			withRecommendation("Repair the failed migration, then run 'eventserver migrate up'")
	case version < latest:
		return newCheckResult(name, StatusWarning, fmt.Sprintf("Version %d of %d", version, latest)).
			withRecommendation("Run 'eventserver migrate up'")
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("Version %d (latest)", version))
}

func checkProjectionStore(ctx context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Projection Store"
	if env.Runtime == nil {
		return newCheckResult(name, StatusWarning, "Skipped (event log unavailable)")
	}
	if env.Config.Projections.Store != config.ProjectionStoreRedis {
		return newCheckResult(name, StatusOK, "Documents stored alongside the event log")
	}
	if err := env.Runtime.rdb.Ping(ctx).Err(); err != nil {
		return newCheckResult(name, StatusError, err.Error()).withRecommendation("Check that redis is running")
	}
	return newCheckResult(name, StatusOK, "redis at "+env.Config.Projections.RedisAddr)
}

func checkOutbox(_ context.Context, env *DiagnosticEnv) CheckResult {
	const name = "Outbox"
	if env.Config == nil {
		return newCheckResult(name, StatusWarning, "Skipped (no configuration)")
	}
	routes := env.Config.Outbox.Routes
	if len(routes) == 0 {
		return newCheckResult(name, StatusOK, "No routes configured")
	}
	if env.Config.Database.Driver == config.DriverSQLite {
		return newCheckResult(name, StatusWarning, fmt.Sprintf("%d route(s) ignored: sqlite has no outbox store", len(routes))).
			withRecommendation("Use the postgres driver to deliver outbox messages")
	}

	prefixes := make([]string, 0, len(routes))
	for _, r := range routes {
		prefix, _, _ := strings.Cut(r.Destination, ":")
		prefixes = append(prefixes, prefix)
	}
	return newCheckResult(name, StatusOK, fmt.Sprintf("%d route(s) via %s", len(routes), strings.Join(prefixes, ", ")))
}

func checkSystemResources(context.Context, *DiagnosticEnv) CheckResult {
	const name = "System Resources"
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	allocMB := float64(m.Alloc) / 1024 / 1024
	sysMB := float64(m.Sys) / 1024 / 1024
	message := fmt.Sprintf("%d CPUs, memory: %.1f MB used, %.1f MB total", runtime.NumCPU(), allocMB, sysMB)

	if allocMB > 500 {
		return newCheckResult(name, StatusWarning, message).withRecommendation("Consider optimizing memory usage")
	}
	return newCheckResult(name, StatusOK, message)
}

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Banner())

			tbl := ui.NewTable("", "")
			tbl.AddRow("Version", version)
			tbl.AddRow("Commit", commit)
			tbl.AddRow("Built", date)
			tbl.AddRow("Go", runtime.Version())
			tbl.AddRow("OS/Arch", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH))

			fmt.Fprintln(out, tbl.Render())
			return nil
		},
	}
}
