package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/cli/ui"
)

// NewProjectionCommand creates the projection command
func NewProjectionCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projection",
		Short: "Read and rebuild projections",
		Long: `Read projection documents, show projection state and rebuild
projections from the event log.

Examples:
  eventserver projection list                      # Show every projection
  eventserver projection get partners leo@x.com    # Print one document
  eventserver projection rebuild partners          # Replay one projection
  eventserver projection rebuild --all             # Replay all of them`,
		Aliases: []string{"proj"},
	}

	cmd.AddCommand(newProjectionListCommand(opts))
	cmd.AddCommand(newProjectionGetCommand(opts))
	cmd.AddCommand(newProjectionRebuildCommand(opts))

	return cmd
}

func newProjectionListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List projections and their state",
		Aliases: []string{"ls", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, _ *Runtime, svc *eventserver.Service) error {
				out := cmd.OutOrStdout()

				fmt.Fprintln(out, styles.Title.Render("Projections"))
				tbl := ui.NewTable("Name", "State", "Applied", "Skipped", "Failures", "Last Applied")
				for _, s := range svc.Projections().Statuses() {
					last := "-"
					if !s.LastAppliedAt.IsZero() {
						last = s.LastAppliedAt.Format("2006-01-02 15:04:05")
					}
					tbl.AddRow(s.Name, ui.StatusBadge(string(s.State)),
						strconv.FormatUint(s.EventsApplied, 10),
						strconv.FormatUint(s.EventsSkipped, 10),
						strconv.FormatUint(s.Failures, 10),
						last)
				}
				fmt.Fprintln(out, tbl.Render())
				return nil
			})
		},
	}
}

func newProjectionGetCommand(opts *globalOptions) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "get <projection> <key>",
		Short: "Print a projection document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, func(ctx context.Context, _ *Runtime, svc *eventserver.Service) error {
				data, err := svc.GetProjection(ctx, args[0], args[1])
				switch {
				case errors.Is(err, eventserver.ErrNotFound):
					return fmt.Errorf("no %s document for key %q", args[0], args[1])
				case err != nil:
					return err
				}

				out := cmd.OutOrStdout()
				if raw {
					_, err := out.Write(append(data, '\n'))
					return err
				}
				var pretty bytes.Buffer
				if err := json.Indent(&pretty, data, "", "  "); err != nil {
					pretty.Reset()
					pretty.Write(data)
				}
				fmt.Fprintln(out, pretty.String())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored bytes without indentation")
	return cmd
}

func newProjectionRebuildCommand(opts *globalOptions) *cobra.Command {
	var (
		all         bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "rebuild [projection...]",
		Short: "Drop projection documents and replay the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("name the projections to rebuild or pass --all")
			}

			return opts.withService(cmd, func(ctx context.Context, rt *Runtime, svc *eventserver.Service) error {
				names := args
				if all {
					names = svc.Projections().Names()
				}

				last, err := rt.Storage.GetLastPosition(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				started := time.Now()
				err = ui.RunProgress(out, "Rebuilding projections", func(report func(ui.ProgressMsg)) error {
					tracker := newRebuildTracker(names, last, report)
					rebuilder := svc.Rebuilder(
						eventserver.WithRebuildConcurrency(concurrency),
						eventserver.WithProgressCallback(tracker.update),
					)
					return rebuilder.RebuildAll(ctx, names...)
				})
				if err != nil {
					return err
				}

				fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Rebuilt %d projection(s) in %s", len(names), time.Since(started).Round(time.Millisecond))))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Rebuild every projection")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "Projections replayed at once")
	return cmd
}

// rebuildTracker folds per-projection progress into one overall fraction.
// Rebuilder callbacks arrive from several goroutines.
type rebuildTracker struct {
	mu       sync.Mutex
	last     uint64
	position map[string]uint64
	report   func(ui.ProgressMsg)
}

func newRebuildTracker(names []string, last uint64, report func(ui.ProgressMsg)) *rebuildTracker {
	position := make(map[string]uint64, len(names))
	for _, n := range names {
		position[n] = 0
	}
	return &rebuildTracker{last: last, position: position, report: report}
}

func (t *rebuildTracker) update(p eventserver.RebuildProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := p.CurrentPosition
	if p.Completed || pos > t.last {
		pos = t.last
	}
	t.position[p.ProjectionName] = pos

	percent := 1.0
	if t.last > 0 && len(t.position) > 0 {
		var sum uint64
		for _, v := range t.position {
			sum += v
		}
		percent = float64(sum) / float64(t.last*uint64(len(t.position)))
	}

	msg := fmt.Sprintf("%s: %d events", p.ProjectionName, p.ProcessedEvents)
	if p.Completed {
		msg = p.ProjectionName + ": done"
	}
	t.report(ui.ProgressMsg{Percent: percent, Message: msg})
}
