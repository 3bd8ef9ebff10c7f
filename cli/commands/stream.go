package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortium/eventserver/adapters"
	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/cli/ui"
	"github.com/fortium/eventserver/serializer/msgpack"
)

// statsPageSize is the ReadAll page used to scan the whole log.
const statsPageSize = 500

// NewStreamCommand creates the stream command
func NewStreamCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Inspect event streams",
		Long: `Inspect event streams and the events stored in them.

Stream IDs are "<aggregate-type>-<aggregate-id>", e.g. partner-leo@x.com.

Examples:
  eventserver stream list --prefix payment-    # List payment streams
  eventserver stream events partner-leo@x.com  # Show events for a stream
  eventserver stream info partner-leo@x.com    # Version and timestamps
  eventserver stream export partner-leo@x.com  # Export stream to JSON
  eventserver stream stats                     # Totals per event type`,
	}

	cmd.AddCommand(newStreamListCommand(opts))
	cmd.AddCommand(newStreamEventsCommand(opts))
	cmd.AddCommand(newStreamInfoCommand(opts))
	cmd.AddCommand(newStreamExportCommand(opts))
	cmd.AddCommand(newStreamStatsCommand(opts))

	return cmd
}

func newStreamListCommand(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		prefix string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List event streams",
		Aliases: []string{"ls"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				out := cmd.OutOrStdout()

				streams, err := rt.Storage.ListStreams(ctx, prefix, limit)
				if err != nil {
					return err
				}
				if len(streams) == 0 {
					fmt.Fprintln(out, styles.FormatInfo("No streams found"))
					return nil
				}

				fmt.Fprintln(out, styles.Title.Render(styles.IconStream+" Event Streams"))

				tbl := ui.NewTable("Stream ID", "Events", "Last Event", "Last Updated")
				for _, s := range streams {
					tbl.AddRow(s.StreamID, strconv.FormatInt(s.EventCount, 10), s.LastEventType, s.LastUpdated.Format("2006-01-02 15:04"))
				}
				fmt.Fprintln(out, tbl.Render())
				fmt.Fprintf(out, "\nShowing %d streams\n", len(streams))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum streams to show (0 for all)")
	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "Filter by stream ID prefix")

	return cmd
}

func newStreamEventsCommand(opts *globalOptions) *cobra.Command {
	var (
		limit int
		from  int64
	)

	cmd := &cobra.Command{
		Use:   "events <stream-id>",
		Short: "Show events in a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamID := args[0]
			return opts.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				out := cmd.OutOrStdout()

				events, err := rt.Storage.LoadPage(ctx, streamID, from, limit)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No events in stream '%s'", streamID)))
					return nil
				}

				fmt.Fprintln(out, styles.Title.Render(fmt.Sprintf("%s Stream: %s", styles.IconStream, streamID)))
				for _, e := range events {
					printStoredEvent(out, e)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum events to show")
	cmd.Flags().Int64VarP(&from, "from", "f", 0, "Show events after this sequence number")

	return cmd
}

func printStoredEvent(out io.Writer, e adapters.StoredEvent) {
	fmt.Fprintln(out, styles.Subtitle.Render(fmt.Sprintf("Event #%d: %s", e.Version, e.Type)))
	fmt.Fprintln(out, styles.Muted.Render("  ID: "+e.ID))
	fmt.Fprintln(out, styles.Muted.Render("  Time: "+e.Timestamp.Format(time.RFC3339)))
	if e.Metadata.CorrelationID != "" {
		fmt.Fprintln(out, styles.Muted.Render("  Correlation: "+e.Metadata.CorrelationID))
	}

	data, err := msgpack.ToJSON(e.Data)
	if err != nil {
		fmt.Fprintln(out, styles.FormatWarning("  undecodable payload: "+err.Error()))
		fmt.Fprintln(out, ui.Divider(60))
		return
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "  ", "  "); err == nil {
		fmt.Fprintln(out, "  "+pretty.String())
	} else {
		fmt.Fprintln(out, "  "+string(data))
	}
	fmt.Fprintln(out, ui.Divider(60))
}

func newStreamInfoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <stream-id>",
		Short: "Show stream version and timestamps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				out := cmd.OutOrStdout()

				info, err := rt.Storage.GetStreamInfo(ctx, args[0])
				if errors.Is(err, adapters.ErrStreamNotFound) {
					return fmt.Errorf("stream %q not found", args[0])
				}
				if err != nil {
					return err
				}

				fmt.Fprintln(out, styles.FormatKeyValue("Stream", info.StreamID))
				fmt.Fprintln(out, styles.FormatKeyValue("Category", info.Category))
				fmt.Fprintln(out, styles.FormatKeyValue("Version", strconv.FormatInt(info.Version, 10)))
				fmt.Fprintln(out, styles.FormatKeyValue("Events", strconv.FormatInt(info.EventCount, 10)))
				fmt.Fprintln(out, styles.FormatKeyValue("Created", info.CreatedAt.Format(time.RFC3339)))
				fmt.Fprintln(out, styles.FormatKeyValue("Updated", info.UpdatedAt.Format(time.RFC3339)))
				return nil
			})
		},
	}
}

// ExportedEvent is the JSON form written by stream export.
type ExportedEvent struct {
	ID            string          `json:"id"`
	StreamID      string          `json:"streamId"`
	Type          string          `json:"type"`
	Version       int64           `json:"sequenceNumber"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

func newStreamExportCommand(opts *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export <stream-id>",
		Short: "Export stream events to JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			streamID := args[0]
			return opts.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				stored, err := rt.Storage.Load(ctx, streamID, 0)
				if err != nil {
					return err
				}

				events := make([]ExportedEvent, 0, len(stored))
				for _, e := range stored {
					data, err := msgpack.ToJSON(e.Data)
					if err != nil {
						return fmt.Errorf("event %s: %w", e.ID, err)
					}
					events = append(events, ExportedEvent{
						ID:            e.ID,
						StreamID:      e.StreamID,
						Type:          e.Type,
						Version:       e.Version,
						Data:          data,
						CorrelationID: e.Metadata.CorrelationID,
						CausationID:   e.Metadata.CausationID,
						Timestamp:     e.Timestamp,
					})
				}

				data, err := json.MarshalIndent(events, "", "  ")
				if err != nil {
					return err
				}

				if output == "-" {
					_, err := cmd.OutOrStdout().Write(append(data, '\n'))
					return err
				}
				if output == "" {
					output = streamID + ".json"
				}
				if err := os.WriteFile(output, data, 0o644); err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), styles.FormatSuccess(fmt.Sprintf("Exported %d events to %s", len(events), output)))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", `Output file (default: <stream-id>.json, "-" for stdout)`)

	return cmd
}

// EventStoreStats summarizes the whole log.
type EventStoreStats struct {
	TotalEvents    int64
	TotalStreams   int64
	LastPosition   uint64
	EventTypeCount []EventTypeCount
}

// EventTypeCount is a count of events by type
type EventTypeCount struct {
	Type  string
	Count int64
}

// collectStats scans the global log page by page.
func collectStats(ctx context.Context, store adapters.EventStoreAdapter) (*EventStoreStats, error) {
	stats := &EventStoreStats{}
	streams := make(map[string]struct{})
	types := make(map[string]int64)

	var position uint64
	for {
		page, err := store.ReadAll(ctx, position, statsPageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			stats.TotalEvents++
			streams[e.StreamID] = struct{}{}
			types[e.Type]++
			position = e.GlobalPosition
		}
		if len(page) < statsPageSize {
			break
		}
	}

	stats.TotalStreams = int64(len(streams))
	stats.LastPosition = position
	for t, n := range types {
		stats.EventTypeCount = append(stats.EventTypeCount, EventTypeCount{Type: t, Count: n})
	}
	sort.Slice(stats.EventTypeCount, func(i, j int) bool {
		a, b := stats.EventTypeCount[i], stats.EventTypeCount[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Type < b.Type
	})
	return stats, nil
}

func newStreamStatsCommand(opts *globalOptions) *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show event log statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				out := cmd.OutOrStdout()

				stats, err := collectStats(ctx, rt.Storage)
				if err != nil {
					return err
				}

				fmt.Fprintln(out, styles.Title.Render(styles.IconDatabase+" Event Log Statistics"))
				fmt.Fprintln(out, styles.FormatKeyValue("Total Events", strconv.FormatInt(stats.TotalEvents, 10)))
				fmt.Fprintln(out, styles.FormatKeyValue("Total Streams", strconv.FormatInt(stats.TotalStreams, 10)))
				fmt.Fprintln(out, styles.FormatKeyValue("Last Position", strconv.FormatUint(stats.LastPosition, 10)))

				if len(stats.EventTypeCount) == 0 {
					return nil
				}
				tbl := ui.NewTable("Event Type", "Count")
				for i, t := range stats.EventTypeCount {
					if top > 0 && i >= top {
						break
					}
					tbl.AddRow(t.Type, strconv.FormatInt(t.Count, 10))
				}
				fmt.Fprintln(out, tbl.Render())
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&top, "top", 10, "Event types to show (0 for all)")
	return cmd
}
