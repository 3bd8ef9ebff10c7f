package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/cli/ui"
)

// NewSubmitCommand creates the submit command
func NewSubmitCommand(opts *globalOptions) *cobra.Command {
	var (
		payloadFile   string
		correlationID string
		asJSON        bool
	)

	cmd := &cobra.Command{
		Use:   "submit <aggregate-type> <aggregate-id> <command-type> [payload]",
		Short: "Submit a command to an aggregate",
		Long: `Submit one command and print the accepted events or the rejection.

The payload is a JSON object given inline, read from --payload-file ("-" for
stdin) or omitted for commands without fields. A rejected command exits
non-zero with its error kind.

Examples:
  eventserver submit partner leo@x.com CreatePartner '{"firstName":"Leo","lastName":"Kim"}'
  eventserver submit payment p-1 CapturePayment --payload-file capture.json
  eventserver submit partner leo@x.com LogIn --correlation-id req-42 --json`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[3:], payloadFile)
			if err != nil {
				return err
			}

			return opts.withService(cmd, func(ctx context.Context, rt *Runtime, svc *eventserver.Service) error {
				if correlationID != "" {
					ctx = eventserver.WithCorrelationID(ctx, correlationID)
				}

				result, submitErr := svc.Submit(ctx, args[0], args[1], args[2], payload)
				rt.Logger.Debug("command submitted",
					"aggregate_type", args[0], "aggregate_id", args[1],
					"command_type", args[2], "error_kind", string(result.ErrorKind))

				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					if err := enc.Encode(result); err != nil {
						return err
					}
				} else {
					printSubmitResult(out, result)
				}

				if submitErr != nil {
					return fmt.Errorf("%s: %s", result.ErrorKind, result.Message)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&payloadFile, "payload-file", "f", "", `Read the payload from a file ("-" for stdin)`)
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID recorded on every resulting event")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")

	return cmd
}

// readPayload picks the inline argument, the payload file or "{}" and checks
// that the result is JSON.
func readPayload(stdin io.Reader, inline []string, file string) ([]byte, error) {
	var payload []byte
	switch {
	case len(inline) > 0 && file != "":
		return nil, fmt.Errorf("give the payload inline or with --payload-file, not both")
	case len(inline) > 0:
		payload = []byte(inline[0])
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		payload = data
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		payload = data
	default:
		payload = []byte("{}")
	}

	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return payload, nil
}

func printSubmitResult(out io.Writer, result *eventserver.SubmitResult) {
	if !result.OK() {
		fmt.Fprintln(out, styles.FormatKeyValue("Result", styles.FormatErrorKind(result.ErrorKind)))
		fmt.Fprintln(out, styles.FormatKeyValue("Message", result.Message))
		if result.Retryable {
			fmt.Fprintln(out, styles.FormatInfo("This failure is transient; the command can be retried"))
		}
		return
	}

	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Accepted %d event(s), stream at version %d", len(result.AcceptedEvents), result.Version)))
	if len(result.AcceptedEvents) == 0 {
		return
	}
	tbl := ui.NewTable("Sequence", "Event")
	for _, e := range result.AcceptedEvents {
		tbl.AddRow(strconv.FormatInt(e.SequenceNumber, 10), e.Type)
	}
	fmt.Fprintln(out, tbl.Render())
}
