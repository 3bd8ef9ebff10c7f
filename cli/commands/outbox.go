package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fortium/eventserver"
	"github.com/fortium/eventserver/cli/config"
	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/middleware/metrics"
	kafkapub "github.com/fortium/eventserver/outbox/kafka"
	natspub "github.com/fortium/eventserver/outbox/nats"
	"github.com/fortium/eventserver/outbox/webhook"
)

// NewOutboxCommand creates the outbox command
func NewOutboxCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Deliver scheduled outbox messages",
		Long: `Deliver outbox messages to the publishers named by outbox.routes.

Messages are scheduled when commands commit; this command publishes them to
kafka, nats or webhook destinations and retries failures until
outbox.max_attempts is reached.

Examples:
  eventserver outbox process --once                # Deliver what is pending and exit
  eventserver outbox process --metrics-addr :9090  # Run until interrupted`,
	}

	cmd.AddCommand(newOutboxProcessCommand(opts))
	cmd.AddCommand(newOutboxRoutesCommand(opts))
	return cmd
}

// closablePublisher is implemented by every publisher the CLI builds.
type closablePublisher interface {
	eventserver.Publisher
	io.Closer
}

// buildPublishers creates one publisher per destination prefix used by the
// configured routes.
func buildPublishers(cfg *config.Config) ([]closablePublisher, error) {
	used := make(map[string]bool)
	for _, r := range cfg.Outbox.Routes {
		prefix, _, _ := strings.Cut(r.Destination, ":")
		used[prefix] = true
	}

	var pubs []closablePublisher
	closeAll := func() {
		for _, p := range pubs {
			_ = p.Close()
		}
	}

	if used[kafkapub.DestinationPrefix] {
		pubs = append(pubs, kafkapub.New(kafkapub.WithBrokers(cfg.Outbox.KafkaBrokers...)))
	}
	if used[natspub.DestinationPrefix] {
		p, err := natspub.Connect(cfg.Outbox.NATSURL)
		if err != nil {
			closeAll()
			return nil, err
		}
		pubs = append(pubs, p)
	}
	if used[webhook.DestinationPrefix] {
		var wopts []webhook.Option
		if cfg.Outbox.WebhookSecret != "" {
			wopts = append(wopts, webhook.WithSigningSecret(cfg.Outbox.WebhookSecret))
		}
		pubs = append(pubs, webhook.New(wopts...))
	}
	return pubs, nil
}

func newOutboxProcessCommand(opts *globalOptions) *cobra.Command {
	var (
		once         bool
		batchSize    int
		pollInterval time.Duration
		metricsAddr  string
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Publish pending outbox messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withRuntime(cmd, func(ctx context.Context, rt *Runtime) error {
				out := cmd.OutOrStdout()
				if rt.Outbox == nil {
					return fmt.Errorf("the %s driver has no outbox store", rt.Config.Database.Driver)
				}
				if len(rt.Config.Outbox.Routes) == 0 {
					fmt.Fprintln(out, styles.FormatInfo("No outbox routes configured"))
					return nil
				}

				pubs, err := buildPublishers(rt.Config)
				if err != nil {
					return err
				}
				defer func() {
					for _, p := range pubs {
						if err := p.Close(); err != nil {
							rt.Logger.Warn("publisher close failed", "destination", p.Destination(), "error", err)
						}
					}
				}()

				m := metrics.New(metrics.WithMetricsServiceName(rt.Config.Project.Name))
				registry := prometheus.NewRegistry()
				if err := m.Register(registry); err != nil {
					return err
				}

				popts := []eventserver.ProcessorOption{
					eventserver.WithBatchSize(batchSize),
					eventserver.WithPollInterval(pollInterval),
					eventserver.WithMaxRetries(rt.Config.Outbox.MaxAttempts),
					eventserver.WithProcessorLogger(rt.Logger),
					eventserver.WithOutboxMetrics(m),
				}
				for _, p := range pubs {
					popts = append(popts, eventserver.WithPublisher(p))
				}
				processor := eventserver.NewOutboxProcessor(rt.Outbox, popts...)

				if once {
					total, err := drainOutbox(ctx, processor)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Processed %d message(s)", total)))
					return nil
				}

				return runOutboxDaemon(ctx, out, rt, processor, registry, metricsAddr)
			})
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Process pending messages and exit")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Messages fetched per batch")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", time.Second, "Delay between polls when idle")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	return cmd
}

// drainOutbox processes batches until one comes back empty.
func drainOutbox(ctx context.Context, processor *eventserver.OutboxProcessor) (int, error) {
	total := 0
	for {
		n, err := processor.ProcessBatch(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

func runOutboxDaemon(ctx context.Context, out io.Writer, rt *Runtime, processor *eventserver.OutboxProcessor, registry *prometheus.Registry, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.Logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		fmt.Fprintln(out, styles.FormatInfo("Serving metrics on "+metricsAddr+"/metrics"))
	}

	if err := processor.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, styles.FormatInfo("Processing outbox for "+strings.Join(processor.Publishers(), ", ")+" (Ctrl+C to stop)"))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var errs []error
	errs = append(errs, processor.Stop(shutdownCtx))
	if srv != nil {
		errs = append(errs, srv.Shutdown(shutdownCtx))
	}
	fmt.Fprintln(out, styles.FormatSuccess("Outbox processor stopped"))
	return errors.Join(errs...)
}

func newOutboxRoutesCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Show the configured outbox routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(cfg.Outbox.Routes) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No outbox routes configured"))
				return nil
			}
			for _, r := range cfg.Outbox.Routes {
				types := "all events"
				if len(r.EventTypes) > 0 {
					types = strings.Join(r.EventTypes, ", ")
				}
				fmt.Fprintf(out, "%s %s %s %s\n", styles.IconDot, types, styles.IconArrow, r.Destination)
			}
			return nil
		},
	}
}
