package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/teranos/nodereg/am"
	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
	"github.com/teranos/nodereg/pulse/pipeline"
	"github.com/teranos/nodereg/registry"
	"github.com/teranos/nodereg/sym"
)

// PipelineCmd represents the pipeline command
var PipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: sym.Pulse + " Inspect and run the enrichment pipeline",
	Long: sym.Pulse + ` pipeline: Enrichment pipeline

Every interview holds at most one open ticket. Tickets move
pending → processing → lightning_qa → expert_qa → linear_integration →
claude_automation → completed, or drop to failed from any open stage.
Lower priority numbers are dequeued first; equal priorities keep creation order.

Examples:
  nodereg pipeline status                 # Ticket counts and open tickets
  nodereg pipeline status --stage failed  # Tickets in one stage
  nodereg pipeline run                    # Process until nothing is pending
  nodereg pipeline run --follow           # Keep polling until Ctrl+C
  nodereg pipeline retry <ticket-id>
  nodereg pipeline cancel <ticket-id>`,
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ticket counts and tickets",
	RunE:  runPipelineStatus,
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run workers over pending tickets",
	RunE:  runPipelineRun,
}

var pipelineEnqueueCmd = &cobra.Command{
	Use:   "enqueue <entity-id>",
	Short: "Open a ticket for an interview that has none",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineEnqueue,
}

var pipelineRetryCmd = &cobra.Command{
	Use:   "retry <ticket-id>",
	Short: "Send a failed ticket back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineRetry,
}

var pipelineCancelCmd = &cobra.Command{
	Use:   "cancel <ticket-id>",
	Short: "Fail an open ticket with reason canceled",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineCancel,
}

var (
	pipelineStage    string
	pipelineFollow   bool
	pipelineWorkers  int
	pipelinePriority int
)

func init() {
	pipelineStatusCmd.Flags().StringVar(&pipelineStage, "stage", "", "Only tickets in this stage")
	pipelineRunCmd.Flags().BoolVar(&pipelineFollow, "follow", false, "Keep polling for new tickets until interrupted")
	pipelineRunCmd.Flags().IntVar(&pipelineWorkers, "workers", 0, "Worker count (default from config)")
	pipelineEnqueueCmd.Flags().IntVar(&pipelinePriority, "priority", 0, "Priority 1 (highest) to 10 (default from config)")

	PipelineCmd.AddCommand(pipelineStatusCmd)
	PipelineCmd.AddCommand(pipelineRunCmd)
	PipelineCmd.AddCommand(pipelineEnqueueCmd)
	PipelineCmd.AddCommand(pipelineRetryCmd)
	PipelineCmd.AddCommand(pipelineCancelCmd)
}

// stageHandlers wires the checks the CLI can run locally. Stages without a
// handler pass straight through.
func stageHandlers(reg *registry.Registry) *pipeline.HandlerRegistry {
	h := pipeline.NewHandlerRegistry()
	h.Register(pipeline.HandlerFunc(pipeline.StageLightningQA, func(ctx context.Context, t pipeline.Ticket) error {
		e, err := reg.Get(ctx, t.EntityID)
		if err != nil {
			return err
		}
		var missing []string
		if strings.TrimSpace(e.Payload.Identity) == "" {
			missing = append(missing, "identity")
		}
		if strings.TrimSpace(e.Payload.Capabilities) == "" {
			missing = append(missing, "capabilities")
		}
		if len(missing) > 0 {
			return errors.Newf("missing %s", strings.Join(missing, ", "))
		}
		return nil
	}))
	h.Register(pipeline.HandlerFunc(pipeline.StageLinearIntegration, func(ctx context.Context, t pipeline.Ticket) error {
		e, err := reg.Get(ctx, t.EntityID)
		if err != nil {
			return err
		}
		if e.Address == nil {
			return errors.Newf("no address assigned")
		}
		return nil
	}))
	return h
}

func runPipelineStatus(cmd *cobra.Command, args []string) error {
	var stage pipeline.Stage
	if pipelineStage != "" {
		s, err := pipeline.ParseStage(pipelineStage)
		if err != nil {
			return err
		}
		stage = s
	}

	ctx := cmd.Context()
	return withSession(ctx, false, func(s *session) error {
		stats := s.reg.Stats().Pipeline

		fmt.Printf("%s Pipeline\n", sym.Pulse)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
		for _, st := range pipeline.Stages() {
			fmt.Printf("  %-20s %d\n", st, stats.ByStage[st])
		}
		fmt.Printf("\n  Open: %d   Pending: %d   Total: %d\n\n", stats.Open, stats.Pending, stats.Total)

		tickets := s.reg.Tickets(stage)
		if len(tickets) == 0 {
			return nil
		}
		rows := pterm.TableData{{"Ticket", "Entity", "Priority", "Stage", "Attempts", "Reason"}}
		for _, t := range tickets {
			if stage == "" && !t.Open() && t.Stage != pipeline.StageFailed {
				continue
			}
			rows = append(rows, []string{t.ID, t.EntityID, fmt.Sprint(t.Priority), string(t.Stage), fmt.Sprint(t.Attempts), t.Reason})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	})
}

func runPipelineRun(cmd *cobra.Command, args []string) error {
	var opts []registry.Option
	if pipelineWorkers > 0 {
		cfg, err := am.Load()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		poolCfg := pipeline.DefaultWorkerPoolConfig()
		poolCfg.Workers = pipelineWorkers
		if cfg.Pipeline.PollIntervalMS > 0 {
			poolCfg.PollInterval = time.Duration(cfg.Pipeline.PollIntervalMS) * time.Millisecond
		}
		opts = append(opts, registry.WithWorkerPoolConfig(poolCfg))
	}

	ctx := cmd.Context()
	return withSessionOptions(ctx, true, opts, func(s *session) error {
		pool := s.reg.NewWorkerPool(stageHandlers(s.reg))

		verbosity, _ := cmd.Flags().GetCount("verbose")
		if logger.ShouldLogTrace(verbosity) {
			updates := s.reg.Subscribe()
			defer s.reg.Unsubscribe(updates)
			go traceTickets(updates)
		}

		if !pipelineFollow {
			spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Running %d worker(s)...", pool.Workers()))
			start := time.Now()
			n, err := pool.Drain(s.ctx)
			if err != nil {
				spinner.Fail(err.Error())
				return err
			}
			spinner.Success(fmt.Sprintf("Processed %d ticket(s), %d failed, in %s",
				n, pool.Failed(), time.Since(start).Round(time.Millisecond)))
			return nil
		}

		if intro, err := am.GetConfigIntrospection(); err == nil && intro.ConfigFile != "" {
			if err := s.reg.Watch(intro.ConfigFile); err != nil {
				logger.PulseWarnw("Config hot reload disabled", logger.FieldPath, intro.ConfigFile, logger.FieldError, err)
			}
		}

		fmt.Printf("%s Pipeline workers started (%d)\n", sym.Pulse, pool.Workers())
		fmt.Printf("%s Press Ctrl+C for graceful shutdown\n\n", sym.Pulse)
		pool.Start(s.ctx)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Printf("\n%s Stopping workers...\n", sym.Pulse)
		if err := pool.Stop(); err != nil {
			return err
		}
		logger.PulseInfow("Workers stopped", "processed", pool.Processed(), "failed", pool.Failed())
		fmt.Printf("%s Processed %d ticket(s), %d failed\n", sym.Pulse, pool.Processed(), pool.Failed())
		return nil
	})
}

// traceTickets prints every stage transition until updates is unsubscribed.
// The registry never closes subscriber channels, so this exits with the process.
func traceTickets(updates <-chan pipeline.Ticket) {
	for t := range updates {
		pterm.Info.Printfln("%s %s %s → %s", sym.Pulse, t.ID, t.EntityID, t.Stage)
	}
}

func runPipelineEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		priority := pipelinePriority
		if priority == 0 {
			priority = s.cfg.GetDefaultPriority()
		}
		t, err := s.reg.Enqueue(s.ctx, args[0], priority)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Ticket %s opened at priority %d", t.ID, t.Priority)
		return nil
	})
}

func runPipelineRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		t, err := s.reg.Retry(s.ctx, args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Ticket %s back to %s", t.ID, t.Stage)
		return nil
	})
}

func runPipelineCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withSession(ctx, true, func(s *session) error {
		t, err := s.reg.Cancel(s.ctx, args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Ticket %s %s (%s)", t.ID, t.Stage, t.Reason)
		return nil
	})
}
