package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cpjet64/codexrt/internal/events/bus"
	"github.com/cpjet64/codexrt/internal/runtime"
	"github.com/cpjet64/codexrt/pkg/codex"
)

type runFlags struct {
	prompt         string
	exitOnComplete bool
	api            bool
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	rf := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent and stream its events",
		Long: `Start the codex app-server and print every agent event to stdout as one
JSON object per line. Logs go to stderr.`,
		Example: `  codexrt run
  codexrt run --prompt "explain this repository" --exit-on-complete
  codexrt run --api`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("api") {
				cfg.API.Enabled = rf.api
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := runtime.New(cfg, log)
			if err != nil {
				return err
			}
			defer rt.Stop(context.Background())

			done := make(chan struct{})
			var doneOnce sync.Once
			printEvents(rt.Bus(), cmd.OutOrStdout(), func(ev *codex.Event) {
				if rf.exitOnComplete && ev.Kind.Terminal() {
					doneOnce.Do(func() { close(done) })
				}
			})

			if err := rt.Start(ctx); err != nil {
				return err
			}

			if rf.prompt != "" {
				f, err := rt.Sender().SendMessage(ctx, rf.prompt)
				if err == nil {
					_, err = f.Wait(ctx)
				}
				if err != nil {
					return fmt.Errorf("send prompt: %w", err)
				}
				log.Info("prompt sent", zap.String("request_id", f.ID()))
			}

			select {
			case <-ctx.Done():
				log.Info("shutdown signal received")
			case <-done:
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rf.prompt, "prompt", "", "send this message once the agent is ready")
	cmd.Flags().BoolVar(&rf.exitOnComplete, "exit-on-complete", false, "exit after the first completed or aborted turn")
	cmd.Flags().BoolVar(&rf.api, "api", false, "serve the HTTP API (overrides api.enabled)")

	return cmd
}

// printEvents writes every bus event to w as a JSON line, then calls after.
func printEvents(b *bus.Bus, w io.Writer, after func(ev *codex.Event)) *bus.Subscription {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return b.AddListener(bus.Wildcard, func(ev *codex.Event) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
		after(ev)
	})
}
