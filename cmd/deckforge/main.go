// Command deckforge generates one illustration per slide of a deck. It runs a
// deck from the command line, serves the HTTP API with a background worker,
// or exposes runs as MCP tools over stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yangwenmai/deckforge/internal/api"
	"github.com/yangwenmai/deckforge/internal/config"
	"github.com/yangwenmai/deckforge/internal/deck"
	deckmcp "github.com/yangwenmai/deckforge/internal/mcp"
	"github.com/yangwenmai/deckforge/internal/model"
	"github.com/yangwenmai/deckforge/internal/store"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	config.LoadEnvFile(".env.local")
	v := config.New()

	root := &cobra.Command{
		Use:          "deckforge",
		Short:        "Generate an illustration for every slide of a deck",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("db-path", "", "SQLite database file (env DB_PATH)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	root.PersistentFlags().String("llm-provider", "", "openai, claude, gemini, ollama, llmkit or stub (env LLM_PROVIDER)")
	root.PersistentFlags().Int("concurrency", 0, "slides processed at once (env CONCURRENCY)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	bindFlag(v, "db_path", root.PersistentFlags().Lookup("db-path"))
	bindFlag(v, "log_level", root.PersistentFlags().Lookup("log-level"))
	bindFlag(v, "llm_provider", root.PersistentFlags().Lookup("llm-provider"))
	bindFlag(v, "concurrency", root.PersistentFlags().Lookup("concurrency"))

	root.AddCommand(
		newRunCmd(v),
		newServeCmd(v),
		newMCPCmd(v),
		newRunsCmd(v),
	)
	return root
}

// bindFlag binds a flag to a viper key. Flags only override when set, so
// the zero flag defaults above never shadow env or file values.
func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	_ = v.BindPFlag(key, flag)
}

func openApp(v *viper.Viper) (*app, error) {
	cfg, err := config.FromViper(v)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, newLogger(cfg))
}

func jsonOutput(cmd *cobra.Command) bool {
	on, _ := cmd.Flags().GetBool("json")
	return on
}

// ---------------------------------------------------------------------------
// deckforge run <deck.yaml>
// ---------------------------------------------------------------------------

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run <deck.yaml>",
		Short: "Generate images for a deck file and print the slide table",
		Long: `Queue the deck, then process the queue in this process until the run
finishes. Ctrl-C cancels the run: slides already in flight complete and the
remaining slides stay pending.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := deck.LoadDeckFile(args[0])
			if err != nil {
				return err
			}

			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			id, err := a.manager.StartRun(ctx, *d)
			if err != nil {
				return err
			}
			a.logger.Info("run queued", "run_id", id, "slides", len(d.Slides))

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			done := make(chan struct{})
			defer close(done)
			go func() {
				select {
				case <-sigCtx.Done():
					a.logger.Info("interrupted, canceling run", "run_id", id)
					if err := a.manager.CancelRun(ctx, id); err != nil && !errors.Is(err, deck.ErrRunFinished) {
						a.logger.Warn("cancel run", "run_id", id, "error", err)
					}
				case <-done:
				}
			}()

			run, err := drainUntilDone(ctx, a, id)
			if err != nil {
				return err
			}
			states, err := a.manager.Project(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput(cmd) {
				return printJSON(out, map[string]any{"run": run, "slides": states})
			}
			renderRunSummary(out, run)
			renderSlides(out, states)
			return nil
		},
	}
}

// drainUntilDone processes queued runs oldest first until run id is terminal.
func drainUntilDone(ctx context.Context, a *app, id string) (*model.Run, error) {
	for {
		run, err := a.manager.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		found, err := a.worker.ProcessNext(ctx)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("run %s is %s but the queue is empty", id, run.Status)
		}
	}
}

// ---------------------------------------------------------------------------
// deckforge serve
// ---------------------------------------------------------------------------

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and process queued runs in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workerDone := a.startWorker(ctx)

			srv := api.New(a.manager, api.WithCORSOrigin(a.cfg.CORSOrigin), api.WithLogger(a.logger))
			httpServer := &http.Server{
				Addr:              ":" + a.cfg.Port,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				<-ctx.Done()
				a.logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				httpServer.Shutdown(shutdownCtx)
			}()

			a.logger.Info("deckforge listening", "addr", "http://localhost:"+a.cfg.Port)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			<-workerDone
			return nil
		},
	}
	cmd.Flags().String("port", "", "listen port (env PORT)")
	cmd.Flags().String("cors-origin", "", "allowed CORS origin (env CORS_ORIGIN)")
	bindFlag(v, "port", cmd.Flags().Lookup("port"))
	bindFlag(v, "cors_origin", cmd.Flags().Lookup("cors-origin"))
	return cmd
}

// ---------------------------------------------------------------------------
// deckforge mcp
// ---------------------------------------------------------------------------

func newMCPCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		Long: `Start the deckforge MCP server on stdio transport, with the worker
processing queued runs in the background.

Tools: start_run, cancel_run, get_slides, list_runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			workerDone := a.startWorker(ctx)
			srv := deckmcp.NewServer(a.manager, version)
			err = srv.Run(ctx)
			stop()
			<-workerDone
			if err != nil {
				return fmt.Errorf("running MCP server: %w", err)
			}
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// deckforge runs list|show
// ---------------------------------------------------------------------------

func newRunsCmd(v *viper.Viper) *cobra.Command {
	runs := &cobra.Command{Use: "runs", Short: "Inspect runs"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			status, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")
			for i := range status {
				status[i] = strings.ToUpper(status[i])
			}
			list, err := a.manager.List(cmd.Context(), store.RunFilter{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), list)
			}
			renderRuns(cmd.OutOrStdout(), list)
			return nil
		},
	}
	list.Flags().StringSlice("status", nil, "filter by status (repeatable)")
	list.Flags().Int("limit", 20, "maximum runs to show; 0 shows all")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run and the state of its slides",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(v)
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			states, err := a.manager.Project(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), map[string]any{"run": run, "slides": states})
			}
			renderRunSummary(cmd.OutOrStdout(), run)
			renderSlides(cmd.OutOrStdout(), states)
			return nil
		},
	}

	runs.AddCommand(list, show)
	return runs
}
