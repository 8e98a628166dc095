package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/tally/internal/config"
	"github.com/MarcoPoloResearchLab/tally/internal/contentkey"
	"github.com/MarcoPoloResearchLab/tally/internal/database"
	"github.com/MarcoPoloResearchLab/tally/internal/drain"
	"github.com/MarcoPoloResearchLab/tally/internal/feed"
	"github.com/MarcoPoloResearchLab/tally/internal/logging"
	"github.com/MarcoPoloResearchLab/tally/internal/queue"
	"github.com/MarcoPoloResearchLab/tally/internal/replica"
	"github.com/MarcoPoloResearchLab/tally/internal/replicator"
	"github.com/MarcoPoloResearchLab/tally/internal/syncwire"
	"github.com/MarcoPoloResearchLab/tally/internal/transport"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// localUserID scopes content keys in the single-user client replica.
const localUserID = "local"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "tally-sync",
		Short:        "Offline-first sync client for the Tally API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newEnqueueCommand(),
		newDrainCommand(),
		newPullCommand(),
		newRunCommand(),
		newIngestCommand(),
		newFailedCommand(),
		newCancelCommand(),
		newStatusCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Tally API base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("client.database_path"), "Local SQLite database path")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("drain-concurrency", defaults.GetInt("drain.concurrency"), "Entities delivered in parallel per drain pass")
	cmd.PersistentFlags().Int("drain-interval-s", defaults.GetInt("drain.interval_s"), "Seconds between drain and pull cycles in run mode")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("pull.page_size"), "Change feed page size")
	cmd.PersistentFlags().Float64("requests-per-second", defaults.GetFloat64("client.requests_per_second"), "Maximum request rate against the server")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "client.database_path", "database-path")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "drain.concurrency", "drain-concurrency")
	bindFlag(cmd, "drain.interval_s", "drain-interval-s")
	bindFlag(cmd, "pull.page_size", "page-size")
	bindFlag(cmd, "client.requests_per_second", "requests-per-second")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// session owns the client's store, replica and network plumbing for one command.
type session struct {
	cfg        config.ClientConfig
	logger     *zap.Logger
	store      *queue.Store
	replica    *replica.Replica
	client     *transport.Client
	drainer    *drain.Drainer
	replicator *replicator.Replicator
	closers    []func() error
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(cfg.LogLevel, "tally-sync")
	if err != nil {
		return nil, err
	}

	current := &session{cfg: cfg, logger: logger}
	fail := func(err error) (*session, error) {
		current.Close()
		return nil, err
	}

	db, err := database.OpenClientSQLite(cfg.DatabasePath, logger)
	if err != nil {
		return fail(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fail(err)
	}
	current.closers = append(current.closers, sqlDB.Close)

	window := contentkey.NewWindow(cfg.ContentTolerance)
	current.store, err = queue.Open(ctx, queue.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return fail(err)
	}
	current.closers = append(current.closers, current.store.Close)

	current.replica, err = replica.New(replica.Config{Database: db, UserID: localUserID, Window: window, Logger: logger})
	if err != nil {
		return fail(err)
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.DrainConcurrency)
	current.client, err = transport.NewClient(transport.Config{
		BaseURL:        cfg.ServerURL,
		Token:          cfg.Token,
		HTTPClient:     &http.Client{},
		Limiter:        limiter,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fail(err)
	}

	current.drainer, err = drain.New(drain.Config{
		Queue:   current.store,
		Sender:  current.client,
		Pacer:   limiter,
		Applier: current.replica,
		Failures: drain.FailureSinkFunc(func(_ context.Context, failure drain.Failure) {
			logger.Error("mutation needs review",
				zap.String("mutation_id", failure.MutationID),
				zap.String("entity_id", failure.EntityID),
				zap.String("code", failure.Code),
				zap.Error(failure.Err()))
		}),
		Policy: queue.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
		},
		Concurrency: cfg.DrainConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return fail(err)
	}

	current.replicator, err = replicator.New(replicator.Config{
		Source:   current.client,
		Local:    current.replica,
		PageSize: cfg.PullPageSize,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}
	return current, nil
}

func (s *session) Close() {
	for index := len(s.closers) - 1; index >= 0; index-- {
		if err := s.closers[index](); err != nil {
			s.logger.Warn("close failed", zap.Error(err))
		}
	}
	s.closers = nil
	_ = s.logger.Sync()
}

func withSession(run func(ctx context.Context, current *session, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		current, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer current.Close()
		return run(ctx, current, cmd, args)
	}
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func newEnqueueCommand() *cobra.Command {
	var (
		operation   string
		entityID    string
		payloadJSON string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a local event mutation",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			request := queue.EnqueueRequest{
				EntityType: syncwire.EntityTypeEvent,
				Operation:  syncwire.Operation(operation),
				EntityID:   entityID,
			}
			if payloadJSON != "" {
				var payload syncwire.EventPayload
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("decode payload: %w", err)
				}
				request.Payload = &payload
			}
			handle, err := current.store.Enqueue(ctx, request)
			if err != nil {
				return err
			}
			switch {
			case request.Operation == syncwire.OperationDelete:
				err = current.replica.RemoveLocal(ctx, entityID)
			case request.Payload != nil && !handle.Duplicate:
				_, err = current.replica.RecordLocal(ctx, entityID, *request.Payload)
			}
			if err != nil {
				current.logger.Warn("local copy not updated", zap.String("entity_id", entityID), zap.Error(err))
			}
			return printJSON(cmd.OutOrStdout(), handle)
		}),
	}
	cmd.Flags().StringVar(&operation, "operation", string(syncwire.OperationCreate), "create, update or delete")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "Client-assigned event id")
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "Event payload as JSON")
	_ = cmd.MarkFlagRequired("entity-id")
	return cmd
}

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run one drain pass",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			report, err := current.drainer.Drain(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	}
}

func newPullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Catch the local replica up with the server change log",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			report, err := current.replicator.Sync(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		}),
	}
}

func newRunCommand() *cobra.Command {
	var feedPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drain and pull continuously until interrupted",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			runner := drain.NewRunner(current.drainer, current.replicator, current.cfg.SyncInterval, current.logger)
			current.logger.Info("sync loop starting", zap.String("server", current.cfg.ServerURL))
			if feedPath == "" {
				return runner.Run(ctx)
			}

			input, closeInput, err := openRecords(cmd, feedPath)
			if err != nil {
				return err
			}
			defer closeInput()
			ingestor, err := newSessionIngestor(current, func(result feed.Result) {
				if result.Result == feed.ResultEnqueued || result.Result == feed.ResultMerged {
					runner.Kick()
				}
			})
			if err != nil {
				return err
			}

			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error { return runner.Run(groupCtx) })
			group.Go(func() error { return ingestor.Run(groupCtx) })
			group.Go(func() error {
				defer ingestor.Close()
				_, err := submitRecords(groupCtx, ingestor, input, current.logger)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			return group.Wait()
		}),
	}
	cmd.Flags().StringVar(&feedPath, "feed", "", "JSON lines feed of external records to ingest while running, - for stdin")
	return cmd
}

func newIngestCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest external source records from a JSON lines file",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			input, closeInput, err := openRecords(cmd, path)
			if err != nil {
				return err
			}
			defer closeInput()

			counts := map[string]int{}
			ingestor, err := newSessionIngestor(current, func(result feed.Result) {
				counts[result.Result]++
			})
			if err != nil {
				return err
			}

			consumed := make(chan error, 1)
			go func() { consumed <- ingestor.Run(ctx) }()

			invalid, submitErr := submitRecords(ctx, ingestor, input, current.logger)
			ingestor.Close()
			if err := <-consumed; err != nil {
				return err
			}
			if submitErr != nil {
				return submitErr
			}
			if invalid > 0 {
				counts["invalid"] += invalid
			}
			return printJSON(cmd.OutOrStdout(), counts)
		}),
	}
	cmd.Flags().StringVar(&path, "file", "-", "JSON lines file of records, - for stdin")
	return cmd
}

func openRecords(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}

func newSessionIngestor(current *session, onResult func(feed.Result)) (*feed.Ingestor, error) {
	return feed.NewIngestor(feed.Config{
		Queue:      current.store,
		Local:      current.replica,
		Window:     contentkey.NewWindow(current.cfg.ContentTolerance),
		UserID:     localUserID,
		BufferSize: current.cfg.FeedBufferSize,
		OnResult:   onResult,
		Logger:     current.logger,
	})
}

// submitRecords feeds JSON lines into the ingestor and returns how many lines
// were skipped as undecodable or invalid.
func submitRecords(ctx context.Context, ingestor *feed.Ingestor, input io.Reader, logger *zap.Logger) (int, error) {
	invalid := 0
	scanner := bufio.NewScanner(input)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record feed.Record
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			logger.Warn("skipping undecodable record", zap.Int("line", line), zap.Error(err))
			invalid++
			continue
		}
		if err := ingestor.Submit(ctx, record); err != nil {
			if errors.Is(err, feed.ErrInvalidRecord) {
				logger.Warn("skipping invalid record", zap.Int("line", line), zap.Error(err))
				invalid++
				continue
			}
			return invalid, err
		}
	}
	return invalid, scanner.Err()
}

func newFailedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "failed",
		Short: "List mutations parked for review",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			failed, err := current.store.Failed(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), failed)
		}),
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <mutation-id>",
		Short: "Cancel a pending mutation or dismiss a failed one",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, args []string) error {
			if err := current.store.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", args[0])
			return nil
		}),
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local queue and replica state alongside the server's view",
		RunE: withSession(func(ctx context.Context, current *session, cmd *cobra.Command, _ []string) error {
			depth, err := current.store.Depth(ctx)
			if err != nil {
				return err
			}
			cursor, err := current.replica.Cursor(ctx)
			if err != nil {
				return err
			}
			events, err := current.replica.Count(ctx)
			if err != nil {
				return err
			}
			status := map[string]any{
				"pending_mutations": depth,
				"local_cursor":      cursor,
				"local_events":      events,
			}
			if serverStatus, err := current.client.FetchStatus(ctx); err != nil {
				status["server_error"] = err.Error()
			} else {
				status["server"] = serverStatus
			}
			return printJSON(cmd.OutOrStdout(), status)
		}),
	}
}
