// Command sticky-dispatch runs the live-stream event dispatch-and-processing
// system: the supervisor, its workers, or the upstream ingest path alone,
// plus configuration administration — one binary, cobra subcommand tree.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/whisper-darkly/sticky-dispatch/internal/config"
	"github.com/whisper-darkly/sticky-dispatch/internal/httpapi"
	"github.com/whisper-darkly/sticky-dispatch/internal/store"
	"github.com/whisper-darkly/sticky-dispatch/internal/store/sqlite"
	"github.com/whisper-darkly/sticky-dispatch/internal/supervisor"

	// Side-effect imports: register the reference processor factories at
	// init() time, mirroring thumbnailer/handler/handler.go's
	// overseer.RegisterFactory pattern.
	_ "github.com/whisper-darkly/sticky-dispatch/internal/processors"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "sticky-dispatch",
		Short:   "Real-time event dispatch-and-processing supervisor",
		Version: version,
	}

	dbPath := root.PersistentFlags().String("db", env("DISPATCH_DB", "dispatch.db"), "path to the SQLite state database")
	httpAddr := root.PersistentFlags().String("http-addr", env("DISPATCH_HTTP_ADDR", ":8090"), "address for the /healthz and /stats HTTP surface")

	root.AddCommand(
		runCmd(dbPath, httpAddr),
		workersCmd(dbPath, httpAddr),
		ingestCmd(dbPath),
		configCmd(dbPath),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(dbPath, httpAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the supervisor: ingest + every active worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, cfg, err := openStoreAndConfig(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sup, err := supervisor.New(cfg, st)
			if err != nil {
				return err
			}

			srv := startHTTP(*httpAddr, sup)
			defer shutdownHTTP(srv)

			return sup.RunFull(ctx)
		},
	}
}

func workersCmd(dbPath, httpAddr *string) *cobra.Command {
	var slug string
	var verbose bool

	c := &cobra.Command{
		Use:   "workers",
		Short: "Start only the worker pool (no ingest), for drain-only operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, cfg, err := openStoreAndConfig(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sup, err := supervisor.New(cfg, st)
			if err != nil {
				return err
			}

			srv := startHTTP(*httpAddr, sup)
			defer shutdownHTTP(srv)

			return sup.RunWorkersOnly(ctx, slug, verbose)
		},
	}
	c.Flags().StringVar(&slug, "service", "", "restrict to a single service slug")
	c.Flags().BoolVar(&verbose, "verbose", false, "log periodic worker stats")
	return c
}

func ingestCmd(dbPath *string) *cobra.Command {
	var sessionName string

	c := &cobra.Command{
		Use:   "ingest",
		Short: "Start only the ingest path (no workers), for archival operation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			st, cfg, err := openStoreAndConfig(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			sup, err := supervisor.New(cfg, st)
			if err != nil {
				return err
			}

			return sup.RunIngestOnly(ctx, sessionName)
		},
	}
	c.Flags().StringVar(&sessionName, "session-name", "", "archival session identifier")
	return c
}

func configCmd(dbPath *string) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Administer configuration",
	}

	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, cfg, err := openStoreAndConfig(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			v, err := cfg.GetValue(args[0])
			if err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Set a configuration value",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			st, cfg, err := openStoreAndConfig(ctx, *dbPath)
			if err != nil {
				return err
			}
			defer st.Close()

			value := ""
			if len(args) == 2 {
				value = args[1]
			}
			return cfg.SetValue(ctx, args[0], value)
		},
	}

	c.AddCommand(get, set)
	return c
}

func openStoreAndConfig(ctx context.Context, dbPath string) (store.Store, *config.Global, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cfg, err := config.Load(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return db, cfg, nil
}

func startHTTP(addr string, sp httpapi.StatsProvider) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpapi.New(sp),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("sticky-dispatch: http surface listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("sticky-dispatch: http: %v", err)
		}
	}()
	return srv
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("sticky-dispatch: http shutdown: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("sticky-dispatch: shutting down...")
		cancel()
	}()
	return ctx, cancel
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
