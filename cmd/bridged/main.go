// Command bridged is the integration engine server: it wires together the
// identity/config, store, sequence allocator, cluster registry,
// dispatcher, mode controller, encryption boundary, engine
// controller, and health/shutdown surfaces described in SPEC_FULL.md, then
// serves the internal dispatch endpoint and the health/diagnostics
// endpoints until a shutdown signal arrives. Wiring order and the
// signal-driven graceful shutdown follow the teacher's cmd/nightcrier
// top-level main.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ridgelinehealth/bridge/internal/config"
	"github.com/ridgelinehealth/bridge/internal/dispatch"
	"github.com/ridgelinehealth/bridge/internal/engine"
	"github.com/ridgelinehealth/bridge/internal/engineerr"
	"github.com/ridgelinehealth/bridge/internal/health"
	"github.com/ridgelinehealth/bridge/internal/logging"
	"github.com/ridgelinehealth/bridge/internal/mode"
	"github.com/ridgelinehealth/bridge/internal/registry"
	"github.com/ridgelinehealth/bridge/internal/sequence"
	"github.com/ridgelinehealth/bridge/internal/store"
	"github.com/ridgelinehealth/bridge/internal/store/blobattach"
	"github.com/ridgelinehealth/bridge/internal/store/postgres"
	"github.com/ridgelinehealth/bridge/internal/store/sqlite"
	"github.com/ridgelinehealth/bridge/internal/tuning"
	"github.com/ridgelinehealth/bridge/pkg/crypto"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	tuningFile   string
	logLevel     string
	healthPort   int
	apiPort      int
	hostname     string
	apiURL       string
	dbType       string
	dbPath       string
	dbURL        string
	migrateOnRun bool
	channelIDs   []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bridged",
	Short: "Bridge - healthcare integration engine",
	Long:  "Multi-instance healthcare-integration engine: channel runtime, durable message store, cluster coordinator",
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.Flags().StringVarP(&tuningFile, "tuning-file", "t", "", "Path to tuning config file (default: searches ./configs/tuning.yaml, /etc/bridge)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error (overrides LOG_LEVEL env var)")
	rootCmd.Flags().IntVar(&healthPort, "health-port", 8080, "Port for health/diagnostics HTTP endpoint")
	rootCmd.Flags().IntVar(&apiPort, "api-port", 8443, "Port for the internal dispatch API endpoint")
	rootCmd.Flags().StringVar(&hostname, "hostname", "", "This instance's advertised hostname (default: os.Hostname())")
	rootCmd.Flags().StringVar(&apiURL, "api-url", "", "This instance's advertised API URL (default: derived from hostname/api-port)")
	rootCmd.Flags().StringVar(&dbType, "db-type", "sqlite", "Message store backend: sqlite or postgres")
	rootCmd.Flags().StringVar(&dbPath, "db-path", "./bridge.db", "SQLite database file path (sqlite only)")
	rootCmd.Flags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection string (postgres only, overrides MIRTH_DATABASE_URL)")
	rootCmd.Flags().BoolVar(&migrateOnRun, "migrate-on-run", true, "Apply pending migrations before serving")
	rootCmd.Flags().StringSliceVar(&channelIDs, "channel-ids", nil, "Comma-separated channel ids to deploy and start with no local source connector (bootstrap/relay-only channels)")
}

func run(cmd *cobra.Command, args []string) error {
	versionFlag, _ := cmd.Flags().GetBool("version")
	if versionFlag {
		fmt.Printf("bridged version %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		return nil
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" && !cmd.Flags().Changed("log-level") {
		logLevel = v
	}
	logging.Setup(logLevel)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("bridged: invalid configuration: %w", err)
	}

	tuneCfg, err := tuning.LoadFile(tuningFile)
	if err != nil {
		return fmt.Errorf("bridged: load tuning config: %w", err)
	}

	serverID := config.ServerID()
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		} else {
			hostname = "localhost"
		}
	}
	if apiURL == "" {
		apiURL = fmt.Sprintf("http://%s:%d", hostname, apiPort)
	}

	printStartupBanner(cfg, serverID, apiURL)

	if migrateOnRun {
		migCfg := migrationConfig()
		if err := store.RunMigrations(migCfg); err != nil {
			return fmt.Errorf("bridged: run migrations: %w", err)
		}
		slog.Info("migrations applied", "backend", dbType)
	}

	msgStore, db, closeStore, err := openStore(context.Background())
	if err != nil {
		return fmt.Errorf("bridged: open message store: %w", err)
	}
	defer closeStore()

	if err := configureBlobOffload(msgStore, tuneCfg); err != nil {
		return fmt.Errorf("bridged: configure blob offload: %w", err)
	}

	seqBlockSize := int64(cfg.SequenceBlockSize)
	if tuneCfg.Store.SequenceBlockMinSize > 0 && seqBlockSize < int64(tuneCfg.Store.SequenceBlockMinSize) {
		seqBlockSize = int64(tuneCfg.Store.SequenceBlockMinSize)
	}
	seq := sequence.New(db, seqBlockSize)

	var reg *registry.Registry
	if cfg.ClusterEnabled {
		reg = registry.New(db, registry.Config{
			ServerID:          serverID,
			Hostname:          hostname,
			Port:              apiPort,
			APIURL:            apiURL,
			HeartbeatInterval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
			HeartbeatTimeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
			QuorumEnabled:     cfg.QuorumEnabled,
		})
		if err := reg.Register(context.Background(), registry.StatusOnline); err != nil {
			return fmt.Errorf("bridged: register with cluster: %w", err)
		}
		reg.StartHeartbeat(context.Background())
		slog.Info("registered with cluster", "server", serverID, "heartbeat_interval", cfg.HeartbeatInterval)
	} else {
		slog.Info("cluster coexistence disabled, running single-instance")
	}

	// internal/lease.Manager is constructed by the polling source connector
	// implementations that acquire leases around their own poll cycles;
	// those connectors are external to this binary (see SPEC_FULL.md §1's
	// non-goals), so bridged itself never calls lease.New. bridgectl
	// inspects lease state directly against db for operators.

	deployRegistry := dispatch.NewRegistry()
	dispatcher := dispatch.New(tuneCfg.HTTP, cfg.ClusterSecret)

	modeCtl := mode.New(mode.Mode(cfg.Mode), takeoverChannelList(cfg))

	cipher, err := crypto.New(cfg.ClusterSecret)
	if err != nil {
		return fmt.Errorf("bridged: build cipher: %w", err)
	}
	var boundary store.EncryptionBoundary
	if cipher.IsEnabled() {
		boundary = &crypto.Boundary{Store: msgStore, Cipher: cipher}
		slog.Info("content encryption enabled")
	} else {
		slog.Info("content encryption disabled", "reason", "MIRTH_CLUSTER_SECRET not set")
	}

	eng := engine.New(engine.Config{
		Store:      msgStore,
		Sequence:   seq,
		Dispatcher: dispatcher,
		Deployment: deployRegistry,
		Mode:       modeCtl,
		ServerID:   serverID,
		APIURL:     apiURL,
		Tuning:     tuneCfg,
		Encryption: boundary,
	})

	for _, id := range channelIDs {
		if err := eng.Deploy(context.Background(), engine.ChannelSpec{ID: id}); err != nil {
			return fmt.Errorf("bridged: deploy channel %s: %w", id, err)
		}
		if err := eng.Start(context.Background(), id); err != nil {
			return fmt.Errorf("bridged: start channel %s: %w", id, err)
		}
		slog.Info("bootstrap channel started", "channel", id)
	}

	healthSrv := health.NewServer(eng, reg, healthPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		slog.Info("starting health/diagnostics server", "port", healthPort)
		if err := healthSrv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()

	apiSrv := newAPIServer(apiPort, eng, modeCtl, cfg.ClusterSecret)
	go func() {
		slog.Info("starting internal dispatch API server", "port", apiPort)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "error", err)
		}
	}()

	healthSrv.MarkStartupComplete()
	slog.Info("bridged started", "server_id", serverID, "mode", cfg.Mode)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api server shutdown error", "error", err)
	}
	healthSrv.Shutdown(context.Background(), 30*time.Second)
	return nil
}

// newAPIServer builds the internal cluster-to-cluster API: the inbound
// peer side of POST /api/internal/dispatch, guarded by the shared cluster
// secret and the mode controller's shadow-mode write guard.
func newAPIServer(port int, eng *engine.Controller, modeCtl *mode.Controller, clusterSecret string) *http.Server {
	mux := http.NewServeMux()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDispatch(w, r, eng, clusterSecret)
	})
	mux.Handle("POST /api/internal/dispatch", mode.Guard(modeCtl, dispatchChannelOf, handler))
	return &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
}

func dispatchChannelOf(r *http.Request) string {
	var req dispatch.DispatchRequest
	body, err := readAndRestore(r)
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return ""
	}
	return req.ChannelID
}

func handleDispatch(w http.ResponseWriter, r *http.Request, eng *engine.Controller, clusterSecret string) {
	if err := dispatch.Guard(clusterSecret, r.Header.Get("X-Cluster-Secret")); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := readAndRestore(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var req dispatch.DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := eng.DispatchRawMessage(r.Context(), req.ChannelID, []byte(req.RawData), req.SourceMap)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case engineerr.Is(err, engineerr.KindValidation):
			status = http.StatusBadRequest
		case engineerr.Is(err, engineerr.KindConfig):
			status = http.StatusNotFound
		}
		slog.Error("internal dispatch failed", "channel", req.ChannelID, "error", err)
		http.Error(w, err.Error(), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dispatch.DispatchResponse{MessageID: result.MsgID, Status: result.Status})
}

// readAndRestore drains r.Body and replaces it with a fresh reader over the
// same bytes, so both the mode guard's channelOf lookup and the dispatch
// handler itself can each read the full request body exactly once.
func readAndRestore(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func takeoverChannelList(cfg *config.Config) []string {
	list := make([]string, 0, len(cfg.TakeoverPollChannels))
	for ch := range cfg.TakeoverPollChannels {
		list = append(list, ch)
	}
	return list
}

func migrationConfig() *store.MigrationConfig {
	mc := &store.MigrationConfig{DatabaseType: dbType}
	switch dbType {
	case "postgres":
		mc.MigrationsPath = "internal/store/migrations/postgres"
		mc.DatabaseURL = resolveDBURL()
	default:
		mc.MigrationsPath = "internal/store/migrations/sqlite"
		mc.DatabasePath = dbPath
	}
	return mc
}

func resolveDBURL() string {
	if dbURL != "" {
		return dbURL
	}
	return os.Getenv("MIRTH_DATABASE_URL")
}

func openStore(ctx context.Context) (store.Store, *sql.DB, func(), error) {
	switch dbType {
	case "postgres":
		s, err := postgres.New(ctx, &postgres.Config{ConnectionString: resolveDBURL()})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.DB(), func() { s.Close() }, nil
	default:
		s, err := sqlite.New(ctx, &sqlite.Config{Path: dbPath, BusyTimeout: 5 * time.Second, MaxOpenConns: 25})
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s.DB(), func() { s.Close() }, nil
	}
}

// blobOffloadConfigurable is implemented by both store backends via
// SetBlobOffloader; it is asserted rather than added to store.Store since
// blob offload is an optional deployment concern, not part of the Message
// Store's required surface.
type blobOffloadConfigurable interface {
	SetBlobOffloader(o store.BlobOffloader, thresholdBytes int64)
}

// configureBlobOffload wires msgStore to Azure Blob Storage when
// AZURE_STORAGE_ACCOUNT is set, so PutAttachment offloads payloads larger
// than tuneCfg.Store.BlobOffloadThresholdBytes instead of storing them
// inline. Without it every attachment is stored inline regardless of size.
func configureBlobOffload(msgStore store.Store, tuneCfg *tuning.Config) error {
	account := os.Getenv("AZURE_STORAGE_ACCOUNT")
	if account == "" {
		return nil
	}
	bc, ok := msgStore.(blobOffloadConfigurable)
	if !ok {
		return nil
	}

	offloader, err := blobattach.New(&blobattach.Config{
		AccountName: account,
		AccountKey:  os.Getenv("AZURE_STORAGE_KEY"),
		Container:   os.Getenv("AZURE_STORAGE_CONTAINER"),
	})
	if err != nil {
		return err
	}
	bc.SetBlobOffloader(offloader, int64(tuneCfg.Store.BlobOffloadThresholdBytes))
	slog.Info("blob offload enabled", "container", os.Getenv("AZURE_STORAGE_CONTAINER"), "threshold_bytes", tuneCfg.Store.BlobOffloadThresholdBytes)
	return nil
}

func printStartupBanner(cfg *config.Config, serverID, advertisedURL string) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║  Bridge - Healthcare Integration Engine                          ║")
	fmt.Printf("║  Version: %-55s║\n", Version)
	fmt.Printf("║  Server:  %-55s║\n", serverID)
	fmt.Println("╠═══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Cluster Enabled: %-47t║\n", cfg.ClusterEnabled)
	fmt.Printf("║  Mode:            %-47s║\n", cfg.Mode)
	fmt.Printf("║  API URL:         %-47s║\n", advertisedURL)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}
