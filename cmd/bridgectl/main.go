// Command bridgectl is the operator CLI for a bridged cluster: applying and
// rolling back message-store migrations, sending a manual dispatch to a
// peer's internal API for diagnostics, and inspecting cluster membership,
// quorum, and polling-lease state. It opens the same database the target
// bridged instance uses and talks to peers over the same internal dispatch
// protocol, but never runs the engine itself. Flag layout and the
// cobra root-command wiring follow the teacher's cmd/nightcrier and
// cmd/runner; the migrate/dispatch/nodes/quorum/lease verbs are composed as
// cobra subcommands, the library's own idiom for a multi-verb admin tool.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ridgelinehealth/bridge/internal/dispatch"
	"github.com/ridgelinehealth/bridge/internal/lease"
	"github.com/ridgelinehealth/bridge/internal/registry"
	"github.com/ridgelinehealth/bridge/internal/store"
	"github.com/ridgelinehealth/bridge/internal/store/postgres"
	"github.com/ridgelinehealth/bridge/internal/store/sqlite"
	"github.com/ridgelinehealth/bridge/internal/tuning"
	"github.com/ridgelinehealth/bridge/internal/varmap"
)

var (
	Version = "dev"

	dbType string
	dbPath string
	dbURL  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "bridgectl - Bridge cluster operator CLI",
	Long:  "Operator CLI for a Bridge integration-engine cluster: migrations, manual dispatch, and membership/lease inspection",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbType, "db-type", "sqlite", "Message store backend: sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "./bridge.db", "SQLite database file path (sqlite only)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db-url", "", "PostgreSQL connection string (postgres only, overrides MIRTH_DATABASE_URL)")

	rootCmd.AddCommand(versionCmd, migrateCmd, dispatchCmd, nodesCmd, quorumCmd, leaseCmd)

	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)
	leaseCmd.AddCommand(leaseListCmd, leaseReleaseCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("bridgectl version %s\n", Version)
		return nil
	},
}

// --- migrate ---

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage message store schema migrations",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.RunMigrations(migrationConfig()); err != nil {
			return fmt.Errorf("bridgectl: migrate up: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var migrateDownSteps int

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back N migrations (default 1)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.RollbackMigrations(migrationConfig(), migrateDownSteps); err != nil {
			return fmt.Errorf("bridgectl: migrate down: %w", err)
		}
		fmt.Printf("rolled back %d migration(s)\n", migrateDownSteps)
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		version, dirty, err := store.MigrationVersion(migrationConfig())
		if err != nil {
			return fmt.Errorf("bridgectl: migrate version: %w", err)
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateDownSteps, "steps", 1, "Number of migrations to roll back")
}

// --- dispatch ---

var (
	dispatchChannel string
	dispatchPeerURL string
	dispatchSecret  string
	dispatchRawFile string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Send a raw message to a peer's internal dispatch endpoint",
	Long:  "Manually POST a raw message to another bridged instance's internal dispatch API, for diagnosing cluster routing without waiting on a real source connector.",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(dispatchRawFile)
		if err != nil {
			return fmt.Errorf("bridgectl: read raw file: %w", err)
		}

		tuneCfg, err := tuning.LoadFile("")
		if err != nil {
			return fmt.Errorf("bridgectl: load tuning config: %w", err)
		}

		d := dispatch.New(tuneCfg.HTTP, dispatchSecret)
		peer := dispatch.Deployment{ChannelID: dispatchChannel, APIURL: dispatchPeerURL}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := d.Dispatch(ctx, peer, string(raw), varmap.Map{})
		if err != nil {
			return fmt.Errorf("bridgectl: dispatch: %w", err)
		}
		fmt.Printf("message_id=%d status=%s\n", resp.MessageID, resp.Status)
		return nil
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchChannel, "channel", "", "Target channel id (required)")
	dispatchCmd.Flags().StringVar(&dispatchPeerURL, "peer-url", "", "Peer instance's advertised API URL, e.g. http://host:8443 (required)")
	dispatchCmd.Flags().StringVar(&dispatchSecret, "secret", "", "Cluster secret, overrides MIRTH_CLUSTER_SECRET")
	dispatchCmd.Flags().StringVar(&dispatchRawFile, "raw-file", "", "Path to a file containing the raw message body (required)")
	dispatchCmd.MarkFlagRequired("channel")
	dispatchCmd.MarkFlagRequired("peer-url")
	dispatchCmd.MarkFlagRequired("raw-file")

	if dispatchSecret == "" {
		dispatchSecret = os.Getenv("MIRTH_CLUSTER_SECRET")
	}
}

// --- nodes / quorum ---

var quorumEnabled bool

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List registered cluster nodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, close, err := openDB()
		if err != nil {
			return err
		}
		defer close()

		reg := registry.New(db, registry.Config{QuorumEnabled: quorumEnabled})
		nodes, err := reg.Nodes(context.Background())
		if err != nil {
			return fmt.Errorf("bridgectl: list nodes: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVER_ID\tHOSTNAME\tAPI_URL\tSTATUS\tLAST_HEARTBEAT")
		for _, n := range nodes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", n.ServerID, n.Hostname, n.APIURL, n.Status, n.LastHeartbeat.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var quorumCmd = &cobra.Command{
	Use:   "quorum",
	Short: "Report whether the cluster currently has quorum",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, close, err := openDB()
		if err != nil {
			return err
		}
		defer close()

		reg := registry.New(db, registry.Config{QuorumEnabled: quorumEnabled})
		q, err := reg.ComputeQuorum(context.Background())
		if err != nil {
			return fmt.Errorf("bridgectl: compute quorum: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(q)
	},
}

func init() {
	nodesCmd.Flags().BoolVar(&quorumEnabled, "quorum-enabled", true, "Whether the cluster is running with quorum enforcement")
	quorumCmd.Flags().BoolVar(&quorumEnabled, "quorum-enabled", true, "Whether the cluster is running with quorum enforcement")
}

// --- lease ---

var leaseCmd = &cobra.Command{
	Use:   "lease",
	Short: "Inspect and administer polling leases",
}

var leaseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all held polling leases",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, close, err := openDB()
		if err != nil {
			return err
		}
		defer close()

		mgr := lease.New(db, "", 0)
		handles, err := mgr.All(context.Background())
		if err != nil {
			return fmt.Errorf("bridgectl: list leases: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(tw, "CHANNEL\tCONNECTOR_ID\tSERVER_ID\tEXPIRES_AT")
		for _, h := range handles {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", h.Key.Channel, h.Key.ConnectorID, h.ServerID, h.ExpiresAt.Format(time.RFC3339))
		}
		return tw.Flush()
	},
}

var (
	leaseReleaseChannel     string
	leaseReleaseConnectorID int
)

// leaseReleaseCmd force-releases a lease by deleting its row directly:
// lease.Manager.Release refuses to release a lease it doesn't hold (it
// compares ServerID), which is correct for the owning instance but wrong
// for an operator breaking a lease held by a server that is actually dead.
var leaseReleaseCmd = &cobra.Command{
	Use:   "release",
	Short: "Force-release a lease, bypassing the holder check",
	Long:  "Deletes a d_polling_lease row outright. Use when the holding server is confirmed dead and its lease would otherwise sit until expiry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, close, err := openDB()
		if err != nil {
			return err
		}
		defer close()

		res, err := db.ExecContext(context.Background(),
			`DELETE FROM d_polling_lease WHERE channel_id = $1 AND connector_id = $2`,
			leaseReleaseChannel, leaseReleaseConnectorID,
		)
		if err != nil {
			return fmt.Errorf("bridgectl: force-release lease: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("bridgectl: no lease held for channel %q connector %d", leaseReleaseChannel, leaseReleaseConnectorID)
		}
		fmt.Printf("released lease for channel=%s connector_id=%d\n", leaseReleaseChannel, leaseReleaseConnectorID)
		return nil
	},
}

func init() {
	leaseReleaseCmd.Flags().StringVar(&leaseReleaseChannel, "channel", "", "Channel id (required)")
	leaseReleaseCmd.Flags().IntVar(&leaseReleaseConnectorID, "connector-id", 0, "Connector id within the channel (required)")
	leaseReleaseCmd.MarkFlagRequired("channel")
	leaseReleaseCmd.MarkFlagRequired("connector-id")
}

// --- shared helpers ---

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

// openDB opens a connection pool against the same database a bridged
// instance would use, for read/write inspection commands that don't go
// through the store.Store abstraction.
func openDB() (*sql.DB, func(), error) {
	switch dbType {
	case "postgres":
		s, err := postgres.New(context.Background(), &postgres.Config{ConnectionString: resolveDBURL()})
		if err != nil {
			return nil, nil, fmt.Errorf("bridgectl: open postgres store: %w", err)
		}
		return s.DB(), func() { s.Close() }, nil
	default:
		s, err := sqlite.New(context.Background(), &sqlite.Config{Path: dbPath, BusyTimeout: 5 * time.Second, MaxOpenConns: 25})
		if err != nil {
			return nil, nil, fmt.Errorf("bridgectl: open sqlite store: %w", err)
		}
		return s.DB(), func() { s.Close() }, nil
	}
}
