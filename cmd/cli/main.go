package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"blinkgate/internal/config"
	"blinkgate/internal/db"
	"blinkgate/internal/server"
)

var (
	version = "dev"
	commit  = "unknown"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blinkgate",
		Short: "Blinkgate - payment-gated API proxy",
		Long: `Blinkgate fronts upstream HTTP endpoints with on-chain payments.
Callers pay per request in SPL tokens; verified payments are forwarded
upstream and failed executions are refunded automatically. Reward offers
pay callers for completed actions instead.`,
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}
			return srv.Start(cmd.Context())
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := connect()
			if err != nil {
				return err
			}
			defer database.Close()

			if err := database.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return checkHealth(cmd.Context(), addr)
		},
	}
	healthCmd.Flags().String("addr", "http://localhost:8080", "Server base URL")

	offersCmd := &cobra.Command{
		Use:   "offers",
		Short: "List registered offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return listOffers(cmd.Context(), limit)
		},
	}
	offersCmd.Flags().Int("limit", 50, "Maximum offers to list")

	rootCmd.AddCommand(serveCmd, migrateCmd, healthCmd, offersCmd)
	return rootCmd
}

func connect() (*db.DB, error) {
	cfg := config.Load()
	return db.New(&db.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
}

func checkHealth(ctx context.Context, addr string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("malformed health response: %w", err)
	}

	fmt.Printf("status:   %v\n", body["status"])
	fmt.Printf("database: %v\n", body["database"])
	fmt.Printf("cache:    %v\n", body["cache"])
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy (HTTP %d)", resp.StatusCode)
	}
	return nil
}

func listOffers(ctx context.Context, limit int) error {
	database, err := connect()
	if err != nil {
		return err
	}
	defer database.Close()

	offers, err := database.ListOffers(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to list offers: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLUG\tMODE\tSTATUS\tPRICE\tHEALTH\tRUNS")
	for _, o := range offers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			o.Slug, o.Mode, o.Status, o.PriceAtomic.Atomic(), o.Health, o.RunCount)
	}
	return w.Flush()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
