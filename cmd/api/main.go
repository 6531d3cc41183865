package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "manchengo-api",
		Short:         "Manchengo ERP API",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(searchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the alert monitor (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	var down int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), down)
		},
	}
	cmd.Flags().IntVar(&down, "down", 0, "roll back the last N applied migrations instead")
	return cmd
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Alert monitor commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run one monitoring cycle if no other replica holds the lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitorOnce(cmd.Context(), cmd.OutOrStdout())
		},
	})
	return cmd
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Catalog search index commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Reload suppliers and products into Meilisearch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReindex(cmd.Context(), cmd.OutOrStdout())
		},
	})
	return cmd
}
