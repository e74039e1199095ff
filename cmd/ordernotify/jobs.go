package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// jobCmd ejecuta una vez el job indicado, con el mismo lock que usa el scheduler.
func jobCmd(use, short, job string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.scheduler.RunOnce(cmd.Context(), job)
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Muestra el estado del outbox, el dead-letter y el breaker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.svc.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}

func dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspecciona y reintenta items del dead-letter",
	}
	cmd.AddCommand(dlqListCmd())
	cmd.AddCommand(dlqRetryCmd())
	return cmd
}

func dlqListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lista los items más antiguos del dead-letter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit <= 0 {
				return fmt.Errorf("limit must be positive, got %d", limit)
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.svc.GetDeadLetterItems(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(items)
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Maximum number of items")
	return cmd
}

func dlqRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id]",
		Short: "Devuelve un item del dead-letter al outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			found, err := a.svc.RetryDeadLetterItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("dead-letter item %q not found", args[0])
			}
			fmt.Printf("Requeued: %s\n", args[0])
			return nil
		},
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
