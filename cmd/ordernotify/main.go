package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

// configDir es el directorio donde se busca ordernotify.yaml.
var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:           "ordernotify",
		Short:         "Entrega fiable de eventos de pedidos al panel de administración",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", "", "directory containing ordernotify.yaml")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(jobCmd("drain", "Procesa un lote del outbox", jobOutboxDrain))
	rootCmd.AddCommand(jobCmd("cleanup", "Elimina pedidos activos antiguos de la proyección", jobOrderCleanup))
	rootCmd.AddCommand(jobCmd("maintenance", "Mueve al dead-letter los items del outbox caducados o agotados", jobOutboxMaintenance))
	rootCmd.AddCommand(jobCmd("rebuild", "Reconstruye la proyección desde la tabla de pedidos", jobProjectionRebuild))
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(dlqCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
