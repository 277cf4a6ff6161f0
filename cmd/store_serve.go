package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentgrid/agentgrid/sim/store"
)

var (
	// CLI flags for store serve
	serveAddr   string // Listen address
	serveSQLite string // Optional SQLite file backing the served store
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Shared store utilities",
}

// storeServeCmd exposes a store over websocket so managers and workers in
// separate processes can share it.
var storeServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a shared store over websocket at /ws",
	Run: func(cmd *cobra.Command, args []string) {
		setLogLevel()

		var backend store.Store
		if serveSQLite != "" {
			db, err := store.OpenSQLite(serveSQLite)
			if err != nil {
				logrus.Fatalf("Opening sqlite store: %v", err)
			}
			backend = db
		} else {
			backend = store.NewMemory()
		}
		defer backend.Close()

		mux := http.NewServeMux()
		mux.Handle("/ws", store.NewServer(backend, logrus.StandardLogger()).Handler())
		srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		logrus.WithFields(logrus.Fields{"addr": serveAddr, "sqlite": serveSQLite}).Warn("Store listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Store server failed: %v", err)
		}
		logrus.Info("Store stopped.")
	},
}

func init() {
	storeServeCmd.Flags().StringVar(&serveAddr, "addr", ":7420", "Listen address")
	storeServeCmd.Flags().StringVar(&serveSQLite, "sqlite", "", "Persist keys in this SQLite file (in-memory when empty)")

	storeCmd.AddCommand(storeServeCmd)
	rootCmd.AddCommand(storeCmd)
}
