package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mbiselx/reflectance-measure/internal/config"
)

// NewServeCommand runs the bench daemon: a JSON status endpoint plus the
// websocket command and record feed.
func NewServeCommand(ctx context.Context) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves bench status and sweep control over HTTP and websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			sim, _ := cmd.Flags().GetBool("sim")

			cfg := config.Load()
			if listen == "" {
				listen = cfg.ListenAddr
			}

			server := NewServer(ctx, cfg.DAQChannel)
			p, err := openPorts(ctx, cfg, sim, server.StageStatus, server.DAQStatus)
			if err != nil {
				return err
			}
			server.Bind(p.motion, p.acq)

			r := mux.NewRouter()
			r.Handle("/api/status", http.HandlerFunc(server.StatusHandler))
			r.Handle("/api/ws", http.HandlerFunc(server.StatusSocketHandler))
			srv := &http.Server{
				Handler:      r,
				Addr:         listen,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(srv.ListenAndServe)
			g.Go(func() error {
				<-gctx.Done()
				log.Print("shutdown; closing http server")
				return srv.Shutdown(context.Background())
			})
			log.Printf("Listening on %v", srv.Addr)
			if err := g.Wait(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().String("listen", "", "address to listen on (overrides LISTEN_ADDR)")
	serveCmd.Flags().Bool("sim", false, "drive simulated instruments instead of hardware")
	return serveCmd
}
