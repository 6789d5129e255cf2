package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/schedwatch/internal/relay"
	"github.com/fentz26/schedwatch/internal/stream"
	"github.com/fentz26/schedwatch/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print live scheduler events",
	RunE:  withEnv(runWatch),
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the live terminal dashboard",
	RunE:  withFileLog(runTUI),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the aggregated dashboard over local HTTP",
	Long: `Starts a local relay that keeps the aggregated dashboard current from the
push stream and serves it as JSON to other local tools.`,
	RunE: withEnv(runServe),
}

var (
	watchTypes []string
	serveAddr  string
)

func init() {
	watchCmd.Flags().StringSliceVar(&watchTypes, "type", nil, "Only print these event types")
	serveCmd.Flags().StringVar(&serveAddr, "listen", "", "Listen address (default from config)")
}

func requireLogin(e *env) error {
	if !e.session.IsAuthenticated() {
		return fmt.Errorf("not logged in. Run 'schedwatch login' first")
	}
	return nil
}

func runWatch(ctx context.Context, e *env, args []string) error {
	if err := requireLogin(e); err != nil {
		return err
	}
	wanted := map[stream.EventType]bool{}
	for _, t := range watchTypes {
		et := stream.EventType(t)
		if !et.Known() {
			return fmt.Errorf("unknown event type %q", t)
		}
		wanted[et] = true
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := e.newStream()
	defer m.Close()

	m.OnStatusChange(func(s stream.State) {
		fmt.Fprintf(os.Stderr, "-- stream %s\n", s)
	})
	m.OnError(func(err error) {
		fmt.Fprintf(os.Stderr, "-- stream error: %v\n", err)
	})
	m.OnMessage(func(msg stream.Message) {
		if len(wanted) > 0 && !wanted[msg.Type] {
			return
		}
		fmt.Printf("%s  %-24s %s\n", time.Now().Format("15:04:05"), msg.Type, msg.Payload)
	})
	m.Connect()

	<-ctx.Done()
	return nil
}

func runTUI(ctx context.Context, e *env, args []string) error {
	if err := requireLogin(e); err != nil {
		return err
	}
	agg := e.newAggregator()
	m := e.newStream()
	defer m.Close()
	detach := agg.Attach(m)
	defer detach()

	app := tui.New(agg, m, e.cfg.Dashboard.RefreshInterval)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func runServe(ctx context.Context, e *env, args []string) error {
	if err := requireLogin(e); err != nil {
		return err
	}
	addr := serveAddr
	if addr == "" {
		addr = e.cfg.Relay.Addr
	}

	agg := e.newAggregator()
	m := e.newStream()
	defer m.Close()
	detach := agg.Attach(m)
	defer detach()
	m.OnStatusChange(func(s stream.State) {
		e.logger.Info("push stream state changed", "state", s)
	})

	agg.Refresh(ctx)
	m.Connect()

	server := relay.NewServer(addr, agg, m, e.logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.Dashboard.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				agg.Refresh(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		e.logger.Info("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
