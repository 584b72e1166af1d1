package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wclr/taskmate/internal/config"
	"github.com/wclr/taskmate/internal/frontend"
	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/mock"
	"github.com/wclr/taskmate/internal/procs"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
	"github.com/wclr/taskmate/internal/tmux"
	"github.com/wclr/taskmate/internal/tracker"
	"github.com/wclr/taskmate/internal/ws"
)

const reloadDebounce = 300 * time.Millisecond

func main() {
	mockMode := flag.Bool("mock", false, "Use a simulated shell host instead of tmux")
	mockFailEvery := flag.Int("mock-fail-every", 0, "In mock mode, fail every Nth process snapshot")
	configPath := flag.String("config", "taskmate.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	flag.Parse()

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		host tracker.Host
		snap tracker.Snapshotter
	)
	if *mockMode {
		log.Println("Starting in mock mode")
		m := mock.NewHost(*mockFailEvery)
		m.Start(ctx)
		host, snap = m, m
	} else {
		log.Println("Starting with tmux host")
		t := tmux.New(cfg.Tmux)
		go t.Start(ctx)
		host, snap = t, procs.NewProvider()
	}

	tr := tracker.New(cfg, host, snap)
	catalog := tasks.NewCatalog(*configPath, cfg.Tasks)
	agg := indicator.New(tr)
	broadcaster := ws.NewBroadcaster(agg, catalog, cfg.Broadcast.Throttle, cfg.Broadcast.SnapshotInterval, cfg.Server.MaxConnections)
	defer broadcaster.Stop()

	tr.Subscribe(func(ev session.Event) {
		agg.Apply(ev)
		broadcaster.PublishEvent(ev)
	})
	tr.OnNotice(broadcaster.PublishNotice)
	agg.OnRender(broadcaster.QueueIndicators)
	agg.OnShowTasks(func() { broadcaster.PublishTasks(true) })

	watchTasks(ctx, catalog, broadcaster)

	go tr.Start(ctx)

	if *mockMode {
		for _, req := range mock.DemoRequests() {
			tr.Submit(req)
		}
	}

	server := ws.NewServer(cfg, broadcaster, tr, agg, catalog, tr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	if err := ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Handler(frontend.Handler())); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// watchTasks reloads the catalog whenever the config file changes and pushes
// the new pick list. Failing to watch only disables automatic reloads.
func watchTasks(ctx context.Context, catalog *tasks.Catalog, broadcaster *ws.Broadcaster) {
	w, err := tasks.NewWatcher(catalog.Path(), reloadDebounce)
	if err != nil {
		log.Printf("[tasks] config watch disabled: %v", err)
		return
	}
	changes, err := w.Start()
	if err != nil {
		log.Printf("[tasks] config watch disabled: %v", err)
		w.Stop()
		return
	}

	go func() {
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changes:
				if _, err := catalog.Reload(); err != nil {
					log.Printf("[tasks] %v", err)
					broadcaster.PublishNotice(session.Notice{Level: session.NoticeError, Text: err.Error()})
					continue
				}
				broadcaster.PublishTasks(false)
			}
		}
	}()
}
