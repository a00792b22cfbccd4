// Command cascaded runs the workflow engine daemon: it wires the configured
// history and visibility stores to the coordinator and serves the gRPC API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redisclient "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/cascade/config"
	"goa.design/cascade/engine/coordinator"
	"goa.design/cascade/engine/history"
	histmem "goa.design/cascade/engine/history/memory"
	histredis "goa.design/cascade/engine/history/redis"
	"goa.design/cascade/engine/queue"
	"goa.design/cascade/engine/service"
	"goa.design/cascade/engine/timers"
	"goa.design/cascade/engine/visibility"
	vismem "goa.design/cascade/engine/visibility/memory"
	vismongo "goa.design/cascade/engine/visibility/mongo"
	"goa.design/cascade/rpc"
	"goa.design/cascade/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		bindF   = flag.String("bind", "", "gRPC listen address (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "invalid configuration")
	}
	if *bindF != "" {
		cfg.BindAddress = *bindF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	hist, closeHist, err := openHistory(ctx, cfg.HistoryStorage)
	if err != nil {
		log.Fatalf(ctx, err, "open history store")
	}
	defer closeHist()
	vis, closeVis, err := openVisibility(ctx, cfg.VisibilityStorage)
	if err != nil {
		log.Fatalf(ctx, err, "open visibility store")
	}
	defer closeVis()

	matcher := queue.New(queue.Options{
		StickyTTL:     cfg.StickyTTL,
		DispatchRate:  rate.Limit(cfg.DispatchRate),
		DispatchBurst: cfg.DispatchBurst,
	})
	timerSvc := timers.New(timers.Options{Shards: cfg.TimerShards})
	defer timerSvc.Stop()

	coord := coordinator.New(coordinator.Options{
		History:    hist,
		Visibility: vis,
		Matcher:    matcher,
		Timers:     timerSvc,
		Logger:     logger,
		Metrics:    metrics,
		Defaults: coordinator.Defaults{
			WorkflowTimeouts: cfg.DefaultWorkflowTimeouts,
			ActivityTimeouts: cfg.DefaultActivityTimeouts,
			RetryPolicy:      cfg.DefaultRetryPolicy,
			StuckThreshold:   cfg.StuckThreshold,
			HistoryRetention: cfg.HistoryRetention,
			MaxHistoryEvents: cfg.MaxHistoryEvents,
			MaxHistoryBytes:  cfg.MaxHistoryBytes,
		},
	})

	pingers := []service.Pinger{hist}
	if vis != nil {
		pingers = append(pingers, vis)
	}
	svc := service.New(service.Options{
		Coordinator: coord,
		PollTimeout: cfg.TaskPollTimeout,
		Pingers:     pingers,
		Logger:      logger,
	})

	lis, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		log.Fatalf(ctx, err, "listen on %s", cfg.BindAddress)
	}
	gs := rpc.NewServer(svc, logger, telemetry.NewClueTracer()).GRPCServer()

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Printf(ctx, "gRPC server listening on %s", cfg.BindAddress)
		errc <- gs.Serve(lis)
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)
	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		gs.Stop()
	}
	log.Printf(ctx, "exited")
}

// openHistory builds the history store named by uri: "memory" or a
// redis:// / rediss:// URL.
func openHistory(ctx context.Context, uri string) (history.Store, func(), error) {
	switch {
	case uri == "memory":
		return histmem.New(), func() {}, nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		ropts, err := redisclient.ParseURL(uri)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redisclient.NewClient(ropts)
		store, err := histredis.New(histredis.Options{Client: client})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis unreachable: %w", err)
		}
		return store, func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported history storage %q", uri)
	}
}

// openVisibility builds the visibility store named by uri: "", "memory" or
// a mongodb:// URL whose path names the database.
func openVisibility(ctx context.Context, uri string) (visibility.Store, func(), error) {
	switch {
	case uri == "":
		return nil, func() {}, nil
	case uri == "memory":
		return vismem.New(), func() {}, nil
	case strings.HasPrefix(uri, "mongodb://"), strings.HasPrefix(uri, "mongodb+srv://"):
		client, err := mongodriver.Connect(ctx, mongooptions.Client().ApplyURI(uri))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongodb: %w", err)
		}
		db := mongoDatabase(uri)
		store, err := vismongo.New(vismongo.Options{Client: client, Database: db})
		if err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		return store, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported visibility storage %q", uri)
	}
}

// mongoDatabase extracts the database name from a mongodb URL, defaulting
// to "cascade".
func mongoDatabase(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "cascade"
	}
	db := strings.TrimPrefix(u.Path, "/")
	if db == "" {
		return "cascade"
	}
	return db
}
