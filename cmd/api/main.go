package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rytkhs/event-pay/internal/audit"
	"github.com/rytkhs/event-pay/internal/connect"
	"github.com/rytkhs/event-pay/internal/httpapi"
	"github.com/rytkhs/event-pay/internal/notify"
	"github.com/rytkhs/event-pay/internal/obs"
	"github.com/rytkhs/event-pay/internal/provider"
	"github.com/rytkhs/event-pay/internal/ratelimit"
	"github.com/rytkhs/event-pay/internal/store/pg"
	"github.com/rytkhs/event-pay/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("EVENTPAY_COMMIT"))

	// Storage: Postgres when a DSN is configured, in-memory otherwise
	// (local development and tests).
	var (
		pgStore   *pg.Store
		accounts  connect.Store
		recorder  connect.AuditRecorder = audit.NewLogRecorder()
		history   httpapi.HistoryReader
		rateStore ratelimit.Store = ratelimit.NewInMemoryStore()
	)
	if dsn := os.Getenv("EVENTPAY_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		accounts = pgStore.Accounts()
		recorder = audit.Tee{audit.NewLogRecorder(), pgStore.Audit()}
		history = pgStore.Audit()
		rateStore = pgStore.RateEvents()
	} else {
		accounts = connect.NewInMemoryStore()
	}

	providerClient := provider.NewHTTPClient(
		os.Getenv("EVENTPAY_PROVIDER_URL"),
		os.Getenv("EVENTPAY_PROVIDER_KEY"),
	)

	events := stream.New()
	dispatcher := notify.NewDispatcher(notify.LogNotifier{}, 64, 5*time.Second)
	defer dispatcher.Close()

	syncer := connect.NewSyncer(accounts, providerClient, recorder,
		connect.WithEventSink(events))
	webhooks := connect.NewWebhookProcessor(accounts, recorder, dispatcher,
		connect.WithProcessorEventSink(events))
	limiter := ratelimit.New(rateStore)

	probe := httpapi.ReadyProbe{}
	if pgStore != nil {
		probe.DB = pgStore.DB()
	}

	api := httpapi.New(httpapi.Config{
		ReadyProbe:           probe,
		Version:              version,
		Store:                accounts,
		Provider:             providerClient,
		Syncer:               syncer,
		Webhooks:             webhooks,
		Limiter:              limiter,
		Stream:               events,
		History:              history,
		OnboardingRefreshURL: os.Getenv("EVENTPAY_ONBOARDING_REFRESH_URL"),
		OnboardingReturnURL:  os.Getenv("EVENTPAY_ONBOARDING_RETURN_URL"),
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// gRPC health endpoint for orchestration probes.
	if addr := os.Getenv("EVENTPAY_GRPC_ADDR"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv := httpapi.NewGRPCHealthServer(probe)
		go func() {
			if err := grpcSrv.Serve(rootCtx, lis); err != nil {
				log.Printf("grpc serve: %v", err)
			}
		}()
	}

	log.Printf("Starting event-pay %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(ctx)
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}
