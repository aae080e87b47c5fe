// README: Entry point; loads config, wires services, starts HTTP server and tracking workers.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"entrega/internal/config"
	httptransport "entrega/internal/http"
	"entrega/internal/infra"
	"entrega/internal/maps"
	"entrega/internal/modules/delivery"
	"entrega/internal/modules/order"
	"entrega/internal/modules/route"
	"entrega/internal/modules/tracking"
	"entrega/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("ENTREGA_FIREBASE_PROJECT_ID is required")
	}
	firebaseApp, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	verifier, err := firebaseApp.Verifier(ctx)
	if err != nil {
		log.Fatalf("firebase auth: %v", err)
	}
	messenger, err := firebaseApp.Messenger(ctx)
	if err != nil {
		log.Fatalf("firebase messaging: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}

	redisClient := infra.NewRedis(cfg.Redis.Addr)

	mapsClient, err := maps.NewClient(cfg.Maps.APIKey)
	if err != nil {
		log.Fatalf("maps init: %v", err)
	}

	orderStore := order.NewStore(dbPool)
	routeStore := route.NewStore(dbPool)
	builder := route.NewBuilder(mapsClient, routeStore, orderStore)

	locationStore := tracking.NewStore(redisClient)
	hub := tracking.NewHub(cfg.Tracking, locationStore)

	notifier := notify.NewFCMNotifier(messenger)

	deliverySvc := delivery.NewService(
		builder,
		routeStore,
		orderStore,
		hub,
		locationStore,
		mapsClient,
		notifier,
		delivery.StaticRestaurant(cfg.Restaurant.Address),
	)

	handler := httptransport.NewRouter(deliverySvc, hub, verifier)
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go hub.RunWorkers(ctx)
	go hub.RunJanitor(ctx)
	go func() {
		<-ctx.Done()
		server.Close()
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
