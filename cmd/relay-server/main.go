package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
	"uk.co.dudmesh.relay/internal/analytics"
	"uk.co.dudmesh.relay/internal/auth"
	"uk.co.dudmesh.relay/internal/boot"
	"uk.co.dudmesh.relay/internal/bus"
	"uk.co.dudmesh.relay/internal/handlers"
	"uk.co.dudmesh.relay/internal/presence"
	"uk.co.dudmesh.relay/internal/service/chat"
	"uk.co.dudmesh.relay/internal/service/delivery"
	"uk.co.dudmesh.relay/internal/service/fanout"
	"uk.co.dudmesh.relay/internal/service/message"
	"uk.co.dudmesh.relay/internal/session"
	"uk.co.dudmesh.relay/internal/store"
)

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	db, err := store.Open(config.DatabaseURL())
	if err != nil {
		log.Fatalf("opening store: %+v", err)
	}
	defer db.Close()

	redisOptions, err := redis.ParseURL(config.Redis.URL)
	if err != nil {
		log.Fatalf("parsing redis url: %+v", err)
	}
	redisClient := redis.NewClient(redisOptions)
	defer redisClient.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	registry := presence.New(redisClient, config.Redis.PresenceKey)
	if n, err := registry.Prune(ctx, config.InstanceID); err != nil {
		log.Fatalf("pruning presence: %+v", err)
	} else if n > 0 {
		log.Infof("pruned %d stale presence entries for instance %s", n, config.InstanceID)
	}

	hub := fanout.NewHub()
	redisBus := bus.New(redisClient, config.Redis.ChannelPrefix, config.InstanceID)
	ready := make(chan struct{})
	go func() {
		if err := redisBus.Run(ctx, hub.Deliver, ready); err != nil {
			log.Fatalf("bus: %+v", err)
		}
	}()
	<-ready

	verifier := auth.NewVerifier(config.Auth.Secret)
	chatService := chat.New(db)
	tracker := delivery.New(db)
	broadcaster := fanout.New(config.InstanceID, hub, registry, redisBus, db)
	messageService := message.New(db, chatService, tracker, broadcaster, analytics.NewPublisher(redisClient, config.Analytics.Stream))
	sessions := session.NewManager(config.InstanceID, hub, verifier, registry, chatService, broadcaster, tracker, messageService)

	server := echo.New()
	server.Use(middleware.BodyLimit("10M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("relay"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)
	if config.IsDevelopment() {
		log.SetLevel(log.DEBUG)
	}

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization}
	origins := strings.Split(config.Server.Origins, ",")
	server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowHeaders:     headers,
		AllowCredentials: true,
	}))

	handlers.Register(server, &handlers.Services{
		Verifier: verifier,
		Messages: messageService,
		Chats:    chatService,
		Sessions: sessions,
		Origins:  origins,
	})

	go func() {
		metrics := echo.New()
		metrics.HideBanner = true
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && err != http.ErrServerClosed {
			server.Logger.Fatal("shutting down the server")
		}
	}()
	log.Infof("relay instance %s listening on :%s", config.InstanceID, config.Server.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		server.Logger.Fatal(err)
	}
	if n, err := registry.Prune(shutdownCtx, config.InstanceID); err != nil {
		log.Errorf("releasing presence: %+v", err)
	} else {
		log.Infof("released %d presence entries", n)
	}
}
