package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/call-bridge/internal/config"
	"github.com/sweeney/call-bridge/internal/mailbox"
	"github.com/sweeney/call-bridge/internal/publisher"
	"github.com/sweeney/call-bridge/internal/session"
	"github.com/sweeney/call-bridge/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "/etc/call-bridge/call-bridge.yaml", "Path to config file")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		log.Fatalf("loading env file: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		QoS:            cfg.MQTT.QoS,
		PublishTimeout: cfg.Runtime.AttemptTimeout,
	})
	if err != nil {
		log.Fatalf("connecting to MQTT: %v", err)
	}
	defer pub.Close()

	log.Printf("connected to MQTT broker %s", cfg.MQTT.Broker)

	if err := run(ctx, cfg, *configPath, pub); err != nil && ctx.Err() == nil {
		log.Fatalf("error: %v", err)
	}

	log.Println("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, configPath string, pub *publisher.MQTTPublisher) error {
	mb, err := mailbox.Open(mailbox.Options{
		Driver:        cfg.Mailbox.Driver,
		Path:          cfg.Mailbox.Path,
		RedisAddr:     cfg.Mailbox.RedisAddr,
		RedisPassword: cfg.Mailbox.RedisPassword,
		RedisDB:       cfg.Mailbox.RedisDB,
		TTL:           cfg.Mailbox.TTL,
	})
	if err != nil {
		return fmt.Errorf("opening mailbox: %w", err)
	}
	defer mb.Close()

	tp, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()
	metrics, err := telemetry.NewMetrics(tp.Meter)
	if err != nil {
		return fmt.Errorf("telemetry instruments: %w", err)
	}

	var sessionOpts []session.Option
	avatars, err := session.NewHTTPAvatars(cfg.Call.AvatarCacheDir, &http.Client{Timeout: cfg.Call.AvatarTimeout})
	if err != nil {
		log.Printf("avatar cache unavailable, remote avatars disabled: %v", err)
	} else {
		sessionOpts = append(sessionOpts, session.WithAvatarResolver(avatars))
	}

	d := newDaemon(cfg, pub, mb, metrics, sessionOpts...)

	served := make(chan struct{})
	go func() {
		d.serve(ctx)
		close(served)
	}()
	if err := d.subscribe(ctx, pub, cfg.MQTT.PushTopic); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	if err := config.Watch(ctx, configPath, d.applyTunables); err != nil {
		log.Printf("config reload disabled: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Runtime.Path, d.link)
	srv := &http.Server{Addr: cfg.Runtime.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("runtime link listening on %s%s", cfg.Runtime.Listen, cfg.Runtime.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("runtime link: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("runtime link shutdown: %v", err)
	}
	<-served
	d.sessions.Wait()
	return nil
}
