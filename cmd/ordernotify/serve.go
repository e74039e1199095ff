package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	paymentEvents "github.com/davicafu/ordernotify/internal/notification/infra/inbound/events"
	notificationHttp "github.com/davicafu/ordernotify/internal/notification/infra/inbound/http"
	bridgeEvents "github.com/davicafu/ordernotify/internal/notification/infra/outbound/events"
	infraEvents "github.com/davicafu/ordernotify/internal/shared/infra/events"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var noScheduler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Arranca la API HTTP, el scheduler y los puentes de Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx, !noScheduler)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the periodic jobs in this process")
	return cmd
}

func (a *app) serve(ctx context.Context, withScheduler bool) error {
	log := a.log
	var wg sync.WaitGroup

	// ---------------- Events ---------------
	if a.cfg.Kafka.Enabled {
		a.startKafka(ctx, &wg)
	}

	// ---------------- Scheduler ----------------
	if withScheduler {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.scheduler.Start(ctx)
		}()
	}

	// ---------------- HTTP ----------------
	handler := notificationHttp.NewNotificationHandler(a.svc, a.kv, log)
	router := gin.New()
	router.Use(gin.Recovery())
	notificationHttp.RegisterNotificationRoutes(router, handler)

	srv := &http.Server{Addr: ":" + a.cfg.HTTP.Port, Handler: router}
	// Los streams SSE no terminan solos: se cierran al empezar Shutdown.
	srv.RegisterOnShutdown(handler.CloseStreams)
	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server running", zap.String("url", "http://localhost:"+a.cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		log.Error("❌ Fallo al arrancar el servidor", zap.Error(serveErr))
	}

	log.Info("🛑 Apagando...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("⚠️ Cierre del servidor HTTP incompleto", zap.Error(err))
	}
	wg.Wait()
	return serveErr
}

// startKafka reenvía el canal del admin a Kafka y, si hay topic de pagos,
// consume las confirmaciones del servicio de pagos.
func (a *app) startKafka(ctx context.Context, wg *sync.WaitGroup) {
	cfg := a.cfg.Kafka
	log := a.log
	log.Info("🚀 Usando Kafka como bus de eventos", zap.Strings("brokers", cfg.Brokers))

	// Hash por order_id: todos los eventos de un pedido van a la misma partición.
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.BridgeTopic,
		Balancer: &kafka.Hash{},
	})
	a.closers = append(a.closers, func() { _ = writer.Close() })

	bridge := bridgeEvents.NewKafkaBridge(a.kv, infraEvents.NewKafkaPublisher(writer, log), log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bridge.Run(ctx); err != nil {
			log.Error("❌ Bridge a Kafka terminado con error", zap.Error(err))
		}
	}()

	if cfg.PaymentsTopic == "" {
		return
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.PaymentsTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	a.closers = append(a.closers, func() { _ = reader.Close() })

	consumer := paymentEvents.NewPaymentConsumer(a.svc, log)
	adapter := infraEvents.NewConsumerAdapter(reader, cfg.PaymentsTopic, consumer, log, infraEvents.WithReadRetryDelay(cfg.ReadRetryDelay))
	wg.Add(1)
	go func() {
		defer wg.Done()
		adapter.Run(ctx)
	}()
}
