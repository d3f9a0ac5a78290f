// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relabs-tech/canopy/config"
	"github.com/relabs-tech/canopy/core/access"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot/api"
	"github.com/relabs-tech/canopy/iot/broker"
	"github.com/relabs-tech/canopy/iot/processor"
	"github.com/relabs-tech/canopy/iot/ratelimit"
	"github.com/relabs-tech/canopy/iot/topics"
)

const shutdownTimeout = 10 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the MQTT broker and the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(ctx context.Context, cfg *config.Config) error {
	rlog := logger.Default()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	s, err := openSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	t, err := topics.New(cfg.MQTT.TopicPrefix, cfg.MQTT.TelemetryTopics)
	if err != nil {
		return err
	}

	pb := &processor.Builder{
		Store:               b.store,
		Archive:             b.archive,
		Topics:              t,
		Thresholds:          ratelimit.Thresholds{LowerRate: cfg.Rates.LowerRate, HigherRate: cfg.Rates.HigherRate},
		Capacity:            cfg.Rates.Capacity,
		CongestionThreshold: cfg.Rates.CongestionThreshold,
		AuthTimeout:         cfg.Auth.Timeout,
		BcryptCost:          cfg.Auth.BcryptCost,
		QueueCapacity:       cfg.Storage.QueueCapacity,
		Workers:             cfg.Storage.Workers,
		BatchSize:           cfg.Storage.BatchSize,
		EnqueueTimeout:      cfg.Storage.EnqueueTimeout,
		Sinks:               s.list,
	}
	if s.kafka != nil {
		pb.ShadowEvents = s.kafka
	}
	p := processor.New(pb)
	// the queues drain before the store closes
	defer p.Close()
	if err := p.Bootstrap(ctx); err != nil {
		return err
	}

	accessor := b.registry.Accessor("access")
	a, err := access.New(ctx, &access.Builder{
		AdminToken: cfg.HTTP.AdminToken,
		Secret:     cfg.Auth.TokenSecret,
		Registry:   &accessor,
		Expires:    cfg.Auth.TokenTTL,
	})
	if err != nil {
		return err
	}

	mqttBroker, err := broker.New(ctx, &broker.Builder{
		Processor:  p,
		Bind:       cfg.MQTT.Bind,
		BindTLS:    cfg.MQTT.BindTLS,
		ServerName: cfg.MQTT.ServerName,
		HostNames:  cfg.MQTT.HostNames,
	})
	if err != nil {
		return err
	}
	p.SetTransport(mqttBroker)

	service := api.New(&api.Builder{
		Processor:          p,
		Access:             a,
		DisableCORS:        !cfg.HTTP.CORS,
		DisableCompression: !cfg.HTTP.Compression,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Bind,
		Handler:           service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go p.Run(ctx)
	mqttBroker.Run()

	errc := make(chan error, 1)
	go func() {
		rlog.Infoln("listen on", cfg.HTTP.Bind)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		rlog.Infoln("shutting down")
	case err = <-errc:
		rlog.WithError(err).Errorln("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		rlog.WithError(serr).Warnln("http shutdown")
	}
	p.SetTransport(nil)
	if serr := mqttBroker.Stop(shutdownCtx); serr != nil {
		rlog.WithError(serr).Warnln("broker shutdown")
	}
	return err
}
