// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"fmt"

	"github.com/relabs-tech/canopy/config"
	"github.com/relabs-tech/canopy/core/csql"
	"github.com/relabs-tech/canopy/core/kss"
	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/core/registry"
	"github.com/relabs-tech/canopy/iot/sink"
	"github.com/relabs-tech/canopy/iot/store"
	"github.com/relabs-tech/canopy/iot/telemetry"
)

// backend is the storage of one process: the device store, the registry and the
// certificate archive
type backend struct {
	store    store.Store
	registry registry.Registry
	archive  kss.Driver
}

// openBackend selects postgres when a connection string is configured and memory otherwise
func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	if cfg.Database.Postgres == "" {
		logger.Default().Warnln("no postgres configured, all state lives in memory")
		b.store = store.NewMemory()
		b.registry = registry.NewMemory()
	} else {
		db, err := csql.Open(cfg.Database.Postgres, cfg.Database.PostgresPassword, cfg.Database.Schema)
		if err != nil {
			return nil, err
		}
		s, err := store.NewPostgres(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		b.store = s
		b.registry = registry.New(db)
	}

	archive, err := kss.New(ctx, archiveConfiguration(cfg.Archive))
	if err != nil {
		b.store.Close()
		return nil, fmt.Errorf("cannot open certificate archive: %w", err)
	}
	b.archive = archive
	return b, nil
}

func archiveConfiguration(a config.Archive) kss.Configuration {
	c := kss.Configuration{DriverType: kss.DriverType(a.Driver)}
	switch c.DriverType {
	case kss.DriverTypeLocal:
		c.LocalConfiguration = &kss.LocalConfiguration{BasePath: a.LocalPath}
	case kss.DriverTypeAWSS3:
		c.S3Configuration = &kss.S3Configuration{
			AccessID:      a.AccessID,
			AccessKey:     a.AccessKey,
			AWSRegion:     a.S3Region,
			AWSBucketName: a.S3Bucket,
			KeyPrefix:     a.S3Prefix,
		}
	}
	return c
}

func (b *backend) Close() error {
	return b.store.Close()
}

// sinks are the configured mirrors of the telemetry pipeline
type sinks struct {
	list  []telemetry.Sink
	kafka *sink.Kafka
	close []func() error
}

func openSinks(ctx context.Context, cfg *config.Config) (*sinks, error) {
	s := &sinks{}
	if len(cfg.Kafka.Brokers) > 0 {
		s.kafka = sink.NewKafka(&sink.KafkaBuilder{
			Brokers:      cfg.Kafka.Brokers,
			SamplesTopic: cfg.Kafka.SamplesTopic,
			ShadowTopic:  cfg.Kafka.ShadowTopic,
		})
		s.list = append(s.list, s.kafka)
		s.close = append(s.close, s.kafka.Close)
	}
	if cfg.Influx.URL != "" {
		influx := sink.NewInflux(&sink.InfluxBuilder{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		s.list = append(s.list, influx)
		s.close = append(s.close, influx.Close)
	}
	if cfg.SQS.QueueURL != "" {
		sqs, err := sink.NewSQS(ctx, &sink.SQSBuilder{
			QueueURL:  cfg.SQS.QueueURL,
			Region:    cfg.SQS.Region,
			AccessID:  cfg.Archive.AccessID,
			AccessKey: cfg.Archive.AccessKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("cannot create sqs sink: %w", err)
		}
		s.list = append(s.list, sqs)
	}
	return s, nil
}

func (s *sinks) Close() {
	for _, c := range s.close {
		if err := c(); err != nil {
			logger.Default().WithError(err).Warnln("cannot close sink")
		}
	}
}
