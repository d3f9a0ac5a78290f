// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package sink

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/canopy/core/logger"
	"github.com/relabs-tech/canopy/iot"
)

// sqsBatchLimit is the maximum number of entries of one SendMessageBatch call
const sqsBatchLimit = 10

// samplesPerMessage keeps a message well below the 256KB limit of SQS
const samplesPerMessage = 10

type batchSender interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
}

// SQSBuilder is a builder helper for the SQS sink
type SQSBuilder struct {
	// QueueURL is the url of the queue. This is mandatory.
	QueueURL string
	// Region is the AWS region of the queue
	Region string
	// AccessID and AccessKey are static credentials. Without them the default
	// AWS credential chain is used.
	AccessID  string
	AccessKey string
}

// SQS mirrors samples into an SQS queue
type SQS struct {
	client   batchSender
	queueURL string
}

// NewSQS returns an SQS sink
func NewSQS(ctx context.Context, b *SQSBuilder) (*SQS, error) {
	if b.QueueURL == "" {
		return nil, fmt.Errorf("QueueURL must not be empty")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(b.Region)}
	if b.AccessID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.AccessID, b.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	logger.Default().Infof("sqs sink enabled on %s", b.QueueURL)
	return &SQS{client: sqs.NewFromConfig(cfg), queueURL: b.QueueURL}, nil
}

// Name implements telemetry.Sink
func (s *SQS) Name() string {
	return "sqs"
}

// batchEntries groups samples into message entries, samplesPerMessage per message
func batchEntries(samples []iot.MetricSample) ([]types.SendMessageBatchRequestEntry, error) {
	var entries []types.SendMessageBatchRequestEntry
	for start := 0; start < len(samples); start += samplesPerMessage {
		end := start + samplesPerMessage
		if end > len(samples) {
			end = len(samples)
		}
		body, err := json.Marshal(samples[start:end])
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(len(entries))),
			MessageBody: aws.String(string(body)),
		})
	}
	return entries, nil
}

// WriteSamples implements telemetry.Sink
func (s *SQS) WriteSamples(ctx context.Context, samples []iot.MetricSample) error {
	entries, err := batchEntries(samples)
	if err != nil {
		return err
	}
	failed := 0
	for start := 0; start < len(entries); start += sqsBatchLimit {
		end := start + sqsBatchLimit
		if end > len(entries) {
			end = len(entries)
		}
		out, err := s.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(s.queueURL),
			Entries:  entries[start:end],
		})
		if err != nil {
			return err
		}
		failed += len(out.Failed)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d sqs messages failed", failed, len(entries))
	}
	return nil
}
