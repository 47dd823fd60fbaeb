package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/probe-lab/flowarchive/pkg/filter"
)

type SQSConfig struct {
	AWSConfig *aws.Config
	Queue     string

	// Client overrides the SQS client built from AWSConfig.
	Client sqsiface.SQSAPI
}

// SQSSource long-polls an SQS queue. A message body is either an envelope
// per line or an SNS notification whose Message holds envelopes one per line.
// Messages are deleted as soon as they are received.
type SQSSource struct {
	cfg SQSConfig
	d   *dispatcher
}

func NewSQSSource(cfg *SQSConfig, sink Sink, f filter.RecordFilter) (*SQSSource, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name must not be empty")
	}
	d, err := newDispatcher("sqs", sink, f)
	if err != nil {
		return nil, err
	}
	return &SQSSource{cfg: *cfg, d: d}, nil
}

func (s *SQSSource) Run(ctx context.Context) error {
	svc := s.cfg.Client
	if svc == nil {
		sess, err := session.NewSession(s.cfg.AWSConfig)
		if err != nil {
			return fmt.Errorf("new session: %w", err)
		}
		svc = sqs.New(sess)
	}

	urlResult, err := svc.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(s.cfg.Queue),
	})
	if err != nil {
		return fmt.Errorf("get queue url: %w", err)
	}
	queueURL := aws.StringValue(urlResult.QueueUrl)
	s.d.logger.Info("found queue url", "url", queueURL)
	s.d.metrics.connected.Set(1)
	defer s.d.metrics.connected.Set(0)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgResult, err := svc.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
			AttributeNames: []*string{
				aws.String(sqs.MessageSystemAttributeNameSentTimestamp),
			},
			MessageAttributeNames: []*string{
				aws.String(sqs.QueueAttributeNameAll),
			},
			QueueUrl:            aws.String(queueURL),
			MaxNumberOfMessages: aws.Int64(10),
			VisibilityTimeout:   aws.Int64(5),
			WaitTimeSeconds:     aws.Int64(10),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.d.metrics.errors.Add(1)
			s.d.logger.Error("failed to receive message", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgResult.Messages {
			if msg.Body == nil {
				s.d.metrics.errors.Add(1)
				s.d.logger.Warn("message body was nil", "message_id", aws.StringValue(msg.MessageId))
				continue
			}
			_, err = svc.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(queueURL),
				ReceiptHandle: msg.ReceiptHandle,
			})
			if err != nil {
				s.d.metrics.errors.Add(1)
				s.d.logger.Error("failed to delete message", err)
			}

			s.handleBody(*msg.Body)
		}
	}
}

type SNSMessage struct {
	Type      string `json:"Type"`
	MessageId string `json:"MessageId"`
	TopicArn  string `json:"TopicArn"`
	Message   string `json:"Message"`
}

func (s *SQSSource) handleBody(body string) {
	var smsg SNSMessage
	if err := json.Unmarshal([]byte(body), &smsg); err == nil && smsg.Type == "Notification" {
		body = smsg.Message
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := s.d.handleEnvelope(line); err != nil {
			s.d.logger.Warn("failed to handle envelope", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		s.d.metrics.errors.Add(1)
		s.d.logger.Error("failed to scan message", err)
	}
}
