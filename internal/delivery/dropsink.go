package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"gelfrelay/internal/types"
)

// DroppedRecord describes a document the relay gave up on.
type DroppedRecord struct {
	Ident     uint64                  `json:"ident"`
	Index     string                  `json:"index"`
	State     State                   `json:"state"`
	Attempts  int                     `json:"attempts"`
	Code      types.ErrorCode         `json:"code"`
	Reason    string                  `json:"reason"`
	DroppedAt time.Time               `json:"dropped_at"`
	Document  *types.NormalizedRecord `json:"document"`
}

// DropSink receives records that ended dropped or abandoned.
type DropSink interface {
	Drop(ctx context.Context, rec DroppedRecord) error
}

// LogDropSink writes the full document at error level so it can be
// recovered from the log stream.
type LogDropSink struct {
	logger types.Logger
}

var _ DropSink = (*LogDropSink)(nil)

// NewLogDropSink creates a LogDropSink.
func NewLogDropSink(logger types.Logger) *LogDropSink {
	return &LogDropSink{logger: logger}
}

func (s *LogDropSink) Drop(_ context.Context, rec DroppedRecord) error {
	doc, err := json.Marshal(rec.Document)
	if err != nil {
		return fmt.Errorf("log drop sink: failed to marshal document: %w", err)
	}
	s.logger.Error("dropping record",
		"ident", rec.Ident,
		"index", rec.Index,
		"state", string(rec.State),
		"attempts", rec.Attempts,
		"code", string(rec.Code),
		"reason", rec.Reason,
		"document", string(doc),
	)
	return nil
}

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSDropSink publishes dropped records to a queue for manual replay.
// Publishing is attempted once.
type SQSDropSink struct {
	client   SQSSender
	queueURL string
	logger   types.Logger
}

var _ DropSink = (*SQSDropSink)(nil)

// NewSQSDropSink creates a sink targeting queueURL.
func NewSQSDropSink(client SQSSender, queueURL string, logger types.Logger) *SQSDropSink {
	return &SQSDropSink{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

func (s *SQSDropSink) Drop(ctx context.Context, rec DroppedRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqs drop sink: failed to marshal record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"index": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Index),
			},
			"code": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(rec.Code)),
			},
		},
	}

	if _, err := s.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs drop sink: failed to send message to %s: %w", s.queueURL, err)
	}

	s.logger.Info("dropped record published",
		"ident", rec.Ident,
		"index", rec.Index,
		"code", string(rec.Code),
	)
	return nil
}
