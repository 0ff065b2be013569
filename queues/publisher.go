package queues

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"
)

type EventPublisher interface {
	Publish(ctx context.Context, evt models.UploadEvent) error
}

// SQSAPI is the subset of *sqs.Client used by the publisher and the receiver.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SqsEventPublisherImpl struct {
	client   SQSAPI
	queueUrl string
}

func NewSqsEventPublisherImpl(client SQSAPI, queueUrl string) *SqsEventPublisherImpl {
	return &SqsEventPublisherImpl{
		client:   client,
		queueUrl: queueUrl,
	}
}

func (p *SqsEventPublisherImpl) Publish(ctx context.Context, evt models.UploadEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueUrl),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(evt.Type)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s event: %w", evt.Type, err)
	}
	return nil
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AmqpEventPublisherImpl publishes events to a topic exchange, routed by event type.
type AmqpEventPublisherImpl struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
}

func NewAmqpEventPublisherImpl(url string, exchange string) (*AmqpEventPublisherImpl, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &AmqpEventPublisherImpl{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
	}, nil
}

func (p *AmqpEventPublisherImpl) Publish(ctx context.Context, evt models.UploadEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx, p.exchange, string(evt.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.UploadId + ":" + string(evt.Type),
		Timestamp:    evt.OccurredAt,
		Body:         body,
	})
}

func (p *AmqpEventPublisherImpl) Shutdown(ctx context.Context) error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogEventPublisher writes events to the log. Used when no broker is configured.
type LogEventPublisher struct {
	logger logging.Logger
}

func NewLogEventPublisher(l logging.Logger) *LogEventPublisher {
	return &LogEventPublisher{logger: l}
}

func (p *LogEventPublisher) Publish(ctx context.Context, evt models.UploadEvent) error {
	p.logger.Info("upload event",
		"type", evt.Type,
		"upload_id", evt.UploadId,
		"user_id", evt.UserId,
		"status", evt.Status,
	)
	return nil
}
