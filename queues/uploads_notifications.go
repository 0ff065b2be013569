package queues

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/caching"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// UploadsNotifyReceiverImpl consumes upload events from SQS and drops the cached
// listing of the affected user, so every instance sharing the cache sees status
// changes made by its peers.
type UploadsNotifyReceiverImpl struct {
	client     SQSAPI
	cachingSvc caching.CachingService
	queueUrl   string
	waitTime   int32

	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewUploadsNotifyReceiverImpl(
	parent context.Context,
	client SQSAPI,
	cachingSvc caching.CachingService,
	queueUrl string,
	l logging.Logger,
) *UploadsNotifyReceiverImpl {

	ctx, cancel := context.WithCancel(parent)

	return &UploadsNotifyReceiverImpl{
		client:     client,
		cachingSvc: cachingSvc,
		queueUrl:   queueUrl,
		waitTime:   20, // long poll
		logger:     l,
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (r *UploadsNotifyReceiverImpl) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *UploadsNotifyReceiverImpl) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     r.waitTime,
			VisibilityTimeout:   30,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Warn("failed to receive upload events", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *UploadsNotifyReceiverImpl) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("failed to delete message", "error", err)
	}
}

func (r *UploadsNotifyReceiverImpl) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.UploadEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil || evt.UserId == "" {
		// poison message
		r.logger.Warn("dropping malformed upload event", "message_id", aws.ToString(msg.MessageId))
		r.deleteMessage(ctx, msg)
		return
	}

	if err := r.cachingSvc.Delete(ctx, caching.UserUploadsKey(evt.UserId)); err != nil {
		r.logger.Error("cached uploads invalidation failed", "upload_id", evt.UploadId, "error", err)
		return // retry after visibility timeout
	}

	r.logger.Debug("upload event consumed", "type", evt.Type, "upload_id", evt.UploadId)
	r.deleteMessage(ctx, msg)
}

func (r *UploadsNotifyReceiverImpl) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
