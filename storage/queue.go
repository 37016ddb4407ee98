package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"prism-dashboard/domain"
)

const defaultQueueConcurrency = 4

type queueAPI interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Queue carries notification requests from the API to the worker.
type Queue struct {
	client      queueAPI
	create      func(context.Context) error
	concurrency int
}

// Delivery is a dequeued notification request awaiting acknowledgement.
type Delivery struct {
	Request    domain.NotificationRequest
	MessageID  string
	PopReceipt string
	Attempts   int64
}

// NewQueue connects to the named queue.
func NewQueue(connStr, name string) (*Queue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	create := func(ctx context.Context) error {
		_, err := qc.Create(ctx, nil)
		return err
	}
	return &Queue{client: qc, create: create, concurrency: defaultQueueConcurrency}, nil
}

// Provision creates the queue if it does not exist yet.
func (q *Queue) Provision(ctx context.Context) error {
	if q.create == nil {
		return nil
	}
	if err := q.create(ctx); err != nil && statusOf(err) != http.StatusConflict {
		return fmt.Errorf("create queue: %w", err)
	}
	return nil
}

// Enqueue sends a single request.
func (q *Queue) Enqueue(ctx context.Context, req domain.NotificationRequest) error {
	data, err := sonic.Marshal(req)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, string(data), nil)
	return err
}

// EnqueueMany sends reqs with bounded concurrency and returns the first error.
func (q *Queue) EnqueueMany(ctx context.Context, reqs []domain.NotificationRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	workers := q.concurrency
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	sem := make(chan struct{}, workers)
	for _, req := range reqs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(req domain.NotificationRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := q.Enqueue(ctx, req); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(req)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Receive dequeues up to max requests, hiding them for visibility. Messages
// that cannot be decoded are deleted.
func (q *Queue) Receive(ctx context.Context, max int32, visibility time.Duration) ([]Delivery, error) {
	resp, err := q.client.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  to.Ptr(max),
		VisibilityTimeout: to.Ptr(int32(visibility / time.Second)),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(resp.Messages))
	var errs []error
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		var req domain.NotificationRequest
		if m.MessageText == nil || sonic.UnmarshalString(*m.MessageText, &req) != nil || req.UserID == "" {
			if err := q.Delete(ctx, *m.MessageID, *m.PopReceipt); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		d := Delivery{Request: req, MessageID: *m.MessageID, PopReceipt: *m.PopReceipt}
		if m.DequeueCount != nil {
			d.Attempts = *m.DequeueCount
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// Delete acknowledges a processed message.
func (q *Queue) Delete(ctx context.Context, id, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, id, receipt, nil)
	return err
}
