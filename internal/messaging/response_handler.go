// Package messaging connects WhatsApp providers to the flow engine: provider
// services turn webhooks and socket events into inbound messages, and the
// ResponseHandler runs each one through the engine and delivers the replies.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/BTreeMap/QuotePipe/internal/flow"
	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/quote"
	"github.com/BTreeMap/QuotePipe/internal/util"
)

// Defaults for the inbound worker pool.
const (
	DefaultWorkers           = 4
	DefaultQueueSize         = 64
	DefaultTurnTimeout       = 30 * time.Second
	DefaultCompletionTimeout = 2 * time.Minute
)

// CompletionHandler receives the captured data of a finished intake.
type CompletionHandler interface {
	Process(ctx context.Context, c quote.Completion) (models.Lead, error)
}

// Recorder observes outbound deliveries, receipts and queue depth.
type Recorder interface {
	Outbound(kind string, err error)
	Receipt(status string)
	QueueDepth(delta int)
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithWorkers sets the number of inbound workers. Messages of one session always
// land on the same worker, so they are handled in arrival order.
func WithWorkers(n int) HandlerOption {
	return func(rh *ResponseHandler) {
		if n > 0 {
			rh.workers = n
		}
	}
}

// WithQueueSize sets the per-worker queue capacity.
func WithQueueSize(n int) HandlerOption {
	return func(rh *ResponseHandler) {
		if n > 0 {
			rh.queueSize = n
		}
	}
}

// WithTurnTimeout bounds one turn including reply delivery.
func WithTurnTimeout(d time.Duration) HandlerOption {
	return func(rh *ResponseHandler) {
		if d > 0 {
			rh.turnTimeout = d
		}
	}
}

// WithCompletionHandler sets what runs when a customer finishes the flow.
func WithCompletionHandler(h CompletionHandler) HandlerOption {
	return func(rh *ResponseHandler) { rh.completion = h }
}

// WithHandlerRecorder sets the metrics recorder.
func WithHandlerRecorder(r Recorder) HandlerOption {
	return func(rh *ResponseHandler) { rh.recorder = r }
}

// ResponseHandler feeds inbound messages from a Service into the flow engine and
// sends the resulting segments back to the customer.
type ResponseHandler struct {
	engine      *flow.Engine
	msgService  Service
	completion  CompletionHandler
	recorder    Recorder
	workers     int
	queueSize   int
	turnTimeout time.Duration

	queues []chan models.Response
	wg     sync.WaitGroup // workers and dispatcher
	jobs   sync.WaitGroup // in-flight completions
}

// NewResponseHandler creates a ResponseHandler for the given engine and service.
func NewResponseHandler(engine *flow.Engine, msgService Service, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{
		engine:      engine,
		msgService:  msgService,
		workers:     DefaultWorkers,
		queueSize:   DefaultQueueSize,
		turnTimeout: DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// SessionKey identifies the conversation a message belongs to: the provider's
// account id when present, otherwise the sender's canonical number.
func (rh *ResponseHandler) SessionKey(response models.Response) (string, error) {
	if id := util.DigitsOnly(response.AccountID); id != "" {
		return id, nil
	}
	return rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
}

// ProcessResponse runs one inbound message through the engine, delivers the reply
// segments in order and, when the flow finished, hands the capture to the
// completion handler in the background.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) (flow.TurnResult, error) {
	if err := response.Validate(); err != nil {
		return flow.TurnResult{}, fmt.Errorf("invalid inbound message: %w", err)
	}
	key, err := rh.SessionKey(response)
	if err != nil {
		return flow.TurnResult{}, fmt.Errorf("invalid sender: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, rh.turnTimeout)
	defer cancel()

	result := rh.engine.HandleMessage(ctx, flow.Inbound{SessionKey: key, Body: response.Body, MessageID: response.MessageID})
	if result.Err != nil {
		slog.Error("ResponseHandler.ProcessResponse: turn failed", "error", result.Err, "participant", key, "outcome", result.Outcome)
	}

	recipient := response.From
	if recipient == "" {
		recipient = key
	}
	for i, segment := range result.Segments {
		sendErr := rh.msgService.SendMessage(ctx, recipient, segment)
		if rh.recorder != nil {
			rh.recorder.Outbound("text", sendErr)
		}
		if sendErr != nil {
			slog.Error("ResponseHandler.ProcessResponse: reply delivery failed", "error", sendErr, "participant", key, "segment", i, "of", len(result.Segments))
			return result, fmt.Errorf("failed to deliver reply %d/%d: %w", i+1, len(result.Segments), sendErr)
		}
	}

	if result.Finished && rh.completion != nil {
		rh.complete(ctx, quote.Completion{
			SessionKey:  key,
			Recipient:   recipient,
			ProfileName: response.ProfileName,
			Data:        result.Data,
		})
	}
	slog.Debug("ResponseHandler.ProcessResponse: turn done", "participant", key, "outcome", result.Outcome, "segments", len(result.Segments))
	return result, nil
}

func (rh *ResponseHandler) complete(ctx context.Context, c quote.Completion) {
	rh.jobs.Add(1)
	go func() {
		defer rh.jobs.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCompletionTimeout)
		defer cancel()
		lead, err := rh.completion.Process(ctx, c)
		if err != nil {
			slog.Error("ResponseHandler completion failed", "error", err, "participant", c.SessionKey, "lead", lead.ID, "status", lead.Status)
			return
		}
		slog.Info("ResponseHandler completion done", "participant", c.SessionKey, "lead", lead.ID, "status", lead.Status)
	}()
}

// Start begins processing responses and receipts from the messaging service.
// It returns immediately; Wait blocks until the workers drain.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing", "workers", rh.workers)

	rh.queues = make([]chan models.Response, rh.workers)
	for i := range rh.queues {
		rh.queues[i] = make(chan models.Response, rh.queueSize)
		rh.wg.Add(1)
		go rh.work(ctx, i, rh.queues[i])
	}

	rh.wg.Add(2)
	go rh.dispatch(ctx)
	go rh.drainReceipts(ctx)
}

// Wait blocks until the dispatcher, the workers and pending completions finish.
func (rh *ResponseHandler) Wait() {
	rh.wg.Wait()
	rh.jobs.Wait()
}

func (rh *ResponseHandler) dispatch(ctx context.Context) {
	defer rh.wg.Done()
	defer func() {
		for _, q := range rh.queues {
			close(q)
		}
		slog.Info("ResponseHandler stopped response processing")
	}()

	for {
		select {
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				slog.Debug("ResponseHandler responses channel closed")
				return
			}
			rh.enqueue(response)
		case <-ctx.Done():
			n := rh.drainBuffered()
			slog.Debug("ResponseHandler stopping due to context cancellation", "drained", n)
			return
		}
	}
}

// drainBuffered hands messages the service already accepted to the workers so
// they are answered before shutdown.
func (rh *ResponseHandler) drainBuffered() int {
	n := 0
	for {
		select {
		case response, ok := <-rh.msgService.Responses():
			if !ok {
				return n
			}
			rh.enqueue(response)
			n++
		default:
			return n
		}
	}
}

// enqueue blocks until the session's worker accepts the message. Workers run
// until dispatch closes their queues.
func (rh *ResponseHandler) enqueue(response models.Response) {
	key, err := rh.SessionKey(response)
	if err != nil {
		slog.Warn("ResponseHandler dropping message from invalid sender", "error", err, "from", response.From)
		return
	}
	rh.queues[shard(key, len(rh.queues))] <- response
	if rh.recorder != nil {
		rh.recorder.QueueDepth(1)
	}
}

func (rh *ResponseHandler) work(ctx context.Context, id int, queue <-chan models.Response) {
	defer rh.wg.Done()
	for response := range queue {
		if rh.recorder != nil {
			rh.recorder.QueueDepth(-1)
		}
		turnCtx := ctx
		if ctx.Err() != nil {
			turnCtx = context.WithoutCancel(ctx)
		}
		if _, err := rh.ProcessResponse(turnCtx, response); err != nil {
			slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From, "worker", id)
		}
	}
}

func (rh *ResponseHandler) drainReceipts(ctx context.Context) {
	defer rh.wg.Done()
	for {
		select {
		case receipt, ok := <-rh.msgService.Receipts():
			if !ok {
				return
			}
			if rh.recorder != nil {
				rh.recorder.Receipt(string(receipt.Status))
			}
		case <-ctx.Done():
			return
		}
	}
}

// shard maps a session key onto one of n workers.
func shard(key string, n int) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(n))
}
