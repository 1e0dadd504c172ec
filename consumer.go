package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relaybroker/broker/internal/reservation"
)

// Delivery is one reserved message handed to a HandlerFunc.
type Delivery struct {
	MessageID uuid.UUID
	Payload   json.RawMessage
	Priority  *int
	Attempts  int
	CreatedAt time.Time

	c *Consumer
}

// Progress records handler progress and emits a "progress" event to the
// consumer's observers.
func (d Delivery) Progress(ctx context.Context, progress any) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("delivery: marshal progress: %w", err)
	}
	if err := reservation.UpdateProgress(ctx, d.c.sub.t.b.st, d.c.sub.row.ID, d.MessageID, raw); err != nil {
		return err
	}
	if evtErr := d.c.NotifyObservers(ctx, NewCloudEvent(EventTypeProgress, d.c.source(), map[string]any{"messageId": d.MessageID, "progress": progress}, nil)); evtErr != nil {
		d.c.sub.t.b.cfg.Logger.Debug("progress event notify failed", "error", evtErr)
	}
	return nil
}

// Consumer runs the cooperative poll loop, coalescing drains, and
// per-message heartbeat loops for one subscription (§4.4). It is a Subject:
// register an Observer to receive consume/process/completed/failed/
// progress/idle events.
type Consumer struct {
	*eventSubject

	sub     *Subscription
	handler HandlerFunc
	cfg     ConsumeConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight int32

	drainMu      sync.Mutex
	drainPending bool

	initOnce sync.Once
	initDone chan struct{}
	initErr  error

	started int32
}

func newConsumer(sub *Subscription, handler HandlerFunc, cfg ConsumeConfig) *Consumer {
	return &Consumer{
		eventSubject: newEventSubject(sub.t.b.cfg.Logger),
		sub:          sub,
		handler:      handler,
		cfg:          cfg,
		initDone:     make(chan struct{}),
	}
}

func (c *Consumer) source() string {
	return fmt.Sprintf("relaybroker/subscription/%s", c.sub.Name())
}

// Start begins the poll loop if it is not already running.
func (c *Consumer) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.pollLoop()
	_ = ctx
	return nil
}

// Stop cancels the poll loop and awaits the current drain.
func (c *Consumer) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.started, 1, 0) {
		return nil
	}
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollingInterval)
	defer ticker.Stop()

	c.drainOnce(c.ctx)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.drainOnce(c.ctx)
		}
	}
}

// Consume runs one explicit drain and blocks until it ends. If a drain is
// already in progress, Consume joins it and waits for it to end.
func (c *Consumer) Consume(ctx context.Context) error {
	c.drainOnce(ctx)
	for {
		c.drainMu.Lock()
		pending := c.drainPending
		c.drainMu.Unlock()
		if !pending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// drainOnce coalesces concurrent callers into a single drain pass.
func (c *Consumer) drainOnce(ctx context.Context) {
	c.drainMu.Lock()
	if c.drainPending {
		c.drainMu.Unlock()
		return
	}
	c.drainPending = true
	c.drainMu.Unlock()

	c.drain(ctx)

	c.drainMu.Lock()
	c.drainPending = false
	c.drainMu.Unlock()
}

func (c *Consumer) drain(ctx context.Context) {
	for {
		slots := c.cfg.Concurrency - int(atomic.LoadInt32(&c.inFlight))
		if slots <= 0 {
			break
		}

		if evtErr := c.NotifyObservers(ctx, NewCloudEvent(EventTypeConsume, c.source(), nil, nil)); evtErr != nil {
			c.sub.t.b.cfg.Logger.Debug("consume event notify failed", "error", evtErr)
		}

		reserved, err := reservation.ReserveNext(ctx, c.sub.t.b.st, c.sub.row, slots)
		c.initOnce.Do(func() {
			c.initErr = err
			close(c.initDone)
		})
		if err != nil {
			c.sub.t.b.cfg.Logger.Error("reserve failed", "subscription", c.sub.Name(), "error", err)
			break
		}
		if len(reserved) == 0 {
			break
		}

		for _, r := range reserved {
			atomic.AddInt32(&c.inFlight, 1)
			c.wg.Add(1)
			go c.dispatch(r)
		}
	}

	if atomic.LoadInt32(&c.inFlight) == 0 {
		if evtErr := c.NotifyObservers(ctx, NewCloudEvent(EventTypeIdle, c.source(), nil, nil)); evtErr != nil {
			c.sub.t.b.cfg.Logger.Debug("idle event notify failed", "error", evtErr)
		}
	}
}

func (c *Consumer) dispatch(r reservation.Reserved) {
	defer c.wg.Done()
	defer atomic.AddInt32(&c.inFlight, -1)

	ctx := context.Background()
	d := Delivery{MessageID: r.MessageID, Payload: r.Payload, Priority: r.Priority, Attempts: r.Attempts, CreatedAt: r.CreatedAt, c: c}

	if evtErr := c.NotifyObservers(ctx, NewCloudEvent(EventTypeProcess, c.source(), map[string]any{"messageId": d.MessageID, "attempts": d.Attempts}, nil)); evtErr != nil {
		c.sub.t.b.cfg.Logger.Debug("process event notify failed", "error", evtErr)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go c.heartbeatLoop(hbCtx, &hbWG, d.MessageID)

	handlerErr := c.handler(ctx, d)

	hbCancel()
	hbWG.Wait()

	if handlerErr != nil {
		if err := reservation.Fail(ctx, c.sub.t.b.st, c.sub.row, d.MessageID, handlerErr.Error()); err != nil {
			c.sub.t.b.cfg.Logger.Error("mark failed error", "messageId", d.MessageID, "error", err)
		}
		if evtErr := c.NotifyObservers(ctx, NewCloudEvent(EventTypeFailed, c.source(), map[string]any{"messageId": d.MessageID, "error": handlerErr.Error()}, nil)); evtErr != nil {
			c.sub.t.b.cfg.Logger.Debug("failed event notify failed", "error", evtErr)
		}
	} else {
		if err := reservation.Complete(ctx, c.sub.t.b.st, c.sub.row, d.MessageID); err != nil {
			c.sub.t.b.cfg.Logger.Error("mark completed error", "messageId", d.MessageID, "error", err)
		}
		if evtErr := c.NotifyObservers(ctx, NewCloudEvent(EventTypeCompleted, c.source(), map[string]any{"messageId": d.MessageID}, nil)); evtErr != nil {
			c.sub.t.b.cfg.Logger.Debug("completed event notify failed", "error", evtErr)
		}
	}

	// A slot freed: immediately try to refill it rather than waiting for the
	// next poll tick.
	c.drainOnce(ctx)
}

func (c *Consumer) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, messageID uuid.UUID) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := reservation.Heartbeat(ctx, c.sub.t.b.st, c.sub.row.ID, messageID); err != nil {
				c.sub.t.b.cfg.Logger.Warn("heartbeat failed", "messageId", messageID, "error", err)
			}
		}
	}
}

// WaitIdle blocks until the consumer has no in-flight messages and no
// pending drain, or ctx is done.
func (c *Consumer) WaitIdle(ctx context.Context) error {
	for {
		if atomic.LoadInt32(&c.inFlight) == 0 {
			c.drainMu.Lock()
			pending := c.drainPending
			c.drainMu.Unlock()
			if !pending {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// WaitInit blocks until the consumer's first ReserveNext round-trip has
// completed (successfully or not), letting a caller opt into Node-style
// async-init gating (§9).
func (c *Consumer) WaitInit(ctx context.Context) error {
	select {
	case <-c.initDone:
		return c.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}
