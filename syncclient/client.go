// Copyright 2026 The FieldGrid Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldgrid/fieldgrid/lib/clock"
	"github.com/fieldgrid/fieldgrid/lib/schema/track"
	"github.com/fieldgrid/fieldgrid/lib/wire"
)

// DefaultRetryDelay is the fixed pause between uplink reconnect
// attempts. No backoff growth, no attempt cap: the uplink retries at
// this cadence until Disconnect.
const DefaultRetryDelay = 5 * time.Second

// notificationBufferSize bounds the observer dispatch queue.
const notificationBufferSize = 256

var (
	// ErrClientClosed is returned once Disconnect has been called.
	ErrClientClosed = errors.New("syncclient: client closed")

	// ErrAlreadyConnected is returned by a second Connect call.
	ErrAlreadyConnected = errors.New("syncclient: already connected")

	// ErrNotConnected is returned by SendTelemetry before Connect.
	ErrNotConnected = errors.New("syncclient: not connected")
)

// Observer receives client events. Callbacks are invoked from a
// single dispatch goroutine, so delivery is FIFO in the order the
// triggering events occurred. A callback that stalls past the queue
// capacity loses notifications rather than blocking the client.
type Observer interface {
	OnStatusChange(status Status)
	OnUnitUpdate(event track.TelemetryEvent)
}

// Options configures a Client. Uplink is required; Broadcast and
// Observer are optional.
type Options struct {
	// Uplink is the durable-delivery leg. Reopened forever on loss.
	Uplink Channel

	// Broadcast is the low-latency fan-out leg. Optional: absence
	// degrades the client, it does not fail it.
	Broadcast Channel

	// Observer receives status changes and inbound unit updates.
	Observer Observer

	// RetryDelay overrides DefaultRetryDelay.
	RetryDelay time.Duration

	// Clock defaults to clock.Real(). Tests inject clock.Fake.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client is one participant's connection to the rest of the fleet.
// Each instance owns its whole session: construct at connect time,
// Disconnect when done, and nothing is shared between instances.
type Client struct {
	uplink     Channel
	broadcast  Channel
	observer   Observer
	retryDelay time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	mu            sync.Mutex
	status        Status
	uplinkOpen    bool
	broadcastOpen bool
	started       bool
	closed        bool
	cancel        context.CancelFunc

	wg sync.WaitGroup

	notifications chan notification
	dispatchDone  chan struct{}
	dropped       atomic.Uint64
}

// notification is one queued observer callback.
type notification struct {
	status *Status
	unit   *track.TelemetryEvent
}

// New builds a Client. The observer dispatch goroutine starts
// immediately and lives until Disconnect.
func New(options Options) (*Client, error) {
	if options.Uplink == nil {
		return nil, errors.New("syncclient: uplink channel is required")
	}

	client := &Client{
		uplink:        options.Uplink,
		broadcast:     options.Broadcast,
		observer:      options.Observer,
		retryDelay:    options.RetryDelay,
		clock:         options.Clock,
		logger:        options.Logger,
		status:        StatusDisconnected,
		notifications: make(chan notification, notificationBufferSize),
		dispatchDone:  make(chan struct{}),
	}
	if client.retryDelay == 0 {
		client.retryDelay = DefaultRetryDelay
	}
	if client.clock == nil {
		client.clock = clock.Real()
	}
	if client.logger == nil {
		client.logger = slog.Default()
	}

	go client.dispatch()
	return client, nil
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect starts both channel managers and moves the status to
// Connecting. It returns immediately; the transition to Live arrives
// via the observer when the first channel opens.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.transitionLocked(eventConnect)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.runUplink(runCtx)

	if c.broadcast != nil {
		c.wg.Add(1)
		go c.runBroadcast(runCtx)
	}
	return nil
}

// Disconnect tears down both channels and pins the status to
// Disconnected. Synchronous: when it returns, no further sends will
// occur and both channel managers have exited. Safe to call more
// than once.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	changed := c.status != StatusDisconnected
	c.status = StatusDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.uplink.Close()
	if c.broadcast != nil {
		c.broadcast.Close()
	}
	c.wg.Wait()

	if changed {
		status := StatusDisconnected
		c.enqueue(notification{status: &status})
	}
	close(c.notifications)
	<-c.dispatchDone
}

// SendTelemetry delivers one report on both channels, independently
// and concurrently. Neither delivery blocks or gates the other; a
// failed leg is logged and surfaces only through the reconnect
// policy. Returns an error only when the client is not in a state to
// send at all.
func (c *Client) SendTelemetry(ctx context.Context, event track.TelemetryEvent) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if !c.started {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	channels := []Channel{c.uplink}
	if c.broadcast != nil {
		channels = append(channels, c.broadcast)
	}

	var wg sync.WaitGroup
	for _, channel := range channels {
		wg.Add(1)
		go func(channel Channel) {
			defer wg.Done()
			if err := channel.Send(ctx, event); err != nil {
				c.logger.Debug("telemetry send failed", "unit", event.UnitID, "error", err)
			}
		}(channel)
	}
	wg.Wait()
	return nil
}

// runUplink owns the uplink channel: open, consume, and on loss retry
// after the fixed delay, forever. An unauthorized rejection is the
// one terminal outcome; it parks the client in StatusError.
func (c *Client) runUplink(ctx context.Context) {
	defer c.wg.Done()

	for {
		err := c.uplink.Open(ctx)
		if err != nil {
			if errors.Is(err, wire.ErrUnauthorized) {
				c.logger.Error("uplink rejected, giving up", "error", err)
				c.applyEvent(eventFatal, nil, nil)
				return
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("uplink open failed", "error", err)
		} else {
			open := true
			c.applyEvent(eventChannelHealthy, &open, nil)

			c.consumeEvents(ctx, c.uplink)

			open = false
			if ctx.Err() != nil {
				return
			}
			c.applyEvent(eventUplinkDown, &open, nil)
		}

		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.retryDelay):
		}
	}
}

// runBroadcast owns the broadcast channel. One shot: a broadcast
// failure is absorbed by the failover policy instead of retried; the
// uplink carries the session from then on.
func (c *Client) runBroadcast(ctx context.Context) {
	defer c.wg.Done()

	if err := c.broadcast.Open(ctx); err != nil {
		if ctx.Err() == nil {
			c.logger.Warn("broadcast channel unavailable", "error", err)
			open := false
			c.applyEvent(eventBroadcastDown, nil, &open)
		}
		return
	}

	open := true
	c.applyEvent(eventChannelHealthy, nil, &open)

	c.consumeEvents(ctx, c.broadcast)

	open = false
	if ctx.Err() != nil {
		return
	}
	c.applyEvent(eventBroadcastDown, nil, &open)
}

// consumeEvents pumps a channel's event stream until it reports
// closed or the context ends.
func (c *Client) consumeEvents(ctx context.Context, channel Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case channelEvent, ok := <-channel.Events():
			if !ok {
				return
			}
			switch channelEvent.Kind {
			case EventClosed:
				return
			case EventUnitUpdate:
				c.notifyUnit(channelEvent.Unit)
			}
		}
	}
}

// enqueue queues one observer callback without blocking. A stalled
// observer loses notifications once the queue fills; it never wedges
// status transitions or the send path.
func (c *Client) enqueue(n notification) {
	select {
	case c.notifications <- n:
	default:
		if c.dropped.Add(1) == 1 {
			c.logger.Warn("observer queue full, dropping notifications")
		}
	}
}

// applyEvent updates the channel-open flags and runs one status
// transition atomically. The enqueue happens under the lock so
// observer notifications preserve transition order.
func (c *Client) applyEvent(e event, uplinkOpen, broadcastOpen *bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if uplinkOpen != nil {
		c.uplinkOpen = *uplinkOpen
	}
	if broadcastOpen != nil {
		c.broadcastOpen = *broadcastOpen
	}
	c.transitionLocked(e)
}

func (c *Client) transitionLocked(e event) {
	next := nextStatus(c.status, e, c.uplinkOpen, c.broadcastOpen)
	if next == c.status {
		return
	}
	c.logger.Debug("status change", "from", c.status, "to", next)
	c.status = next
	status := next
	c.enqueue(notification{status: &status})
}

func (c *Client) notifyUnit(event track.TelemetryEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.enqueue(notification{unit: &event})
}

// dispatch is the single observer goroutine: one queue, FIFO,
// drained to the end even during Disconnect.
func (c *Client) dispatch() {
	defer close(c.dispatchDone)
	for n := range c.notifications {
		if c.observer == nil {
			continue
		}
		if n.status != nil {
			c.observer.OnStatusChange(*n.status)
		}
		if n.unit != nil {
			c.observer.OnUnitUpdate(*n.unit)
		}
	}
}
