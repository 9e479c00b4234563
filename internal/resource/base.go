package resource

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/statecast/statecast/internal/logging"
	"github.com/statecast/statecast/internal/metrics"
)

// island is the family-specific half of a resource. All methods run on the
// owning goroutine and may block on persistence or backend I/O.
type island interface {
	// load reads persistent state and returns the highest revision seen.
	// Requests arriving while load runs stay queued and are replayed in
	// arrival order afterwards.
	load(ctx context.Context) (int64, error)

	// getAll returns the elements with revision > fromRevision.
	getAll(ctx context.Context, fromRevision int64) ([]Update, error)

	// applyWrite persists one batch under the given revision and returns
	// the updates to fan out plus the ack info.
	applyWrite(ctx context.Context, elements map[string]WriteElement, revision int64, timestamp string) ([]Update, map[string]interface{}, error)
}

// Resource is the uniform surface the session and the manager work
// against. All operations are asynchronous: they enqueue onto the
// resource's goroutine and deliver their outcome through a callback, which
// also runs on that goroutine.
type Resource interface {
	ID() int64
	Key() string
	Kind() string
	Codec() Codec

	Subscribe(n Notifier, fromRevision int64, cb func(SubscribeResult))
	Unsubscribe(subscriberID int64)
	GetAll(fromRevision int64, cb func(updates []Update, lastRevision int64, err error))
	Write(originSubscriber int64, elements map[string]WriteElement, cb func(WriteAck))

	start()
	stop()
}

type request struct {
	op  string
	run func(ctx context.Context)
}

// base carries the machinery shared by every family: the request channel,
// the subscriber registry, revision allocation and fan-out. Exactly one
// goroutine (run) touches the mutable fields after construction.
type base struct {
	id    int64
	key   string
	kind  string
	codec Codec

	// alsoNotifyWriter echoes fan-out to the originating subscriber.
	// Table writes are bulk replacements visible to their own writer.
	alsoNotifyWriter bool

	impl   island
	logger zerolog.Logger

	requests chan request
	quit     chan struct{}
	stopOnce sync.Once

	// Owner-goroutine state.
	lastRevision     int64
	loadErr          error
	subscribers      map[int64]Notifier
	nextSubscriberID int64
}

const requestQueueSize = 256

func newBase(id int64, key, kind string, codec Codec, alsoNotifyWriter bool, impl island, logger zerolog.Logger) *base {
	return &base{
		id:               id,
		key:              key,
		kind:             kind,
		codec:            codec,
		alsoNotifyWriter: alsoNotifyWriter,
		impl:             impl,
		logger:           logger.With().Str("resource", key).Int64("resource_id", id).Logger(),
		requests:         make(chan request, requestQueueSize),
		quit:             make(chan struct{}),
		subscribers:      make(map[int64]Notifier),
		nextSubscriberID: 1,
	}
}

func (b *base) ID() int64    { return b.id }
func (b *base) Key() string  { return b.key }
func (b *base) Kind() string { return b.kind }
func (b *base) Codec() Codec { return b.codec }

// start spawns the owning goroutine. Requests submitted before or during
// load wait in the channel and run in arrival order once load finishes.
func (b *base) start() {
	go b.run()
}

func (b *base) run() {
	defer logging.RecoverPanic(b.logger, "resource-"+b.kind)

	ctx := context.Background()
	lastRevision, err := b.impl.load(ctx)
	if err != nil {
		b.loadErr = err
		b.logger.Error().Err(err).Msg("Loading resource state failed")
	}
	b.lastRevision = lastRevision

	for {
		select {
		case req := <-b.requests:
			req.run(ctx)
		case <-b.quit:
			return
		}
	}
}

func (b *base) stop() {
	b.stopOnce.Do(func() { close(b.quit) })
}

func (b *base) enqueue(op string, fn func(ctx context.Context)) {
	select {
	case b.requests <- request{op: op, run: fn}:
	case <-b.quit:
		b.logger.Debug().Str("op", op).Msg("Request on stopped resource dropped")
	}
}

// Subscribe registers the notifier and reads the initial element set in
// one step on the owning goroutine, so no write can interleave between
// registration and the initial read.
func (b *base) Subscribe(n Notifier, fromRevision int64, cb func(SubscribeResult)) {
	b.enqueue("subscribe", func(ctx context.Context) {
		subscriberID := b.nextSubscriberID
		b.nextSubscriberID++
		b.subscribers[subscriberID] = n
		metrics.SubscriptionsActive.Inc()

		result := SubscribeResult{SubscriberID: subscriberID, LastRevision: b.lastRevision}
		if b.loadErr != nil {
			result.Err = b.loadErr
		} else {
			result.Updates, result.Err = b.impl.getAll(ctx, fromRevision)
		}
		cb(result)
	})
}

// Unsubscribe drops the registration. Unknown ids are ignored; close and
// release paths may race to remove the same subscriber.
func (b *base) Unsubscribe(subscriberID int64) {
	b.enqueue("unsubscribe", func(ctx context.Context) {
		if _, ok := b.subscribers[subscriberID]; !ok {
			return
		}
		delete(b.subscribers, subscriberID)
		metrics.SubscriptionsActive.Dec()
	})
}

// GetAll reads the current element set without registering.
func (b *base) GetAll(fromRevision int64, cb func([]Update, int64, error)) {
	b.enqueue("getAll", func(ctx context.Context) {
		if b.loadErr != nil {
			cb(nil, b.lastRevision, b.loadErr)
			return
		}
		updates, err := b.impl.getAll(ctx, fromRevision)
		cb(updates, b.lastRevision, err)
	})
}

// Write persists one batch. The batch shares a single new revision; an
// empty batch is accepted without incrementing. The ack callback fires
// before subscribers are notified.
func (b *base) Write(originSubscriber int64, elements map[string]WriteElement, cb func(WriteAck)) {
	b.enqueue("write", func(ctx context.Context) {
		if b.loadErr != nil {
			metrics.WritesTotal.WithLabelValues(b.kind, "error").Inc()
			cb(WriteAck{Err: b.loadErr})
			return
		}
		if len(elements) == 0 {
			metrics.WritesTotal.WithLabelValues(b.kind, "ok").Inc()
			cb(WriteAck{Revision: b.lastRevision})
			return
		}

		revision := b.lastRevision + 1
		timestamp := time.Now().UTC().Format(time.RFC3339)

		timer := prometheus.NewTimer(metrics.WriteDuration.WithLabelValues(b.kind))
		updates, info, err := b.impl.applyWrite(ctx, elements, revision, timestamp)
		timer.ObserveDuration()

		if err != nil {
			metrics.WritesTotal.WithLabelValues(b.kind, "error").Inc()
			b.logger.Error().Err(err).Int("elements", len(elements)).Msg("Write failed")
			cb(WriteAck{Err: err})
			return
		}

		b.lastRevision = revision
		metrics.WritesTotal.WithLabelValues(b.kind, "ok").Inc()

		cb(WriteAck{Revision: revision, Info: info})
		b.notify(originSubscriber, updates, revision)
	})
}

// notify fans one batch out. A failing subscriber is logged and skipped;
// the others still receive the update.
func (b *base) notify(originSubscriber int64, updates []Update, revision int64) {
	for subscriberID, n := range b.subscribers {
		if subscriberID == originSubscriber && !b.alsoNotifyWriter {
			continue
		}
		if err := n.NotifyUpdate(updates, revision); err != nil {
			metrics.FanoutDropped.Inc()
			b.logger.Warn().Err(err).Int64("subscriber", subscriberID).Int64("revision", revision).
				Msg("Update delivery failed, skipping subscriber")
			continue
		}
		metrics.FanoutDeliveries.Inc()
	}
}
