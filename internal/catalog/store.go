package catalog

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/fakestore-catalog/internal/domain/product"
	"github.com/xenking/fakestore-catalog/pkg/fetchstate"
)

// ErrClosed is the failure recorded when a store is closed mid-load.
var ErrClosed = errors.New("store closed")

// DecodeFunc converts a response body into the store's value type.
type DecodeFunc[T any] func(body []byte) (T, error)

// StoreOptions holds optional dependencies of a Store.
type StoreOptions struct {
	// Name labels log entries, spans and metrics, e.g. "list" or "details".
	Name           string
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

func (o *StoreOptions) setDefaults() {
	if o.Name == "" {
		o.Name = "catalog"
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
}

// Store loads a value through a Fetcher and publishes its fetch state.
//
// Overlapping loads: a new Load cancels the request of the previous one and
// any late result of an older load is discarded, so the settled state always
// belongs to the most recent Load call.
type Store[T any] struct {
	fetcher Fetcher
	decode  DecodeFunc[T]
	name    string
	tracer  trace.Tracer
	loads   metric.Int64Counter

	// notifyMu serializes publication so subscribers observe states in
	// order. Lock order: notifyMu, then mu.
	notifyMu sync.Mutex

	mu      sync.Mutex
	state   fetchstate.State[T]
	gen     uint64
	path    string
	cancel  context.CancelFunc
	settled chan struct{} // closed once the current generation settles
	subs    map[uint64]func(fetchstate.State[T])
	nextSub uint64
	closed  bool

	wg sync.WaitGroup
}

// NewStore creates a Store in the Loading state.
func NewStore[T any](f Fetcher, decode DecodeFunc[T], opts StoreOptions) *Store[T] {
	opts.setDefaults()

	meter := opts.MeterProvider.Meter("github.com/xenking/fakestore-catalog/internal/catalog")
	loads, err := meter.Int64Counter("catalog.store.loads",
		metric.WithDescription("Catalog loads by outcome"),
	)
	if err != nil {
		loads, _ = metricnoop.NewMeterProvider().Meter("").Int64Counter("catalog.store.loads")
	}

	return &Store[T]{
		fetcher: f,
		decode:  decode,
		name:    opts.Name,
		tracer:  opts.TracerProvider.Tracer("github.com/xenking/fakestore-catalog/internal/catalog"),
		loads:   loads,
		state:   fetchstate.NewLoading[T](),
		settled: make(chan struct{}),
		subs:    make(map[uint64]func(fetchstate.State[T])),
	}
}

// NewListStore returns a store decoding a JSON array of products, as served
// by the "products" endpoint.
func NewListStore(f Fetcher, opts StoreOptions) *Store[[]product.Product] {
	return NewStore(f, product.DecodeList, opts)
}

// NewProductStore returns a store decoding a single product, as served by
// the "products/{id}" endpoint.
func NewProductStore(f Fetcher, opts StoreOptions) *Store[product.Product] {
	return NewStore(f, product.Decode, opts)
}

// State returns the current fetch state.
func (s *Store[T]) State() fetchstate.State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the path of the most recent Load, or "" if none.
func (s *Store[T]) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Subscribe registers fn to receive every published state, starting with
// the current one. fn runs synchronously on the publishing goroutine and
// must not call Load, Reload or Close. The returned function unsubscribes.
func (s *Store[T]) Subscribe(fn func(fetchstate.State[T])) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	current := s.state
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Load starts fetching path in the background and returns immediately.
// The state becomes Loading before Load returns. ctx bounds the request;
// cancelling it fails the load.
func (s *Store[T]) Load(ctx context.Context, path string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	loadCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.path = path
	if s.state.Settled() {
		s.settled = make(chan struct{})
	}
	s.state = fetchstate.NewLoading[T]()
	subs := s.snapshotLocked()
	s.wg.Add(1)
	s.mu.Unlock()

	publish(subs, fetchstate.NewLoading[T]())

	go s.run(loadCtx, gen, path)
}

// Reload repeats the most recent Load. It reports false if there was none.
func (s *Store[T]) Reload(ctx context.Context) bool {
	path := s.Path()
	if path == "" {
		return false
	}
	s.Load(ctx, path)
	return true
}

// Await blocks until the current load settles or ctx is done, and returns
// the state at that point. If a newer load starts meanwhile, Await keeps
// waiting for it.
func (s *Store[T]) Await(ctx context.Context) (fetchstate.State[T], error) {
	for {
		s.mu.Lock()
		st, settled := s.state, s.settled
		s.mu.Unlock()

		if st.Settled() {
			return st, nil
		}
		select {
		case <-settled:
		case <-ctx.Done():
			return s.State(), ctx.Err()
		}
	}
}

// Close cancels any in-flight load and waits for it to exit. A store that
// was loading settles as Failed with ErrClosed. Further Loads are ignored.
func (s *Store[T]) Close() {
	s.notifyMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	var subs []func(fetchstate.State[T])
	if !s.state.Settled() {
		s.state = fetchstate.FromError[T](ErrClosed)
		close(s.settled)
		subs = s.snapshotLocked()
	}
	final := s.state
	s.mu.Unlock()

	publish(subs, final)
	s.notifyMu.Unlock()

	s.wg.Wait()
}

func (s *Store[T]) run(ctx context.Context, gen uint64, path string) {
	defer s.wg.Done()

	ctx, span := s.tracer.Start(ctx, "catalog.Load",
		trace.WithAttributes(
			attribute.String("catalog.store", s.name),
			attribute.String("catalog.path", path),
		),
	)
	defer span.End()

	next, err := s.fetch(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	outcome := next.Kind().String()
	if !s.settle(gen, next) {
		outcome = "superseded"
	}
	s.loads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("store", s.name),
		attribute.String("outcome", outcome),
	))

	lg := zctx.From(ctx).With(
		zap.String("store", s.name),
		zap.String("path", path),
		zap.String("outcome", outcome),
	)
	if err != nil && outcome != "superseded" {
		lg.Warn("Catalog load failed", zap.Error(err))
		return
	}
	lg.Debug("Catalog load finished")
}

func (s *Store[T]) fetch(ctx context.Context, path string) (fetchstate.State[T], error) {
	body, err := s.fetcher.Fetch(ctx, path)
	if err != nil {
		return fetchstate.FromError[T](err), err
	}
	v, err := s.decode([]byte(body))
	if err != nil {
		return fetchstate.FromError[T](err), err
	}
	return fetchstate.NewLoaded(v), nil
}

// settle publishes next if gen is still the current generation.
func (s *Store[T]) settle(gen uint64, next fetchstate.State[T]) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return false
	}
	s.state = next
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	close(s.settled)
	subs := s.snapshotLocked()
	s.mu.Unlock()

	publish(subs, next)
	return true
}

func (s *Store[T]) snapshotLocked() []func(fetchstate.State[T]) {
	subs := make([]func(fetchstate.State[T]), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

func publish[T any](subs []func(fetchstate.State[T]), st fetchstate.State[T]) {
	for _, fn := range subs {
		fn(st)
	}
}
