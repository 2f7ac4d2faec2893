package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payments-ledger/config"
	"payments-ledger/internal/adapter/storage/memory"
	"payments-ledger/internal/core/domain"
	"payments-ledger/internal/core/ports"
	"payments-ledger/internal/service"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeChannel struct {
	mu          sync.Mutex
	confirmErr  error
	publishErr  error
	confirms    chan amqp.Confirmation
	published   []amqp.Publishing
	autoConfirm *bool // nil: never confirm
	tag         uint64
	closeNotify chan *amqp.Error
	closeCalls  int

	exchanges []string
	queues    map[string]amqp.Table
	bindings  []string

	qos        int
	deliveries chan amqp.Delivery
}

func newFakeChannel(ack *bool) *fakeChannel {
	return &fakeChannel{autoConfirm: ack, queues: map[string]amqp.Table{}, deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) Confirm(noWait bool) error { return f.confirmErr }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.closeNotify = c
	return c
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

// dropByBroker simulates the server closing the channel.
func (f *fakeChannel) dropByBroker() {
	f.mu.Lock()
	f.publishErr = amqp.ErrClosed
	f.mu.Unlock()
	f.closeNotify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
	close(f.closeNotify)
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.tag++
	if f.autoConfirm != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: *f.autoConfirm}
	}
	return nil
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.exchanges = append(f.exchanges, name+":"+kind)
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, name+"<-"+exchange+"/"+key)
	return nil
}

func (f *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	f.qos = prefetch
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

type fakeAcker struct {
	mu     sync.Mutex
	acked  []uint64
	nacked []uint64
	requeu []bool
}

func (a *fakeAcker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *fakeAcker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeu = append(a.requeu, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (d *fakeDedup) MarkSeen(_ context.Context, id string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	events []*domain.TransferCompletedEvent
	err    error
}

func (h *recordingHandler) Handle(_ context.Context, ev *domain.TransferCompletedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, ev)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func boolPtr(b bool) *bool { return &b }

func newOutboxEvent(t *testing.T) *domain.OutboxEvent {
	t.Helper()
	alice := &domain.Account{ID: uuid.New(), Email: "alice@example.com", Name: "Alice"}
	bob := &domain.Account{ID: uuid.New(), Email: "bob@example.com", Name: "Bob"}
	ev, err := domain.NewTransferCompletedOutbox(domain.NewTransaction(alice, bob, decimal.NewFromInt(300), time.Now()))
	require.NoError(t, err)
	return ev
}

func testPublisherConfig(compress bool) PublisherConfig {
	return PublisherConfig{
		Exchange:       "payment_transfers",
		RoutingKey:     "transfer.completed",
		Compress:       compress,
		ConfirmTimeout: 50 * time.Millisecond,
	}
}

// --- publisher ---

func TestPublisher_PublishAcked(t *testing.T) {
	ch := newFakeChannel(boolPtr(true))
	pub, err := NewPublisher(ch, service.NewHMACSigner("secret"), testPublisherConfig(true), zerolog.Nop())
	require.NoError(t, err)

	ev := newOutboxEvent(t)
	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, ev.AggregateID.String(), msg.MessageId)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, encodingGzip, msg.ContentEncoding)
	assert.Equal(t, domain.EventTypeTransferCompleted, msg.Type)
	assert.NotEmpty(t, msg.Headers[headerSignature])

	decoded, err := decodeBody(msg.Body, msg.ContentEncoding)
	require.NoError(t, err)
	assert.JSONEq(t, string(ev.Payload), string(decoded))
}

func TestPublisher_Uncompressed_Unsigned(t *testing.T) {
	ch := newFakeChannel(boolPtr(true))
	pub, err := NewPublisher(ch, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	ev := newOutboxEvent(t)
	require.NoError(t, pub.Publish(context.Background(), ev))

	msg := ch.published[0]
	assert.Empty(t, msg.ContentEncoding)
	assert.Equal(t, []byte(ev.Payload), msg.Body)
	_, signed := msg.Headers[headerSignature]
	assert.False(t, signed)
}

func TestPublisher_Nacked(t *testing.T) {
	ch := newFakeChannel(boolPtr(false))
	pub, err := NewPublisher(ch, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, pub.Publish(context.Background(), newOutboxEvent(t)), ErrPublishNacked)
}

func TestPublisher_ConfirmTimeoutThenLateConfirmSkipped(t *testing.T) {
	ch := newFakeChannel(nil)
	pub, err := NewPublisher(ch, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, pub.Publish(context.Background(), newOutboxEvent(t)), ErrConfirmTimeout)

	// The broker eventually confirms the first message; the second publish
	// must wait for its own tag.
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: true}
	ch.autoConfirm = boolPtr(false)
	assert.ErrorIs(t, pub.Publish(context.Background(), newOutboxEvent(t)), ErrPublishNacked)
}

func TestPublisher_PublishError(t *testing.T) {
	ch := newFakeChannel(boolPtr(true))
	ch.publishErr = amqp.ErrClosed
	pub, err := NewPublisher(ch, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	err = pub.Publish(context.Background(), newOutboxEvent(t))
	assert.ErrorIs(t, err, amqp.ErrClosed)
	assert.ErrorIs(t, err, ports.ErrPublisherUnavailable)
	assert.Equal(t, 1, ch.closeCalls)

	// Without a provider the publisher stays unavailable.
	assert.ErrorIs(t, pub.Publish(context.Background(), newOutboxEvent(t)), ports.ErrPublisherUnavailable)
}

func TestPublisher_RecoversAfterBrokerClosesChannel(t *testing.T) {
	first := newFakeChannel(boolPtr(true))
	pub, err := NewPublisher(first, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	second := newFakeChannel(boolPtr(true))
	opened := 0
	pub.WithRecovery(func() (ConfirmableChannel, error) {
		opened++
		return second, nil
	})

	require.NoError(t, pub.Publish(context.Background(), newOutboxEvent(t)))
	require.NoError(t, pub.Publish(context.Background(), newOutboxEvent(t)))

	first.dropByBroker()

	ev := newOutboxEvent(t)
	require.NoError(t, pub.Publish(context.Background(), ev))
	assert.Equal(t, 1, opened)
	assert.Equal(t, 1, first.closeCalls)
	require.Len(t, second.published, 1)
	assert.Equal(t, ev.AggregateID.String(), second.published[0].MessageId)

	// Delivery tags restart on the new channel.
	require.NoError(t, pub.Publish(context.Background(), newOutboxEvent(t)))
	assert.Equal(t, uint64(2), second.tag)
	assert.Equal(t, 1, opened)
}

func TestPublisher_UnavailableUntilProviderSucceeds(t *testing.T) {
	first := newFakeChannel(boolPtr(true))
	pub, err := NewPublisher(first, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	var next *fakeChannel
	pub.WithRecovery(func() (ConfirmableChannel, error) {
		if next == nil {
			return nil, errors.New("connection refused")
		}
		return next, nil
	})

	first.dropByBroker()
	for i := 0; i < 3; i++ {
		err := pub.Publish(context.Background(), newOutboxEvent(t))
		require.ErrorIs(t, err, ports.ErrPublisherUnavailable)
		assert.Contains(t, err.Error(), "connection refused")
	}

	next = newFakeChannel(boolPtr(true))
	next.confirmErr = errors.New("confirm not supported")
	assert.ErrorIs(t, pub.Publish(context.Background(), newOutboxEvent(t)), ports.ErrPublisherUnavailable)
	assert.Equal(t, 1, next.closeCalls)

	next = newFakeChannel(boolPtr(true))
	require.NoError(t, pub.Publish(context.Background(), newOutboxEvent(t)))
	assert.Len(t, next.published, 1)
}

func TestPublisher_ConfirmStreamClosedMarksUnavailable(t *testing.T) {
	ch := newFakeChannel(nil)
	pub, err := NewPublisher(ch, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	close(ch.confirms)
	err = pub.Publish(context.Background(), newOutboxEvent(t))
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, err, ports.ErrPublisherUnavailable)
	assert.Equal(t, 1, ch.closeCalls)
}

func TestOutboxRelay_DeliversOnceBrokerReturns(t *testing.T) {
	store := memory.New()
	st := store.Storage()
	ev := newOutboxEvent(t)
	require.NoError(t, st.Ledger.WithinTx(context.Background(), func(ctx context.Context, tx ports.LedgerTx) error {
		return tx.EnqueueEvent(ctx, ev)
	}))

	first := newFakeChannel(boolPtr(true))
	pub, err := NewPublisher(first, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	require.NoError(t, err)

	var (
		mu        sync.Mutex
		brokerUp  bool
		recovered = newFakeChannel(boolPtr(true))
	)
	pub.WithRecovery(func() (ConfirmableChannel, error) {
		mu.Lock()
		defer mu.Unlock()
		if !brokerUp {
			return nil, errors.New("dial tcp: connection refused")
		}
		return recovered, nil
	})

	cfg := service.NotifierConfig{
		BufferSize:     1,
		PollInterval:   time.Hour,
		BatchSize:      10,
		MaxAttempts:    3,
		PublishTimeout: time.Second,
	}
	relay := service.NewOutboxDispatcher(st.Outbox, pub, cfg, zerolog.Nop())

	first.dropByBroker()
	for i := 0; i < cfg.MaxAttempts*4; i++ {
		time.Sleep(time.Millisecond)
		n, err := relay.Sweep(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	row, ok := store.Event(ev.ID)
	require.True(t, ok)
	assert.NotEqual(t, domain.OutboxStatusFailed, row.Status)
	assert.Zero(t, row.Attempts)

	mu.Lock()
	brokerUp = true
	mu.Unlock()

	time.Sleep(time.Millisecond)
	_, err = relay.Sweep(context.Background())
	require.NoError(t, err)

	row, _ = store.Event(ev.ID)
	assert.Equal(t, domain.OutboxStatusPublished, row.Status)
	require.Len(t, recovered.published, 1)
	assert.Equal(t, ev.AggregateID.String(), recovered.published[0].MessageId)
}

func TestPublisher_ConfirmModeUnavailable(t *testing.T) {
	ch := newFakeChannel(nil)
	ch.confirmErr = errors.New("not supported")
	_, err := NewPublisher(ch, service.NewHMACSigner(""), testPublisherConfig(false), zerolog.Nop())
	assert.Error(t, err)
}

// --- consumer ---

func newTestConsumer(ch *fakeChannel, signer *service.HMACSigner, dedup *fakeDedup, h *recordingHandler) *Consumer {
	return NewConsumer(ch, signer, dedup, h, ConsumerConfig{
		Queue:    "payment_transfers.log",
		Tag:      "test",
		Prefetch: 5,
		DedupTTL: time.Hour,
	}, zerolog.Nop())
}

// deliveryFor publishes ev through a real Publisher and turns the captured
// message into a delivery.
func deliveryFor(t *testing.T, signer *service.HMACSigner, ev *domain.OutboxEvent, tag uint64, acker amqp.Acknowledger) amqp.Delivery {
	t.Helper()
	ch := newFakeChannel(boolPtr(true))
	pub, err := NewPublisher(ch, signer, testPublisherConfig(true), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), ev))

	msg := ch.published[0]
	return amqp.Delivery{
		Acknowledger:    acker,
		DeliveryTag:     tag,
		MessageId:       msg.MessageId,
		ContentEncoding: msg.ContentEncoding,
		Headers:         msg.Headers,
		Body:            msg.Body,
	}
}

func TestConsumer_HandlesAndDropsRedelivery(t *testing.T) {
	signer := service.NewHMACSigner("secret")
	acker := &fakeAcker{}
	h := &recordingHandler{}
	c := newTestConsumer(newFakeChannel(nil), signer, &fakeDedup{}, h)

	ev := newOutboxEvent(t)
	c.handle(context.Background(), deliveryFor(t, signer, ev, 1, acker))
	c.handle(context.Background(), deliveryFor(t, signer, ev, 2, acker))

	require.Equal(t, 1, h.count())
	assert.Equal(t, ev.AggregateID, h.events[0].TransactionID)
	assert.Equal(t, "300.00", h.events[0].Amount)
	assert.Equal(t, []uint64{1, 2}, acker.acked)
	assert.Empty(t, acker.nacked)
}

func TestConsumer_RejectsBadSignature(t *testing.T) {
	acker := &fakeAcker{}
	h := &recordingHandler{}
	c := newTestConsumer(newFakeChannel(nil), service.NewHMACSigner("secret"), &fakeDedup{}, h)

	d := deliveryFor(t, service.NewHMACSigner("other"), newOutboxEvent(t), 7, acker)
	c.handle(context.Background(), d)

	assert.Zero(t, h.count())
	assert.Equal(t, []uint64{7}, acker.nacked)
	assert.Equal(t, []bool{false}, acker.requeu)
}

func TestConsumer_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name     string
		body     []byte
		encoding string
	}{
		{"bad gzip", []byte("not gzip"), encodingGzip},
		{"unknown encoding", []byte("{}"), "br"},
		{"missing transaction id", []byte(`{"sender":"a@example.com"}`), ""},
		{"not json", []byte("{"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acker := &fakeAcker{}
			h := &recordingHandler{}
			c := newTestConsumer(newFakeChannel(nil), service.NewHMACSigner(""), &fakeDedup{}, h)

			c.handle(context.Background(), amqp.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: tt.body, ContentEncoding: tt.encoding})

			assert.Zero(t, h.count())
			assert.Equal(t, []uint64{3}, acker.nacked)
		})
	}
}

func TestConsumer_DedupUnavailableStillProcesses(t *testing.T) {
	signer := service.NewHMACSigner("")
	acker := &fakeAcker{}
	h := &recordingHandler{}
	c := newTestConsumer(newFakeChannel(nil), signer, &fakeDedup{err: errors.New("redis down")}, h)

	c.handle(context.Background(), deliveryFor(t, signer, newOutboxEvent(t), 1, acker))

	assert.Equal(t, 1, h.count())
	assert.Equal(t, []uint64{1}, acker.acked)
}

func TestConsumer_HandlerErrorDeadLetters(t *testing.T) {
	signer := service.NewHMACSigner("")
	acker := &fakeAcker{}
	h := &recordingHandler{err: errors.New("boom")}
	c := newTestConsumer(newFakeChannel(nil), signer, &fakeDedup{}, h)

	c.handle(context.Background(), deliveryFor(t, signer, newOutboxEvent(t), 4, acker))

	assert.Empty(t, acker.acked)
	assert.Equal(t, []uint64{4}, acker.nacked)
	assert.Equal(t, []bool{false}, acker.requeu)
}

func TestConsumer_Run(t *testing.T) {
	signer := service.NewHMACSigner("secret")
	ch := newFakeChannel(nil)
	acker := &fakeAcker{}
	h := &recordingHandler{}
	c := newTestConsumer(ch, signer, &fakeDedup{}, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ch.deliveries <- deliveryFor(t, signer, newOutboxEvent(t), 1, acker)
	require.Eventually(t, func() bool { return h.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, ch.qos)

	cancel()
	assert.NoError(t, <-done)
}

func TestConsumer_RunChannelClosed(t *testing.T) {
	ch := newFakeChannel(nil)
	close(ch.deliveries)
	c := newTestConsumer(ch, service.NewHMACSigner(""), &fakeDedup{}, &recordingHandler{})

	assert.ErrorIs(t, c.Run(context.Background()), ErrDeliveriesClosed)
}

// --- topology, codec, health ---

func TestDeclareTopology(t *testing.T) {
	ch := newFakeChannel(nil)
	topo := TopologyFromConfig(config.BrokerConfig{
		Exchange:           "payment_transfers",
		Queue:              "payment_transfers.log",
		DeadLetterExchange: "payment_transfers.dlx",
	})

	require.NoError(t, DeclareTopology(ch, topo))

	assert.Equal(t, []string{"payment_transfers:topic", "payment_transfers.dlx:fanout"}, ch.exchanges)
	assert.Equal(t, "payment_transfers.dlx", ch.queues["payment_transfers.log"]["x-dead-letter-exchange"])
	assert.Contains(t, ch.queues, "payment_transfers.log.dlq")
	assert.Contains(t, ch.bindings, "payment_transfers.log<-payment_transfers/transfer.#")
}

func TestCodec_RoundTrip(t *testing.T) {
	payload := []byte(`{"transaction_id":"x"}`)
	for _, compress := range []bool{true, false} {
		body, enc, err := encodeBody(payload, compress)
		require.NoError(t, err)
		out, err := decodeBody(body, enc)
		require.NoError(t, err)
		assert.Equal(t, payload, out)
	}
}

type stubConn struct{ closed bool }

func (s stubConn) IsClosed() bool { return s.closed }

func TestHealthCheck(t *testing.T) {
	assert.NoError(t, NewHealthCheck(stubConn{}).Ping(context.Background()))
	assert.Error(t, NewHealthCheck(stubConn{closed: true}).Ping(context.Background()))
	assert.Equal(t, "rabbitmq", NewHealthCheck(stubConn{}).Name())
}

func TestDial_EmptyURL(t *testing.T) {
	_, err := Dial(config.BrokerConfig{}, "test", zerolog.Nop())
	assert.ErrorIs(t, err, ErrEmptyURL)
}

func TestRedialer_NoBroker(t *testing.T) {
	r := NewRedialer(config.BrokerConfig{}, "test", zerolog.Nop())
	assert.True(t, r.IsClosed())
	assert.Error(t, NewHealthCheck(r).Ping(context.Background()))

	_, err := r.Channel()
	assert.ErrorIs(t, err, ErrEmptyURL)
	assert.NoError(t, r.Close())
}
