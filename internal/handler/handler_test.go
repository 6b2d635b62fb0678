package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platewise/pos/internal/courier"
	"github.com/platewise/pos/internal/domain/auth"
	"github.com/platewise/pos/internal/domain/order"
	"github.com/platewise/pos/internal/domain/payment"
	"github.com/platewise/pos/internal/domain/recon"
	"github.com/platewise/pos/internal/processor"
)

var (
	paymentSecret = []byte("pay-secret")
	courierSecret = []byte("courier-secret")
)

// --- In-memory store ---

type fakeStore struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	byRef  map[string]string
	ledger map[string]bool
}

func newFakeStore(orders ...*order.Order) *fakeStore {
	s := &fakeStore{
		orders: make(map[string]*order.Order),
		byRef:  make(map[string]string),
		ledger: make(map[string]bool),
	}
	for _, o := range orders {
		s.orders[o.ID] = o
		if o.DeliveryRef != "" {
			s.byRef[o.DeliveryRef] = o.ID
		}
	}
	return s
}

func (s *fakeStore) ApplyOnce(ctx context.Context, source recon.Source, eventID, _ string,
	apply func(ctx context.Context, tx recon.OrderTx) (recon.Result, error)) (recon.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(source) + "/" + eventID
	if s.ledger[key] {
		return recon.AlreadyApplied, nil
	}
	res, err := apply(ctx, (*fakeTx)(s))
	if err != nil {
		return res, err
	}
	s.ledger[key] = true
	return res, nil
}

func (s *fakeStore) Run(ctx context.Context,
	apply func(ctx context.Context, tx recon.OrderTx) (recon.Result, error)) (recon.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return apply(ctx, (*fakeTx)(s))
}

type fakeTx fakeStore

func (t *fakeTx) OrderByID(_ context.Context, id string) (*order.Order, error) {
	o, ok := t.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *fakeTx) OrderByDeliveryRef(ctx context.Context, ref string) (*order.Order, error) {
	id, ok := t.byRef[ref]
	if !ok {
		return nil, order.ErrNotFound
	}
	return t.OrderByID(ctx, id)
}

func (t *fakeTx) SetPaymentStatus(_ context.Context, id string, to order.PaymentStatus) (bool, error) {
	o := t.orders[id]
	if !order.CanTransitionPayment(o.PaymentStatus, to) {
		return false, nil
	}
	o.PaymentStatus = to
	if to == order.PaymentPaid && o.PaidAt == nil {
		now := time.Now()
		o.PaidAt = &now
	}
	return true, nil
}

func (t *fakeTx) SetFulfillmentStatus(_ context.Context, id string, to order.FulfillmentStatus, stampCompleted bool) (bool, error) {
	o := t.orders[id]
	if !order.CanTransitionFulfillment(o.FulfillmentStatus, to) {
		return false, nil
	}
	o.FulfillmentStatus = to
	if stampCompleted && o.CompletedAt == nil {
		now := time.Now()
		o.CompletedAt = &now
	}
	return true, nil
}

func (t *fakeTx) SetChargesEnabled(_ context.Context, _ string, _ bool) (bool, error) {
	return false, nil
}

// fakeOrders adapts the store to the plain repository interface.

type fakeOrders struct{ store *fakeStore }

func (f *fakeOrders) GetByID(_ context.Context, id string) (*order.Order, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	o, ok := f.store.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) GetByDeliveryRef(_ context.Context, ref string) (*order.Order, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	id, ok := f.store.byRef[ref]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *f.store.orders[id]
	return &cp, nil
}

func (f *fakeOrders) SetPaymentIntentRef(_ context.Context, id, ref string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	o, ok := f.store.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.PaymentIntentRef == "" {
		o.PaymentIntentRef = ref
	}
	return nil
}

func (f *fakeOrders) SetDeliveryRef(_ context.Context, id, ref string) error {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	o, ok := f.store.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	if o.DeliveryRef != "" {
		return order.ErrDeliveryRefSet
	}
	o.DeliveryRef = ref
	f.store.byRef[ref] = id
	return nil
}

func (f *fakeOrders) ListDeliveryRefs(_ context.Context) ([]string, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	refs := make([]string, 0, len(f.store.byRef))
	for ref := range f.store.byRef {
		refs = append(refs, ref)
	}
	return refs, nil
}

type fakeProvider struct {
	intent *payment.Intent
	err    error
}

func (p *fakeProvider) CreateIntent(context.Context, payment.CreateIntentParams) (*payment.Intent, error) {
	return p.intent, p.err
}

type noLocations struct{}

func (noLocations) PayoutAccount(context.Context, string) (string, bool, error) {
	return "", false, nil
}

type fakeKeys struct{ hash string }

func (f *fakeKeys) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if hash != f.hash {
		return nil, auth.ErrKeyNotFound
	}
	return &auth.APIKeyInfo{ID: "key-1", Name: "till"}, nil
}

// --- Fixtures ---

func deliveryOrder() *order.Order {
	return &order.Order{
		ID:                "ord-1",
		LocationID:        "loc-1",
		Type:              order.TypeDelivery,
		FulfillmentStatus: order.FulfillmentSent,
		PaymentStatus:     order.PaymentUnpaid,
		DeliveryRef:       "dlv-1",
		Total:             decimal.RequireFromString("32.50"),
	}
}

type env struct {
	store   *fakeStore
	orders  *fakeOrders
	handler *Handler
	mux     *http.ServeMux
}

func newEnv(t *testing.T, provider payment.Provider, orders ...*order.Order) *env {
	t.Helper()
	store := newFakeStore(orders...)
	repo := &fakeOrders{store: store}
	refs := recon.NewDeliveryRefIndex(1000, 0.01)
	for _, o := range orders {
		if o.DeliveryRef != "" {
			refs.Add(o.DeliveryRef)
		}
	}
	rec := recon.New(store, refs)
	capture := payment.NewCaptureService(repo, provider, noLocations{}, rec, "usd", payment.DefaultFeeRate)
	h := New(Config{
		PaymentWebhookSecret: string(paymentSecret),
		CourierWebhookSecret: string(courierSecret),
	}, repo, capture, rec, refs)

	mux := http.NewServeMux()
	h.RegisterWebhooks(mux)
	h.RegisterAPI(mux)
	return &env{store: store, orders: repo, handler: h, mux: mux}
}

func (e *env) post(t *testing.T, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func paymentEvent(eventID, eventType, orderID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"data":{"object":{"id":"pi_1","metadata":{"order_id":%q}}}}`,
		eventID, eventType, orderID))
}

func signedPaymentHeaders(body []byte) map[string]string {
	return map[string]string{"Pay-Signature": processor.Sign(body, paymentSecret, time.Now())}
}

// --- Webhook tests ---

func TestPaymentWebhook_AppliesEvent(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := paymentEvent("evt-1", "payment_intent.succeeded", "ord-1")

	w := e.post(t, "/webhooks/payment", body, signedPaymentHeaders(body))

	require.Equal(t, http.StatusOK, w.Code)
	var ack ackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, string(recon.Applied), ack.Result)

	o, err := e.orders.GetByID(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, o.PaymentStatus)
	assert.NotNil(t, o.PaidAt)
}

func TestPaymentWebhook_BadSignatureRejectedWithoutMutation(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := paymentEvent("evt-1", "payment_intent.succeeded", "ord-1")

	w := e.post(t, "/webhooks/payment", body, map[string]string{
		"Pay-Signature": processor.Sign(body, []byte("wrong"), time.Now()),
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	o, _ := e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, order.PaymentUnpaid, o.PaymentStatus)
	assert.Empty(t, e.store.ledger)
}

func TestPaymentWebhook_MissingSignatureRejected(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := paymentEvent("evt-1", "payment_intent.succeeded", "ord-1")

	w := e.post(t, "/webhooks/payment", body, nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPaymentWebhook_RedeliveryAcknowledgedOnce(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := paymentEvent("evt-1", "payment_intent.succeeded", "ord-1")

	first := e.post(t, "/webhooks/payment", body, signedPaymentHeaders(body))
	second := e.post(t, "/webhooks/payment", body, signedPaymentHeaders(body))

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	var ack ackResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &ack))
	assert.Equal(t, string(recon.AlreadyApplied), ack.Result)
	assert.Len(t, e.store.ledger, 1)
}

func TestPaymentWebhook_UnrecognizedTypeAcknowledged(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := paymentEvent("evt-1", "charge.dispute.created", "ord-1")

	w := e.post(t, "/webhooks/payment", body, signedPaymentHeaders(body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.store.ledger)
}

func TestPaymentWebhook_MalformedEnvelopeRejected(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := []byte(`{"type":"payment_intent.succeeded"}`)

	w := e.post(t, "/webhooks/payment", body, signedPaymentHeaders(body))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func courierEvent(deliveryID, status string) []byte {
	return []byte(fmt.Sprintf(
		`{"kind":"delivery.status_changed","delivery_id":%q,"status":%q}`, deliveryID, status))
}

func TestCourierWebhook_AppliesStatus(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := courierEvent("dlv-1", "COMPLETED")

	w := e.post(t, "/webhooks/courier", body, map[string]string{
		"X-Courier-Signature": courier.Sign(body, courierSecret),
	})

	require.Equal(t, http.StatusOK, w.Code)
	o, _ := e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, order.FulfillmentCompleted, o.FulfillmentStatus)
	assert.NotNil(t, o.CompletedAt)
}

func TestCourierWebhook_BadSignatureAcknowledgedWithoutMutation(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := courierEvent("dlv-1", "COMPLETED")

	w := e.post(t, "/webhooks/courier", body, map[string]string{
		"X-Courier-Signature": courier.Sign(body, []byte("wrong")),
	})

	assert.Equal(t, http.StatusOK, w.Code)
	o, _ := e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, order.FulfillmentSent, o.FulfillmentStatus)
	assert.Empty(t, e.store.ledger)
}

func TestCourierWebhook_MissingDeliveryIDDiscarded(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := []byte(`{"kind":"delivery.status_changed","status":"COMPLETED"}`)

	w := e.post(t, "/webhooks/courier", body, map[string]string{
		"X-Courier-Signature": courier.Sign(body, courierSecret),
	})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, e.store.ledger)
}

func TestCourierWebhook_UnparseableBodyRejected(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())
	body := []byte(`not json`)

	w := e.post(t, "/webhooks/courier", body, map[string]string{
		"X-Courier-Signature": courier.Sign(body, courierSecret),
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// A manual charge flips the order to paid synchronously; the processor's
// webhook for the same intent then lands as a harmless repeat.
func TestManualChargeThenWebhookIsNoOp(t *testing.T) {
	provider := &fakeProvider{intent: &payment.Intent{ID: "pi_1", Status: payment.IntentSucceeded}}
	e := newEnv(t, provider, deliveryOrder())

	charge, err := json.Marshal(manualChargeRequest{
		Amount:           decimal.RequireFromString("32.50"),
		PaymentMethodRef: "pm_1",
	})
	require.NoError(t, err)
	w := e.post(t, "/api/orders/ord-1/capture/manual", charge, nil)
	require.Equal(t, http.StatusOK, w.Code)

	o, _ := e.orders.GetByID(context.Background(), "ord-1")
	require.Equal(t, order.PaymentPaid, o.PaymentStatus)
	firstPaidAt := o.PaidAt

	body := paymentEvent("evt-1", "payment_intent.succeeded", "ord-1")
	w = e.post(t, "/webhooks/payment", body, signedPaymentHeaders(body))
	require.Equal(t, http.StatusOK, w.Code)
	var ack ackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	assert.Equal(t, string(recon.Ignored), ack.Result)

	o, _ = e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, firstPaidAt, o.PaidAt)
}

// --- Capture endpoint tests ---

func TestTerminalCapture_ReturnsIntent(t *testing.T) {
	provider := &fakeProvider{intent: &payment.Intent{
		ID: "pi_1", Status: payment.IntentProcessing, ClientSecret: "cs_1",
	}}
	e := newEnv(t, provider, deliveryOrder())

	w := e.post(t, "/api/orders/ord-1/capture/terminal", nil, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp intentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pi_1", resp.IntentID)
	assert.Equal(t, "cs_1", resp.ClientSecret)

	// Card-present captures never flip the status synchronously.
	o, _ := e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, order.PaymentUnpaid, o.PaymentStatus)
}

func TestTerminalCapture_AmountCrossCheck(t *testing.T) {
	provider := &fakeProvider{intent: &payment.Intent{ID: "pi_1", Status: payment.IntentProcessing}}
	e := newEnv(t, provider, deliveryOrder())

	w := e.post(t, "/api/orders/ord-1/capture/terminal", []byte(`{"amount":"99.99"}`), nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestManualCharge_AmountMismatch(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())

	w := e.post(t, "/api/orders/ord-1/capture/manual",
		[]byte(`{"amount":"10.00","paymentMethodRef":"pm_1"}`), nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestManualCharge_MissingPaymentMethodRejected(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())

	w := e.post(t, "/api/orders/ord-1/capture/manual", []byte(`{"amount":"32.50"}`), nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestManualCharge_ProviderRejectionIs402(t *testing.T) {
	provider := &fakeProvider{err: &payment.ProviderError{Code: "card_declined", Message: "card declined"}}
	e := newEnv(t, provider, deliveryOrder())

	w := e.post(t, "/api/orders/ord-1/capture/manual",
		[]byte(`{"amount":"32.50","paymentMethodRef":"pm_1"}`), nil)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	o, _ := e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, order.PaymentUnpaid, o.PaymentStatus)
}

func TestCapture_UnknownOrderIs404(t *testing.T) {
	e := newEnv(t, &fakeProvider{intent: &payment.Intent{ID: "pi_1", Status: payment.IntentProcessing}})

	w := e.post(t, "/api/orders/missing/capture/terminal", nil, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Delivery registration and lookup ---

func TestRegisterDelivery(t *testing.T) {
	o := deliveryOrder()
	o.DeliveryRef = ""
	e := newEnv(t, &fakeProvider{}, o)

	w := e.post(t, "/api/orders/ord-1/delivery", []byte(`{"deliveryRef":"dlv-9"}`), nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// The ref is now matchable by courier events.
	body := courierEvent("dlv-9", "PICKED_UP")
	w = e.post(t, "/webhooks/courier", body, map[string]string{
		"X-Courier-Signature": courier.Sign(body, courierSecret),
	})
	require.Equal(t, http.StatusOK, w.Code)
	got, _ := e.orders.GetByID(context.Background(), "ord-1")
	assert.Equal(t, order.FulfillmentPreparing, got.FulfillmentStatus)
}

func TestRegisterDelivery_DuplicateIs409(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())

	w := e.post(t, "/api/orders/ord-1/delivery", []byte(`{"deliveryRef":"dlv-2"}`), nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetOrder(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())

	req := httptest.NewRequest(http.MethodGet, "/api/orders/ord-1", nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp orderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ord-1", resp.ID)
	assert.Equal(t, "unpaid", resp.PaymentStatus)
	assert.True(t, resp.Total.Equal(decimal.RequireFromString("32.50")))
}

func TestGetOrder_NotFound(t *testing.T) {
	e := newEnv(t, &fakeProvider{}, deliveryOrder())

	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- API key middleware ---

func TestAPIKeyAuth(t *testing.T) {
	pepper := []byte("pepper")
	keys := &fakeKeys{hash: HashAPIKey("sk_live_1", pepper)}
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	protected := APIKeyAuth(keys, pepper, next)

	t.Run("missing key", func(t *testing.T) {
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders/x", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/orders/x", nil)
		req.Header.Set(APIKeyHeader, "sk_live_2")
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/orders/x", nil)
		req.Header.Set(APIKeyHeader, "sk_live_1")
		w := httptest.NewRecorder()
		protected.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})
}
