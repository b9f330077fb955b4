package service_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/cache"
	"github.com/boddenberg/wa-commerce-go/internal/infra/observability"
	"github.com/boddenberg/wa-commerce-go/internal/service"
)

// --- Stores ---

type memConversationStore struct {
	mu        sync.Mutex
	rows      map[string]domain.ConversationRecord
	err       error
	failSaves int // next n saves fail
}

func newMemConversationStore() *memConversationStore {
	return &memConversationStore{rows: make(map[string]domain.ConversationRecord)}
}

func (m *memConversationStore) GetConversation(_ context.Context, tenantID, chatID string) (*domain.ConversationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec, ok := m.rows[tenantID+"/"+chatID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: chatID}
	}
	return &rec, nil
}

func (m *memConversationStore) SaveConversation(_ context.Context, rec *domain.ConversationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves > 0 {
		m.failSaves--
		return errors.New("conversation store unavailable")
	}
	m.rows[rec.TenantID+"/"+rec.ChatID] = *rec
	return nil
}

func (m *memConversationStore) ResetConversation(ctx context.Context, tenantID, chatID string, at time.Time) error {
	return m.SaveConversation(ctx, domain.EncodeState(tenantID, chatID, domain.Idle{}, at))
}

// linkOrder mirrors the order transaction moving the chat to awaiting_payment.
func (m *memConversationStore) linkOrder(req *domain.OrderRequest, orderID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := req.TenantID + "/" + req.ChatID
	rec, ok := m.rows[key]
	if !ok {
		return
	}
	rec.Step = domain.StepAwaitingPayment
	rec.DeliveryAddress = req.DeliveryAddress
	rec.OrderID = orderID
	rec.LastActivityAt = at
	m.rows[key] = rec
}

func (m *memConversationStore) record(tenantID, chatID string) (domain.ConversationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[tenantID+"/"+chatID]
	return rec, ok
}

type memCatalogStore struct {
	mu       sync.Mutex
	products []domain.Product
	calls    int
	err      error
}

func (m *memCatalogStore) ListActiveProducts(_ context.Context, tenantID string) ([]domain.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Product
	for _, p := range m.products {
		if p.TenantID == tenantID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

type memOrderStore struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	seq       int
	conflicts int
	err       error
	calls     int
	chats     *memConversationStore
}

func newMemOrderStore(chats *memConversationStore) *memOrderStore {
	return &memOrderStore{orders: make(map[string]*domain.Order), chats: chats}
}

func (m *memOrderStore) MaterializeOrder(_ context.Context, req *domain.OrderRequest, at time.Time) (*domain.Order, *domain.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, nil, m.err
	}
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	mobile, err := domain.NormalizeMobile(req.CustomerPhone)
	if err != nil {
		return nil, nil, err
	}
	if m.conflicts > 0 {
		m.conflicts--
		return nil, nil, &domain.ErrDuplicate{Key: req.TenantID + "/" + domain.FormatOrderNumber(at, time.UTC, m.seq+1)}
	}

	m.seq++
	items := append([]domain.OrderItem(nil), req.Items...)
	order := &domain.Order{
		ID:              fmt.Sprintf("o%d", m.seq),
		TenantID:        req.TenantID,
		OrderNumber:     domain.FormatOrderNumber(at, time.UTC, m.seq),
		CustomerID:      "c-" + mobile,
		Items:           items,
		Subtotal:        req.Total(),
		Total:           req.Total(),
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		DeliveryAddress: req.DeliveryAddress,
		ChatID:          req.ChatID,
		CreatedAt:       at,
	}
	m.orders[order.ID] = order
	if m.chats != nil && req.ChatID != "" {
		m.chats.linkOrder(req, order.ID, at)
	}
	cp := *order
	return &cp, &domain.Customer{ID: order.CustomerID, TenantID: req.TenantID, Mobile: mobile, Name: req.CustomerName}, nil
}

func (m *memOrderStore) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "order", ID: orderID}
	}
	cp := *o
	return &cp, nil
}

func (m *memOrderStore) GetOrderByNumber(_ context.Context, tenantID, number string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.OrderNumber == number {
			cp := *o
			return &cp, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "order", ID: number}
}

func (m *memOrderStore) AttachPaymentLink(_ context.Context, orderID string, link *domain.PaymentLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return &domain.ErrNotFound{Resource: "order", ID: orderID}
	}
	o.PaymentLinkID, o.PaymentLinkURL = link.ID, link.URL
	return nil
}

func (m *memOrderStore) MarkOrderPaid(_ context.Context, orderID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false, &domain.ErrNotFound{Resource: "order", ID: orderID}
	}
	if o.IsPaid() {
		return false, nil
	}
	o.PaymentStatus, o.Status = domain.PaymentStatusPaid, domain.OrderStatusConfirmed
	o.PaidAt = &at
	return true, nil
}

func (m *memOrderStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memOrderStore) list() []*domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderNumber < out[j].OrderNumber })
	return out
}

type memMessageStore struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
	err  error
}

func (m *memMessageStore) SaveMessage(_ context.Context, msg *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	msg.ID = fmt.Sprintf("m%d", len(m.msgs)+1)
	m.msgs = append(m.msgs, *msg)
	return nil
}

func (m *memMessageStore) RecentMessages(_ context.Context, tenantID, chatID string, limit int) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChatMessage
	for _, msg := range m.msgs {
		if msg.TenantID == tenantID && msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memMessageStore) ofType(mt domain.MessageType) []domain.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ChatMessage
	for _, msg := range m.msgs {
		if msg.MessageType == mt {
			out = append(out, msg)
		}
	}
	return out
}

type memTenantStore struct {
	tenants map[string]*domain.Tenant
}

func (m *memTenantStore) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	if t, ok := m.tenants[id]; ok {
		return t, nil
	}
	return nil, &domain.ErrNotFound{Resource: "tenant", ID: id}
}

func (m *memTenantStore) GetTenantByPhoneNumberID(_ context.Context, pn string) (*domain.Tenant, error) {
	for _, t := range m.tenants {
		if t.PhoneNumberID == pn {
			return t, nil
		}
	}
	return nil, &domain.ErrNotFound{Resource: "tenant", ID: pn}
}

// --- External collaborators ---

type sentMessage struct {
	to, body, image string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendText(_ context.Context, _, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, body: body})
	return f.err
}

func (f *fakeSender) SendImage(_ context.Context, _, to, imageURL, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{to: to, body: caption, image: imageURL})
	return f.err
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.image == "" {
			out = append(out, s.body)
		}
	}
	return out
}

func (f *fakeSender) images() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if s.image != "" {
			out = append(out, s.image)
		}
	}
	return out
}

func (f *fakeSender) last() string {
	t := f.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type fakePayments struct {
	mu    sync.Mutex
	calls []domain.PaymentLinkRequest
	err   error
}

func (f *fakePayments) CreatePaymentLink(_ context.Context, req *domain.PaymentLinkRequest) (*domain.PaymentLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *req)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.PaymentLink{ID: "plink_" + req.OrderRef, URL: "https://pay.example/" + req.OrderRef}, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []string
	err    error
}

func (f *fakeNotifier) NotifyOwner(_ context.Context, tenant *domain.Tenant, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tenant.OwnerPhone == "" {
		return &domain.ErrNotConfigured{Capability: "owner contact"}
	}
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, message)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, evt *domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, *evt)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeInterpreter struct {
	mu      sync.Mutex
	actions []domain.Action
	inputs  []domain.InterpretInput
}

func (f *fakeInterpreter) Interpret(_ context.Context, in *domain.InterpretInput) domain.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, *in)
	if len(f.actions) == 0 {
		return domain.NoneAction("Sorry?")
	}
	a := f.actions[0]
	if len(f.actions) > 1 {
		f.actions = f.actions[1:]
	}
	return a
}

func (f *fakeInterpreter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inputs)
}

// --- Fixtures ---

const customerPhone = "919876543210"

func testTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:              "t1",
		Name:            "Kurta House",
		PhoneNumberID:   "pn-1",
		OwnerPhone:      "919800000000",
		PaymentsEnabled: true,
		Currency:        "INR",
	}
}

func testProducts() []domain.Product {
	return []domain.Product{
		{
			ID: "p1", TenantID: "t1", Name: "Cotton Kurta", Brand: "Fabindia", Category: "apparel",
			Price: 129900, Stock: 5, Active: true,
			Variants: []domain.Variant{
				{ID: "v1", ProductID: "p1", Name: "M", Stock: 4, Active: true},
				{ID: "v2", ProductID: "p1", Name: "XL", Price: 139900, Stock: 1, Active: false},
			},
		},
		{
			ID: "p2", TenantID: "t1", Name: "Silk Dupatta", Category: "accessories",
			Price: 59900, Stock: 2, Active: true, ImageURL: "https://img.example/p2.jpg",
			Variants: []domain.Variant{{ID: "v9", ProductID: "p2", Name: "Red", Stock: 2, Active: true}},
		},
		{
			ID: "p3", TenantID: "t1", Name: "Cotton Saree", Category: "sarees",
			Price: 249900, Stock: 3, Active: true,
		},
	}
}

// day is 10 March 2025, 10:00 IST
var day = time.Date(2025, 3, 10, 4, 30, 0, 0, time.UTC)

type harness struct {
	convStore *memConversationStore
	catStore  *memCatalogStore
	orders    *memOrderStore
	messages  *memMessageStore
	tenants   *memTenantStore
	sender    *fakeSender
	payments  *fakePayments
	notifier  *fakeNotifier
	events    *fakePublisher
	metrics   *observability.Metrics

	tenant        *domain.Tenant
	conversations *service.ConversationService
	catalog       *service.CatalogService
	orderSvc      *service.OrderService
	commerce      *service.Commerce
	now           time.Time
}

type harnessOption func(*harness)

func withoutPayments() harnessOption {
	return func(h *harness) { h.payments = nil }
}

func newHarness(opts ...harnessOption) *harness {
	convStore := newMemConversationStore()
	h := &harness{
		convStore: convStore,
		catStore:  &memCatalogStore{products: testProducts()},
		orders:    newMemOrderStore(convStore),
		messages:  &memMessageStore{},
		sender:    &fakeSender{},
		payments:  &fakePayments{},
		notifier:  &fakeNotifier{},
		events:    &fakePublisher{},
		metrics:   observability.NewMetrics(),
		tenant:    testTenant(),
		now:       day,
	}
	for _, o := range opts {
		o(h)
	}
	h.tenants = &memTenantStore{tenants: map[string]*domain.Tenant{h.tenant.ID: h.tenant}}

	logger := zap.NewNop()
	clock := func() time.Time { return h.now }
	h.conversations = service.NewConversationService(h.convStore, 30*time.Minute, logger).WithClock(clock)
	h.catalog = service.NewCatalogService(h.catStore, cache.New[*domain.CatalogSnapshot](time.Minute), h.metrics, logger)
	h.orderSvc = service.NewOrderService(h.orders, h.events, h.metrics, logger).WithClock(clock)

	deps := service.CommerceDeps{
		Conversations: h.conversations,
		Catalog:       h.catalog,
		Orders:        h.orderSvc,
		Messages:      h.messages,
		Sender:        h.sender,
		Notifier:      h.notifier,
		Metrics:       h.metrics,
		Logger:        logger,
	}
	if h.payments != nil {
		deps.Payments = h.payments
	}
	h.commerce = service.NewCommerce(deps)
	return h
}

// setState stores a conversation as if it had been saved at h.now.
func (h *harness) setState(st domain.ConversationState) {
	_ = h.convStore.SaveConversation(context.Background(),
		domain.EncodeState(h.tenant.ID, customerPhone, st, h.now))
}

// state returns the decoded conversation as the controller would see it.
func (h *harness) state() domain.ConversationState {
	st, _, err := h.conversations.Load(context.Background(), h.tenant.ID, customerPhone)
	if err != nil {
		panic(err)
	}
	return st
}

// act runs one controller turn against the stored conversation.
func (h *harness) act(a domain.Action) *domain.TurnReport {
	ctx := context.Background()
	st, existing, err := h.conversations.Load(ctx, h.tenant.ID, customerPhone)
	if err != nil {
		panic(err)
	}
	snap, err := h.catalog.Snapshot(ctx, h.tenant.ID)
	if err != nil {
		panic(err)
	}
	return h.commerce.HandleTurn(ctx, &service.Turn{
		Tenant:       h.tenant,
		ChatID:       customerPhone,
		Customer:     customerPhone,
		CustomerName: "Asha",
		Catalog:      snap,
		State:        st,
		Existing:     existing,
		Action:       a,
	})
}
