package sqlstore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/boddenberg/wa-commerce-go/internal/domain"
	"github.com/boddenberg/wa-commerce-go/internal/infra/sqlstore"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func newTestStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "commerce.db") + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	s, err := sqlstore.Open(context.Background(), "sqlite", dsn, zap.NewNop(), sqlstore.WithOrderLocation(ist))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCatalog(t *testing.T, s *sqlstore.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertTenant(ctx, &domain.Tenant{
		ID: "t1", Name: "Kurta House", PhoneNumberID: "pn-1", OwnerPhone: "919800000000", PaymentsEnabled: true,
	}))
	require.NoError(t, s.UpsertProduct(ctx, &domain.Product{
		ID: "p1", TenantID: "t1", Name: "Cotton Kurta", Brand: "Fabindia", Category: "apparel",
		Price: 129900, Stock: 5, Active: true,
		Variants: []domain.Variant{
			{ID: "v1", Name: "M", Stock: 4, Active: true, Attributes: map[string]string{"size": "M"}},
			{ID: "v2", Name: "XL", Price: 139900, Stock: 1, Active: false},
		},
	}))
	require.NoError(t, s.UpsertProduct(ctx, &domain.Product{
		ID: "p2", TenantID: "t1", Name: "Silk Dupatta", Price: 59900, Stock: 2, Active: true,
	}))
	require.NoError(t, s.UpsertProduct(ctx, &domain.Product{
		ID: "p3", TenantID: "t1", Name: "Retired Scarf", Price: 9900, Stock: 10, Active: false,
	}))
}

func orderFor(phone string, productID string, qty int, price int64) *domain.OrderRequest {
	return &domain.OrderRequest{
		TenantID:        "t1",
		CustomerPhone:   phone,
		CustomerName:    "Asha",
		DeliveryAddress: "12 MG Road",
		ChatID:          phone,
		Items: []domain.OrderItem{
			{ProductID: productID, Name: "item", UnitPrice: price, Quantity: qty},
		},
	}
}

// day is 10 March 2025, 10:00 IST
var day = time.Date(2025, 3, 10, 4, 30, 0, 0, time.UTC)

func TestStockBookkeeping(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	_, _, err := s.MaterializeOrder(ctx, orderFor("+91 98765 43210", "p1", 3, 129900), day)
	require.NoError(t, err)
	stock, err := s.ProductStock(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, stock)

	_, _, err = s.MaterializeOrder(ctx, orderFor("9876543210", "p1", 10, 129900), day.Add(time.Minute))
	require.NoError(t, err)
	stock, err = s.ProductStock(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, -8, stock, "stock may go negative")
}

func TestVariantStockDecrement(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	req := orderFor("9876543210", "p1", 2, 129900)
	req.Items[0].VariantID = "v1"
	_, _, err := s.MaterializeOrder(ctx, req, day)
	require.NoError(t, err)

	vstock, err := s.ProductStock(ctx, "p1", "v1")
	require.NoError(t, err)
	assert.Equal(t, 2, vstock)
	pstock, err := s.ProductStock(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, pstock)
}

func TestCustomerUpsert(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	o1, c1, err := s.MaterializeOrder(ctx, orderFor("919876543210", "p1", 1, 129900), day)
	require.NoError(t, err)
	o2, c2, err := s.MaterializeOrder(ctx, orderFor("09876543210", "p2", 2, 59900), day.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	n, err := s.CountCustomers(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := s.GetCustomer(ctx, "t1", "9876543210")
	require.NoError(t, err)
	assert.Equal(t, 2, c.TotalOrders)
	assert.Equal(t, o1.Total+o2.Total, c.TotalSpent)
	assert.Equal(t, "12 MG Road", c.Address, "address is backfilled")
	assert.Equal(t, "Asha", c.Name)
}

var orderNumberRe = regexp.MustCompile(`^ORD-\d{6}-\d{3}$`)

func TestOrderNumbering_Sequential(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		o, _, err := s.MaterializeOrder(ctx, orderFor("9876543210", "p2", 1, 59900), day.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.Regexp(t, orderNumberRe, o.OrderNumber)
		assert.Equal(t, fmt.Sprintf("ORD-250310-%03d", i), o.OrderNumber)
	}

	// next day in IST restarts at 001
	o, _, err := s.MaterializeOrder(ctx, orderFor("9876543210", "p2", 1, 59900), day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "ORD-250311-001", o.OrderNumber)
}

func TestOrderNumbering_UsesOrderTimezone(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)

	// 20:00 UTC on the 9th is 01:30 IST on the 10th
	late := time.Date(2025, 3, 9, 20, 0, 0, 0, time.UTC)
	o, _, err := s.MaterializeOrder(context.Background(), orderFor("9876543210", "p2", 1, 59900), late)
	require.NoError(t, err)
	assert.Equal(t, "ORD-250310-001", o.OrderNumber)
}

func TestOrderNumbering_Concurrent(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	numbers := make(chan string, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			phone := fmt.Sprintf("98765432%02d", i)
			o, _, err := s.MaterializeOrder(ctx, orderFor(phone, "p2", 1, 59900), day)
			if err != nil {
				errs <- err
				return
			}
			numbers <- o.OrderNumber
		}(i)
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for num := range numbers {
		assert.False(t, seen[num], "duplicate number %s", num)
		seen[num] = true
	}
	assert.Len(t, seen, n)
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("ORD-250310-%03d", i)])
	}
}

func TestMaterializeOrder_RollsBackOnUnknownProduct(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	req := orderFor("9876543210", "p1", 2, 129900)
	req.Items = append(req.Items, domain.OrderItem{ProductID: "ghost", Name: "ghost", UnitPrice: 100, Quantity: 1})

	_, _, err := s.MaterializeOrder(ctx, req, day)
	var nf *domain.ErrNotFound
	require.True(t, errors.As(err, &nf), "expected ErrNotFound, got %v", err)

	stock, err := s.ProductStock(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, 5, stock, "stock decrement must roll back")
	n, err := s.CountCustomers(ctx, "t1")
	require.NoError(t, err)
	assert.Zero(t, n, "customer insert must roll back")

	// the number is not burnt
	o, _, err := s.MaterializeOrder(ctx, orderFor("9876543210", "p1", 1, 129900), day)
	require.NoError(t, err)
	assert.Equal(t, "ORD-250310-001", o.OrderNumber)
}

func TestMaterializeOrder_Validation(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)

	req := orderFor("12345", "p1", 1, 129900)
	_, _, err := s.MaterializeOrder(context.Background(), req, day)
	var ve *domain.ErrValidation
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "mobile", ve.Field)

	req = orderFor("9876543210", "p1", 1, 129900)
	req.DeliveryAddress = ""
	_, _, err = s.MaterializeOrder(context.Background(), req, day)
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "delivery_address", ve.Field)
}

func TestOrderLookupsAndPayment(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	req := orderFor("9876543210", "p1", 2, 129900)
	req.Items[0].VariantID = "v1"
	req.Items[0].Name = "Cotton Kurta (M)"
	created, _, err := s.MaterializeOrder(ctx, req, day)
	require.NoError(t, err)

	require.NoError(t, s.AttachPaymentLink(ctx, created.ID, &domain.PaymentLink{ID: "plink_1", URL: "https://pay.example/1"}))

	got, err := s.GetOrderByNumber(ctx, "t1", created.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "plink_1", got.PaymentLinkID)
	assert.Equal(t, domain.PaymentStatusPending, got.PaymentStatus)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(259800), got.Items[0].LineTotal)
	assert.Equal(t, "v1", got.Items[0].VariantID)
	assert.Equal(t, int64(259800), got.Total)

	changed, err := s.MarkOrderPaid(ctx, created.ID, day.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.MarkOrderPaid(ctx, created.ID, day.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, changed, "second confirmation is a no-op")

	got, err = s.GetOrder(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPaid, got.PaymentStatus)
	assert.Equal(t, domain.OrderStatusConfirmed, got.Status)
	require.NotNil(t, got.PaidAt)
	assert.True(t, got.PaidAt.Equal(day.Add(time.Hour)))

	_, err = s.MarkOrderPaid(ctx, "missing", day)
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestConversationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetConversation(ctx, "t1", "919876543210")
	var nf *domain.ErrNotFound
	require.True(t, errors.As(err, &nf))

	rec := domain.EncodeState("t1", "919876543210",
		domain.AwaitingAddress{ProductID: "p1", VariantID: "v1", Quantity: 2}, day)
	require.NoError(t, s.SaveConversation(ctx, rec))

	got, err := s.GetConversation(ctx, "t1", "919876543210")
	require.NoError(t, err)
	assert.Equal(t, domain.StepAwaitingAddress, got.Step)
	assert.Equal(t, 2, got.Quantity)
	assert.True(t, got.LastActivityAt.Equal(day))

	state, err := domain.DecodeState(got)
	require.NoError(t, err)
	assert.Equal(t, domain.AwaitingAddress{ProductID: "p1", VariantID: "v1", Quantity: 2}, state)

	require.NoError(t, s.ResetConversation(ctx, "t1", "919876543210", day.Add(time.Minute)))
	got, err = s.GetConversation(ctx, "t1", "919876543210")
	require.NoError(t, err)
	assert.Equal(t, domain.StepIdle, got.Step)
	assert.Empty(t, got.ProductID)
	assert.Zero(t, got.Quantity)
}

func TestMaterializeOrder_LinksConversation(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	req := orderFor("919876543210", "p1", 2, 129900)
	require.NoError(t, s.SaveConversation(ctx, domain.EncodeState("t1", req.ChatID,
		domain.AwaitingAddress{ProductID: "p1", Quantity: 2}, day)))

	o, _, err := s.MaterializeOrder(ctx, req, day.Add(time.Minute))
	require.NoError(t, err)

	rec, err := s.GetConversation(ctx, "t1", req.ChatID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepAwaitingPayment, rec.Step)
	assert.Equal(t, o.ID, rec.OrderID)
	assert.Equal(t, "12 MG Road", rec.DeliveryAddress)
	assert.True(t, rec.LastActivityAt.Equal(day.Add(time.Minute)))

	state, err := domain.DecodeState(rec)
	require.NoError(t, err)
	assert.Equal(t, domain.AwaitingPayment{ProductID: "p1", Quantity: 2, Address: "12 MG Road", OrderID: o.ID}, state)

	// an order for a chat with no conversation row still succeeds
	_, _, err = s.MaterializeOrder(ctx, orderFor("919811111111", "p2", 1, 59900), day)
	require.NoError(t, err)
	_, err = s.GetConversation(ctx, "t1", "919811111111")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestCatalogListsActiveOnly(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)

	products, err := s.ListActiveProducts(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "Cotton Kurta", products[0].Name)
	require.Len(t, products[0].Variants, 1, "inactive variants are hidden")
	assert.Equal(t, "M", products[0].Variants[0].Attributes["size"])
	assert.Equal(t, "Silk Dupatta", products[1].Name)
}

func TestMessagesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveMessage(ctx, &domain.ChatMessage{
			TenantID: "t1", ChatID: "c1", Sender: domain.SenderCustomer, MessageType: domain.MessageText,
			Body: fmt.Sprintf("m%d", i), CreatedAt: day.Add(time.Duration(i) * time.Second),
			Metadata: map[string]any{"i": i},
		}))
	}

	msgs, err := s.RecentMessages(ctx, "t1", "c1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m2", msgs[0].Body)
	assert.Equal(t, "m4", msgs[2].Body)
	assert.EqualValues(t, 4, msgs[2].Metadata["i"])
}

func TestMessages_CorruptMetadataKeepsBody(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	dsn := "file:" + filepath.Join(t.TempDir(), "commerce.db") + "?_pragma=busy_timeout(5000)"
	s, err := sqlstore.Open(context.Background(), "sqlite", dsn, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Exec(ctx, `
		INSERT INTO chat_messages (id, tenant_id, chat_id, sender, message_type, body, metadata, external_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"m-bad", "t1", "c1", "customer", "text", "hello", "{not json", "", day))

	msgs, err := s.RecentMessages(ctx, "t1", "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Nil(t, msgs[0].Metadata)
	assert.Equal(t, 1, logs.FilterMessage("discarding unreadable message metadata").Len())
}

func TestTenantLookup(t *testing.T) {
	s := newTestStore(t)
	seedCatalog(t, s)
	ctx := context.Background()

	tn, err := s.GetTenantByPhoneNumberID(ctx, "pn-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tn.ID)
	assert.True(t, tn.PaymentsEnabled)
	assert.Equal(t, "INR", tn.Currency)

	_, err = s.GetTenant(ctx, "nope")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}
