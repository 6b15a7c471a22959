package invoice

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/pharmacist"
	"github.com/medbazaar/medbazaar/internal/sequence"
	"github.com/medbazaar/medbazaar/internal/shared"
)

type stockItem struct {
	vendorID uuid.UUID
	name     string
	batch    string
	expiry   time.Time
	stock    int64
}

type heldLine struct {
	vendorID  uuid.UUID
	productID uuid.UUID
	qty       int64
}

type fakeStock struct {
	mu         sync.Mutex
	items      map[uuid.UUID]*stockItem
	holds      map[inventory.Hold]heldLine
	releaseErr error
	reserveErr error
	// refuseLine refuses the given line as out of stock.
	refuseLine int
	// lostReplyLine takes stock for the given line, then reports an error.
	lostReplyLine int
	releases      int
	lowStock      []inventory.Reservation
	reserved      int
}

func newFakeStock() *fakeStock {
	return &fakeStock{items: make(map[uuid.UUID]*stockItem), holds: make(map[inventory.Hold]heldLine)}
}

func (f *fakeStock) add(vendorID uuid.UUID, name string, stock int64) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.New()
	f.items[id] = &stockItem{vendorID: vendorID, name: name, batch: "B-" + name, expiry: time.Date(2027, 12, 31, 0, 0, 0, 0, time.UTC), stock: stock}
	return id
}

func (f *fakeStock) level(id uuid.UUID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[id].stock
}

func (f *fakeStock) heldCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.holds)
}

func (f *fakeStock) TryReserve(_ context.Context, hold inventory.Hold, vendorID, productID uuid.UUID, qty int64) (inventory.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return inventory.Reservation{}, f.reserveErr
	}
	it, ok := f.items[productID]
	if !ok || it.vendorID != vendorID {
		return inventory.Reservation{}, inventory.ErrProductNotFound
	}
	if it.stock < qty || hold.Line == f.refuseLine {
		return inventory.Reservation{}, inventory.ErrInsufficientStock
	}
	it.stock -= qty
	f.holds[hold] = heldLine{vendorID: vendorID, productID: productID, qty: qty}
	f.reserved++
	if hold.Line == f.lostReplyLine {
		return inventory.Reservation{}, errors.New("connection reset by peer")
	}
	return inventory.Reservation{ProductID: productID, Quantity: qty, Remaining: it.stock, Name: it.name, BatchNumber: it.batch, ExpiryDate: it.expiry}, nil
}

func (f *fakeStock) Release(_ context.Context, vendorID uuid.UUID, hold inventory.Hold) (inventory.Released, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	if f.releaseErr != nil {
		return inventory.Released{}, f.releaseErr
	}
	h, ok := f.holds[hold]
	if !ok || h.vendorID != vendorID {
		return inventory.Released{}, inventory.ErrHoldNotFound
	}
	delete(f.holds, hold)
	it := f.items[h.productID]
	it.stock += h.qty
	return inventory.Released{ProductID: h.productID, Quantity: h.qty, Remaining: it.stock}, nil
}

// consume drops the attempt's holds the way the invoice transaction does. It
// fails without side effects unless exactly want holds are present.
func (f *fakeStock) consume(attemptID uuid.UUID, want int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []inventory.Hold
	for h := range f.holds {
		if h.AttemptID == attemptID {
			keys = append(keys, h)
		}
	}
	if len(keys) != want {
		return ErrHoldsMissing
	}
	for _, h := range keys {
		delete(f.holds, h)
	}
	return nil
}

func (f *fakeStock) NotifyLowStock(_ context.Context, _ uuid.UUID, reservations []inventory.Reservation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range reservations {
		if r.Remaining <= 2 {
			f.lowStock = append(f.lowStock, r)
		}
	}
}

type memoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (c *memoryCounter) Increment(_ context.Context, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if c.values == nil {
		c.values = make(map[string]int64)
	}
	c.values[day]++
	return c.values[day], nil
}

type fakeVendors struct {
	err error
}

func (f *fakeVendors) Snapshot(_ context.Context, vendorID uuid.UUID) (pharmacist.Snapshot, error) {
	if f.err != nil {
		return pharmacist.Snapshot{}, f.err
	}
	return pharmacist.Snapshot{ID: vendorID, Name: "Shree Medicals", Address: "12 MG Road, Pune", TaxID: "27ABCDE1234F1Z5", LicenseNumber: "MH-20B-1", Phone: "+91 98220 00000"}, nil
}

// memoryStore implements Writer and RepositoryPort.
type memoryStore struct {
	mu        sync.Mutex
	invoices  map[uuid.UUID]Invoice
	stock     *fakeStock
	insertErr error
	// lostCommitErr commits the invoice, then reports this error.
	lostCommitErr error
	block         bool
	inserts       int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{invoices: make(map[uuid.UUID]Invoice)}
}

func (s *memoryStore) Insert(ctx context.Context, inv *Invoice) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.insertErr != nil {
		return s.insertErr
	}
	for _, existing := range s.invoices {
		if existing.Number == inv.Number {
			return errors.New("duplicate invoice number")
		}
	}
	if s.stock != nil {
		if err := s.stock.consume(inv.AttemptID, len(inv.Items)); err != nil {
			return err
		}
	}
	stored := *inv
	stored.Items = append([]LineItem(nil), inv.Items...)
	s.invoices[inv.ID] = stored
	return s.lostCommitErr
}

func (s *memoryStore) Exists(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.invoices[id]
	return ok, nil
}

func (s *memoryStore) Get(_ context.Context, id uuid.UUID) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	inv.Items = append([]LineItem(nil), inv.Items...)
	return &inv, nil
}

func (s *memoryStore) List(_ context.Context, vendorID uuid.UUID, filter ListFilter, limit, offset int) ([]Summary, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Invoice
	for _, inv := range s.invoices {
		if inv.VendorID != vendorID {
			continue
		}
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if q := strings.ToLower(filter.Search); q != "" &&
			!strings.Contains(strings.ToLower(inv.Customer.Name), q) &&
			!strings.Contains(strings.ToLower(inv.Customer.Phone), q) &&
			!strings.Contains(strings.ToLower(inv.Number), q) {
			continue
		}
		all = append(all, inv)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Number > all[j].Number })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]Summary, 0, end-offset)
	for _, inv := range all[offset:end] {
		out = append(out, Summary{ID: inv.ID, Number: inv.Number, CustomerName: inv.Customer.Name, CustomerTel: inv.Customer.Phone, GrandTotal: inv.Totals.GrandTotal, Status: inv.Status, IssueDate: inv.IssueDate, DueDate: inv.Terms.DueDate, CreatedAt: inv.CreatedAt})
	}
	return out, total, nil
}

func (s *memoryStore) UpdateStatus(_ context.Context, id, vendorID uuid.UUID, from, to Status, payment *PaymentRecord) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok || inv.VendorID != vendorID || inv.Status != from {
		return time.Time{}, ErrStatusConflict
	}
	inv.Status = to
	if payment != nil {
		inv.Payment = payment
	}
	inv.UpdatedAt = time.Now().UTC()
	s.invoices[id] = inv
	return inv.UpdatedAt, nil
}

func (s *memoryStore) MarkOverdue(_ context.Context, today time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, inv := range s.invoices {
		if inv.Status == StatusPending && inv.Terms.DueDate != nil && inv.Terms.DueDate.Before(today) {
			inv.Status = StatusOverdue
			s.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

type fakeDispatcher struct {
	mu       sync.Mutex
	releases []StockRelease
	mails    []string
}

func (d *fakeDispatcher) EnqueueStockRelease(_ context.Context, release StockRelease) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releases = append(d.releases, release)
	return nil
}

func (d *fakeDispatcher) EnqueueInvoiceMail(_ context.Context, inv *Invoice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mails = append(d.mails, inv.Number)
	return nil
}

type fakeIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (f *fakeIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]bool)
	}
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdempotency) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type recordingMetrics struct {
	mu       sync.Mutex
	created  int
	aborted  []string
	releases int
}

func (m *recordingMetrics) InvoiceCreated(string, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
}

func (m *recordingMetrics) InvoiceAborted(stage, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = append(m.aborted, stage+"/"+reason)
}

func (m *recordingMetrics) ReleaseFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
}

var (
	fixedNow = time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	defaultTestTimeout = 2 * time.Second
	ist                = time.FixedZone("IST", 5*3600+1800)
)

type harness struct {
	vendorID    uuid.UUID
	vendors     *fakeVendors
	stock       *fakeStock
	counter     *memoryCounter
	store       *memoryStore
	dispatcher  *fakeDispatcher
	idem        *fakeIdempotency
	audit       *recordingAudit
	metrics     *recordingMetrics
	coordinator *Coordinator
	service     *Service
}

func newHarness(timeout time.Duration) *harness {
	h := &harness{
		vendorID:   uuid.New(),
		vendors:    &fakeVendors{},
		stock:      newFakeStock(),
		counter:    &memoryCounter{},
		store:      newMemoryStore(),
		dispatcher: &fakeDispatcher{},
		idem:       &fakeIdempotency{},
		audit:      &recordingAudit{},
		metrics:    &recordingMetrics{},
	}
	h.store.stock = h.stock
	clock := func() time.Time { return fixedNow }
	h.coordinator = NewCoordinator(CoordinatorDeps{
		Stock:       h.stock,
		Numbers:     sequence.NewAllocator(h.counter, ist),
		Vendors:     h.vendors,
		Store:       h.store,
		Idempotency: h.idem,
		Dispatcher:  h.dispatcher,
		Audit:       h.audit,
		Metrics:     h.metrics,
	}, CoordinatorConfig{
		CreateTimeout:       timeout,
		CompensationTimeout: time.Second,
		GrandTotalPlaces:    0,
		Location:            ist,
		Clock:               clock,
	})
	h.service = NewService(h.store, h.audit, ServiceConfig{Location: ist, Clock: clock}, nil)
	return h
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func billing() Address {
	return Address{Line1: "4 Residency Road", City: "Bengaluru", State: "Karnataka", PostalCode: "560025", Country: "India"}
}

func referenceItem(productID uuid.UUID) CreateItemRequest {
	return CreateItemRequest{
		ProductID: productID,
		Quantity:  3,
		UnitPrice: dec("99.99"),
		Discount:  dec("10"),
		CGSTRate:  dec("9"),
		SGSTRate:  dec("9"),
	}
}

func requestFor(items ...CreateItemRequest) CreateInvoiceRequest {
	return CreateInvoiceRequest{
		Customer:       Customer{Name: "Asha Rao", Phone: "+91 90000 11111", Email: "asha@example.in"},
		Items:          items,
		BillingAddress: billing(),
	}
}
