package invoice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/medbazaar/medbazaar/internal/inventory"
	"github.com/medbazaar/medbazaar/internal/sequence"
	"github.com/medbazaar/medbazaar/internal/shared"
)

type CoordinatorSuite struct {
	suite.Suite
	h   *harness
	ctx context.Context
	p1  uuid.UUID
	p2  uuid.UUID
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.h = newHarness(2 * time.Second)
	s.ctx = context.Background()
	s.p1 = s.h.stock.add(s.h.vendorID, "Paracetamol", 10)
	s.p2 = s.h.stock.add(s.h.vendorID, "Cetirizine", 4)
}

func (s *CoordinatorSuite) assertStockUntouched() {
	s.EqualValues(10, s.h.stock.level(s.p1))
	s.EqualValues(4, s.h.stock.level(s.p2))
	s.Empty(s.h.store.invoices)
}

func (s *CoordinatorSuite) TestCreatesInvoiceWithReferenceAmounts() {
	inv, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	s.Require().NoError(err)

	s.Equal("INV-20260310-001", inv.Number)
	s.Equal(StatusPending, inv.Status)
	s.Equal("Paracetamol", inv.Items[0].ProductName)
	s.Equal("B-Paracetamol", inv.Items[0].BatchNumber)
	s.Require().NotNil(inv.Items[0].ExpiryDate)
	s.Equal("289.97", inv.Items[0].Amounts.Taxable.StringFixed(2))
	s.Equal("26.10", inv.Items[0].Amounts.CGST.StringFixed(2))
	s.Equal("342.17", inv.Items[0].Amounts.Total.StringFixed(2))
	s.Equal("342", inv.Totals.GrandTotal.String())
	s.Equal("-0.17", inv.Totals.RoundOff.String())
	s.True(inv.Totals.Reconciles())
	s.Equal(billing(), inv.ShippingAddress)
	s.Equal("Shree Medicals", inv.Vendor.Name)
	s.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), inv.IssueDate)

	s.EqualValues(7, s.h.stock.level(s.p1))
	s.Len(s.h.store.invoices, 1)
	s.Equal([]string{"INV-20260310-001"}, s.h.dispatcher.mails)
	s.Require().Len(s.h.audit.logs, 1)
	s.Equal("invoice:create", s.h.audit.logs[0].Action)
	s.Equal(1, s.h.metrics.created)
}

func (s *CoordinatorSuite) TestDraftStatusAndExplicitShipping() {
	req := requestFor(referenceItem(s.p1))
	req.Status = StatusDraft
	ship := billing()
	ship.City = "Mysuru"
	req.ShippingAddress = &ship
	req.Customer.Email = ""
	req.DueDate = "2026-04-09"

	inv, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", req)
	s.Require().NoError(err)
	s.Equal(StatusDraft, inv.Status)
	s.Equal("Mysuru", inv.ShippingAddress.City)
	s.Require().NotNil(inv.Terms.DueDate)
	s.Equal(9, inv.Terms.DueDate.Day())
	s.Empty(s.h.dispatcher.mails)
}

func (s *CoordinatorSuite) TestValidationFailureTouchesNothing() {
	cases := map[string]CreateInvoiceRequest{
		"no items":         requestFor(),
		"zero quantity":    requestFor(CreateItemRequest{ProductID: s.p1, Quantity: 0, UnitPrice: dec("1")}),
		"discount > gross": requestFor(CreateItemRequest{ProductID: s.p1, Quantity: 1, UnitPrice: dec("5"), Discount: dec("6")}),
		"rate > 100":       requestFor(CreateItemRequest{ProductID: s.p1, Quantity: 1, UnitPrice: dec("5"), IGSTRate: dec("120")}),
		"bad status":       func() CreateInvoiceRequest { r := requestFor(referenceItem(s.p1)); r.Status = StatusPaid; return r }(),
		"missing phone":    func() CreateInvoiceRequest { r := requestFor(referenceItem(s.p1)); r.Customer.Phone = ""; return r }(),
		"no city": func() CreateInvoiceRequest {
			r := requestFor(referenceItem(s.p1))
			r.BillingAddress.City = ""
			return r
		}(),
	}
	for name, req := range cases {
		_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", req)
		var verr *ValidationError
		s.Require().ErrorAs(err, &verr, name)
	}
	s.Equal(0, s.h.stock.reserved)
	s.assertStockUntouched()
}

func (s *CoordinatorSuite) TestValidationNamesLine() {
	req := requestFor(referenceItem(s.p1), CreateItemRequest{ProductID: s.p2, Quantity: 1, UnitPrice: dec("5"), Discount: dec("6")})
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", req)
	var verr *ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Equal(2, verr.Line)
	s.Equal("discount", verr.Field)
}

func (s *CoordinatorSuite) TestInsufficientStockOnSecondLineReleasesFirst() {
	second := referenceItem(s.p2)
	second.Quantity = 5
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1), second))

	var serr *InsufficientStockError
	s.Require().ErrorAs(err, &serr)
	s.Equal(2, serr.Line)
	s.Equal(s.p2, serr.ProductID)
	s.EqualValues(5, serr.Requested)
	s.ErrorIs(err, inventory.ErrInsufficientStock)
	s.assertStockUntouched()
	s.Contains(s.h.metrics.aborted, "items_validated/insufficient_stock")
}

func (s *CoordinatorSuite) TestUnknownProductReleasesEarlierLines() {
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1), referenceItem(uuid.New())))
	s.Require().ErrorIs(err, inventory.ErrProductNotFound)
	s.assertStockUntouched()
}

func (s *CoordinatorSuite) TestAllocationFailureReleasesStock() {
	s.h.counter.err = errors.New("redis down")
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1), referenceItem(s.p2)))

	var aerr *AllocationError
	s.Require().ErrorAs(err, &aerr)
	s.ErrorIs(err, sequence.ErrAllocation)
	s.assertStockUntouched()
	s.Contains(s.h.metrics.aborted, "totals_computed/allocation")
}

func (s *CoordinatorSuite) TestPersistenceFailureReleasesStockAndBurnsNumber() {
	s.h.store.insertErr = errors.New("disk full")
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	var perr *PersistenceError
	s.Require().ErrorAs(err, &perr)
	s.assertStockUntouched()

	s.h.store.insertErr = nil
	inv, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	s.Require().NoError(err)
	s.Equal("INV-20260310-002", inv.Number)
}

func (s *CoordinatorSuite) TestDeadlineDuringPersistAborts() {
	h := newHarness(50 * time.Millisecond)
	p := h.stock.add(h.vendorID, "Paracetamol", 10)
	h.store.block = true

	_, err := h.coordinator.CreateInvoice(s.ctx, h.vendorID, "", requestFor(referenceItem(p)))
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.EqualValues(10, h.stock.level(p))
	s.Contains(h.metrics.aborted, "number_allocated/deadline")
}

func (s *CoordinatorSuite) TestCanceledCallerStillReleases() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.h.coordinator.CreateInvoice(ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	s.Require().Error(err)
	s.assertStockUntouched()
}

func (s *CoordinatorSuite) TestFailedReleaseIsQueuedForRetry() {
	s.h.store.insertErr = errors.New("disk full")
	s.h.stock.releaseErr = errors.New("connection reset")

	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	s.Require().Error(err)
	s.Require().Len(s.h.dispatcher.releases, 1)
	release := s.h.dispatcher.releases[0]
	s.Equal(s.p1, release.ProductID)
	s.EqualValues(3, release.Quantity)
	s.Equal(s.h.vendorID, release.VendorID)
	s.Equal(1, release.Line)
	s.NotEqual(uuid.Nil, release.AttemptID)
	s.Equal(1, s.h.metrics.releases)
}

// replayReleases runs queued releases the way the worker does.
func (s *CoordinatorSuite) replayReleases() {
	for _, r := range s.h.dispatcher.releases {
		_, err := s.h.stock.Release(s.ctx, r.VendorID, inventory.Hold{AttemptID: r.AttemptID, Line: r.Line})
		if err != nil {
			s.Require().ErrorIs(err, inventory.ErrHoldNotFound)
		}
	}
}

func (s *CoordinatorSuite) TestRepeatedProductQueuesEveryLineRelease() {
	first := referenceItem(s.p1)
	first.Quantity = 2
	first.Discount = dec("0")
	second := referenceItem(s.p1)
	second.Quantity = 3
	second.Discount = dec("0")
	s.h.store.insertErr = errors.New("disk full")
	s.h.stock.releaseErr = errors.New("connection reset")

	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(first, second))
	s.Require().Error(err)
	s.EqualValues(5, s.h.stock.level(s.p1))

	releases := s.h.dispatcher.releases
	s.Require().Len(releases, 2)
	byLine := map[int]StockRelease{}
	for _, r := range releases {
		byLine[r.Line] = r
	}
	s.Require().Contains(byLine, 1)
	s.Require().Contains(byLine, 2)
	s.EqualValues(2, byLine[1].Quantity)
	s.EqualValues(3, byLine[2].Quantity)
	s.Equal(byLine[1].AttemptID, byLine[2].AttemptID)
	s.Equal(2, s.h.metrics.releases)

	s.h.stock.releaseErr = nil
	s.replayReleases()
	s.EqualValues(10, s.h.stock.level(s.p1))
	s.Zero(s.h.stock.heldCount())

	// A redelivered release finds no hold and changes nothing.
	s.replayReleases()
	s.EqualValues(10, s.h.stock.level(s.p1))
}

func (s *CoordinatorSuite) TestRepeatedProductSucceedsAcrossLines() {
	first := referenceItem(s.p1)
	first.Quantity = 4
	second := referenceItem(s.p1)
	second.Quantity = 5
	inv, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(first, second))
	s.Require().NoError(err)
	s.Len(inv.Items, 2)
	s.EqualValues(1, s.h.stock.level(s.p1))
	s.Zero(s.h.stock.heldCount())
}

func (s *CoordinatorSuite) TestSubPaisaInputsRejectedBeforeReserving() {
	item := func(mutate func(*CreateItemRequest)) CreateInvoiceRequest {
		it := referenceItem(s.p1)
		mutate(&it)
		return requestFor(it)
	}
	cases := map[string]CreateInvoiceRequest{
		"unit_price": item(func(it *CreateItemRequest) { it.UnitPrice = dec("99.995") }),
		"discount":   item(func(it *CreateItemRequest) { it.Discount = dec("10.001") }),
		"cgst_rate":  item(func(it *CreateItemRequest) { it.CGSTRate = dec("9.125") }),
		"sgst_rate":  item(func(it *CreateItemRequest) { it.SGSTRate = dec("9.125") }),
		"igst_rate": item(func(it *CreateItemRequest) {
			it.CGSTRate, it.SGSTRate, it.IGSTRate = dec("0"), dec("0"), dec("18.005")
		}),
		"shipping_charge": func() CreateInvoiceRequest {
			r := requestFor(referenceItem(s.p1))
			r.ShippingCharge = dec("40.005")
			return r
		}(),
	}
	for field, req := range cases {
		_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", req)
		var verr *ValidationError
		s.Require().ErrorAs(err, &verr, field)
		s.Equal(field, verr.Field, field)
	}
	s.Equal(0, s.h.stock.reserved)
	s.assertStockUntouched()
}

func (s *CoordinatorSuite) TestVendorLookupFailureTouchesNothing() {
	s.h.vendors.err = errors.New("vendor profile unavailable")
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	s.Require().ErrorIs(err, s.h.vendors.err)
	s.Equal(0, s.h.stock.reserved)
	s.assertStockUntouched()
	s.Empty(s.h.counter.values)
}

func (s *CoordinatorSuite) TestTotalsFailureAfterReservationReleasesStock() {
	s.h.coordinator.cfg.GrandTotalPlaces = 3
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1), referenceItem(s.p2)))
	s.Require().Error(err)
	var verr *ValidationError
	s.False(errors.As(err, &verr))
	s.Equal(2, s.h.stock.reserved)
	s.assertStockUntouched()
	s.Zero(s.h.stock.heldCount())
	s.Contains(s.h.metrics.aborted, "stock_reserved/error")
}

func (s *CoordinatorSuite) TestAmbiguousReserveIsReleased() {
	s.h.stock.lostReplyLine = 2
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1), referenceItem(s.p2)))
	s.Require().Error(err)
	var serr *InsufficientStockError
	s.False(errors.As(err, &serr))
	s.assertStockUntouched()
	s.Zero(s.h.stock.heldCount())
}

func (s *CoordinatorSuite) TestCommitReportedAsFailedIsKept() {
	s.h.store.lostCommitErr = errors.New("connection reset after commit")
	inv, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(referenceItem(s.p1)))
	s.Require().NoError(err)
	s.Contains(s.h.store.invoices, inv.ID)
	s.EqualValues(7, s.h.stock.level(s.p1))
	s.Zero(s.h.stock.heldCount())
	s.Empty(s.h.dispatcher.releases)
	s.Equal(1, s.h.metrics.created)
}

func (s *CoordinatorSuite) TestIdempotencyKeyRejectsReplay() {
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "req-1", requestFor(referenceItem(s.p1)))
	s.Require().NoError(err)
	_, err = s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "req-1", requestFor(referenceItem(s.p1)))
	s.Require().ErrorIs(err, shared.ErrIdempotencyConflict)
	s.EqualValues(7, s.h.stock.level(s.p1))
}

func (s *CoordinatorSuite) TestIdempotencyKeyFreedAfterFailure() {
	s.h.store.insertErr = errors.New("disk full")
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "req-2", requestFor(referenceItem(s.p1)))
	s.Require().Error(err)

	s.h.store.insertErr = nil
	_, err = s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "req-2", requestFor(referenceItem(s.p1)))
	s.Require().NoError(err)
}

func (s *CoordinatorSuite) TestLowStockNotifiedAfterCommit() {
	item := referenceItem(s.p2)
	item.Quantity = 3
	_, err := s.h.coordinator.CreateInvoice(s.ctx, s.h.vendorID, "", requestFor(item))
	s.Require().NoError(err)
	s.Require().Len(s.h.stock.lowStock, 1)
	s.EqualValues(1, s.h.stock.lowStock[0].Remaining)
}

func TestConcurrentCreationsGetDistinctNumbers(t *testing.T) {
	h := newHarness(5 * time.Second)
	p := h.stock.add(h.vendorID, "Paracetamol", 1000)

	const attempts = 40
	var wg sync.WaitGroup
	numbers := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item := referenceItem(p)
			item.Quantity = 1
			item.Discount = dec("0")
			inv, err := h.coordinator.CreateInvoice(context.Background(), h.vendorID, "", requestFor(item))
			if assert.NoError(t, err) {
				numbers <- inv.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int64]bool{}
	for n := range numbers {
		_, seq, err := sequence.Parse(n)
		require.NoError(t, err)
		require.False(t, seen[seq], "duplicate %s", n)
		seen[seq] = true
	}
	require.Len(t, seen, attempts)
	for i := int64(1); i <= attempts; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}
	assert.EqualValues(t, 1000-attempts, h.stock.level(p))
}

func TestConcurrentLastUnitSellsOnce(t *testing.T) {
	h := newHarness(5 * time.Second)
	p := h.stock.add(h.vendorID, "Insulin", 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	created, refused := 0, 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item := referenceItem(p)
			item.Quantity = 1
			item.Discount = dec("0")
			_, err := h.coordinator.CreateInvoice(context.Background(), h.vendorID, "", requestFor(item))
			mu.Lock()
			defer mu.Unlock()
			var serr *InsufficientStockError
			if err == nil {
				created++
			} else if errors.As(err, &serr) {
				refused++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 15, refused)
	assert.EqualValues(t, 0, h.stock.level(p))
}

func TestGapsOnlyFromFailuresAfterAllocation(t *testing.T) {
	h := newHarness(5 * time.Second)
	p := h.stock.add(h.vendorID, "Paracetamol", 100)
	ctx := context.Background()

	var numbers []string
	for i := 0; i < 6; i++ {
		h.store.insertErr = nil
		if i%3 == 1 {
			h.store.insertErr = errors.New("transient")
		}
		inv, err := h.coordinator.CreateInvoice(ctx, h.vendorID, "", requestFor(referenceItem(p)))
		if err == nil {
			numbers = append(numbers, inv.Number)
		}
	}
	// Two attempts failed after allocation, so exactly two numbers are missing.
	require.Equal(t, []string{"INV-20260310-001", "INV-20260310-003", "INV-20260310-004", "INV-20260310-006"}, numbers)
	assert.EqualValues(t, 100-4*3, h.stock.level(p))
}
