package ledger

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"

	"fieldops/internal/apperr"
	"fieldops/internal/models"
	"fieldops/internal/testutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return New(db, testutil.Logger()), db
}

func seedProduct(t *testing.T, db *gorm.DB, ref string, qty int) models.Product {
	t.Helper()
	p := models.Product{Name: "Product " + ref, Reference: ref, Quantity: qty, Price: decimal.NewFromInt(10)}
	require.NoError(t, db.Create(&p).Error)
	return p
}

func stock(t *testing.T, db *gorm.DB, productID uint) (int, map[uint]int) {
	t.Helper()
	var p models.Product
	require.NoError(t, db.Take(&p, productID).Error)
	var allocs []models.Allocation
	require.NoError(t, db.Where("product_id = ?", productID).Find(&allocs).Error)
	out := map[uint]int{}
	for _, a := range allocs {
		out[a.ProjectID] = a.AllocatedQuantity
	}
	return p.Quantity, out
}

func total(qty int, allocs map[uint]int) int {
	for _, n := range allocs {
		qty += n
	}
	return qty
}

func TestReserveAdjustRelease(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	p := seedProduct(t, db, "CAB-01", 10)

	got, err := l.Reserve(ctx, p.ID, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Quantity)
	require.Len(t, got.Allocations, 1)
	assert.Equal(t, models.Allocation{ID: got.Allocations[0].ID, ProductID: p.ID, ProjectID: 1, AllocatedQuantity: 4}, got.Allocations[0])

	got, err = l.Adjust(ctx, p.ID, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)
	require.Len(t, got.Allocations, 1)
	assert.Equal(t, 7, got.Allocations[0].AllocatedQuantity)

	got, err = l.Release(ctx, p.ID, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)
	assert.Empty(t, got.Allocations)
}

func TestReserveInsufficientStock(t *testing.T) {
	l, db := newLedger(t)
	p := seedProduct(t, db, "CAB-02", 2)

	_, err := l.Reserve(context.Background(), p.ID, 5, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Contains(t, err.Error(), "Available: 2")

	qty, allocs := stock(t, db, p.ID)
	assert.Equal(t, 2, qty)
	assert.Empty(t, allocs)
}

func TestReserveUnknownProduct(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Reserve(context.Background(), 999, 1, 1)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestReserveValidatesInput(t *testing.T) {
	l, db := newLedger(t)
	p := seedProduct(t, db, "CAB-03", 2)

	_, err := l.Reserve(context.Background(), p.ID, 0, 1)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	_, err = l.Reserve(context.Background(), p.ID, 1, 0)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestReserveTwiceIncrementsAllocation(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	p := seedProduct(t, db, "CAB-04", 10)

	_, err := l.Reserve(ctx, p.ID, 2, 1)
	require.NoError(t, err)
	_, err = l.Reserve(ctx, p.ID, 3, 1)
	require.NoError(t, err)

	qty, allocs := stock(t, db, p.ID)
	assert.Equal(t, 5, qty)
	assert.Equal(t, map[uint]int{1: 5}, allocs)
}

func TestReleaseIsIdempotent(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	p := seedProduct(t, db, "CAB-05", 10)

	_, err := l.Reserve(ctx, p.ID, 4, 1)
	require.NoError(t, err)

	_, err = l.Release(ctx, p.ID, 4, 1)
	require.NoError(t, err)
	got, err := l.Release(ctx, p.ID, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)
	assert.Empty(t, got.Allocations)

	// release never gives back more than was held
	_, err = l.Reserve(ctx, p.ID, 2, 1)
	require.NoError(t, err)
	got, err = l.Release(ctx, p.ID, 50, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Quantity)
}

func TestPartialRelease(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	p := seedProduct(t, db, "CAB-06", 10)

	_, err := l.Reserve(ctx, p.ID, 6, 1)
	require.NoError(t, err)
	got, err := l.Release(ctx, p.ID, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, got.Quantity)
	require.Len(t, got.Allocations, 1)
	assert.Equal(t, 4, got.Allocations[0].AllocatedQuantity)
}

func TestAdjustBeyondAvailableLeavesStateUntouched(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	p := seedProduct(t, db, "CAB-07", 5)

	_, err := l.Reserve(ctx, p.ID, 3, 1)
	require.NoError(t, err)

	_, err = l.Adjust(ctx, p.ID, 1, 9)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	assert.Contains(t, err.Error(), "Available: 2")

	qty, allocs := stock(t, db, p.ID)
	assert.Equal(t, 2, qty)
	assert.Equal(t, map[uint]int{1: 3}, allocs)
}

func TestAdjustMatchesReleaseThenReserve(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name         string
		held, target int
	}{
		{"grow", 3, 6},
		{"shrink", 6, 2},
		{"to zero", 4, 0},
		{"from nothing", 0, 5},
		{"unchanged", 4, 4},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l1, db1 := newLedger(t)
			l2, db2 := newLedger(t)
			a := seedProduct(t, db1, "A", 10)
			b := seedProduct(t, db2, "B", 10)
			if tc.held > 0 {
				_, err := l1.Reserve(ctx, a.ID, tc.held, 1)
				require.NoError(t, err)
				_, err = l2.Reserve(ctx, b.ID, tc.held, 1)
				require.NoError(t, err)
			}

			_, err := l1.Adjust(ctx, a.ID, 1, tc.target)
			require.NoError(t, err)

			if tc.held > 0 {
				_, err = l2.Release(ctx, b.ID, tc.held, 1)
				require.NoError(t, err)
			}
			if tc.target > 0 {
				_, err = l2.Reserve(ctx, b.ID, tc.target, 1)
				require.NoError(t, err)
			}

			q1, al1 := stock(t, db1, a.ID)
			q2, al2 := stock(t, db2, b.ID)
			assert.Equal(t, q2, q1)
			assert.Equal(t, al2, al1)
		})
	}
}

func TestReserveBatchIsAllOrNothing(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	a := seedProduct(t, db, "A", 10)
	b := seedProduct(t, db, "B", 10)
	c := seedProduct(t, db, "C", 1)

	err := l.ReserveBatch(ctx, 7, []Line{
		{ProductID: a.ID, Quantity: 3},
		{ProductID: b.ID, Quantity: 4},
		{ProductID: c.ID, Quantity: 2},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	for _, p := range []models.Product{a, b, c} {
		qty, allocs := stock(t, db, p.ID)
		assert.Equal(t, p.Quantity, qty, p.Reference)
		assert.Empty(t, allocs, p.Reference)
	}

	require.NoError(t, l.ReserveBatch(ctx, 7, []Line{
		{ProductID: a.ID, Quantity: 3},
		{ProductID: b.ID, Quantity: 4},
	}))
	qty, _ := stock(t, db, a.ID)
	assert.Equal(t, 7, qty)
}

func TestReserveBatchRejectsDuplicates(t *testing.T) {
	l, db := newLedger(t)
	a := seedProduct(t, db, "A", 10)

	err := l.ReserveBatch(context.Background(), 1, []Line{
		{ProductID: a.ID, Quantity: 1},
		{ProductID: a.ID, Quantity: 2},
	})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestReleaseProject(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	a := seedProduct(t, db, "A", 10)
	b := seedProduct(t, db, "B", 10)

	require.NoError(t, l.ReserveBatch(ctx, 1, []Line{{ProductID: a.ID, Quantity: 3}, {ProductID: b.ID, Quantity: 5}}))
	_, err := l.Reserve(ctx, a.ID, 2, 2)
	require.NoError(t, err)

	require.NoError(t, l.ReleaseProject(ctx, 1))

	qty, allocs := stock(t, db, a.ID)
	assert.Equal(t, 8, qty)
	assert.Equal(t, map[uint]int{2: 2}, allocs)
	qty, allocs = stock(t, db, b.ID)
	assert.Equal(t, 10, qty)
	assert.Empty(t, allocs)
}

func TestVerifyDetectsMismatch(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	a := seedProduct(t, db, "A", 10)

	_, err := l.Reserve(ctx, a.ID, 3, 1)
	require.NoError(t, err)

	assert.NoError(t, l.Verify(ctx, 1, map[uint]int{a.ID: 3}))
	assert.True(t, errors.Is(l.Verify(ctx, 1, map[uint]int{a.ID: 4}), apperr.ErrIntegrity))
	assert.True(t, errors.Is(l.Verify(ctx, 1, map[uint]int{}), apperr.ErrIntegrity))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	l, db := newLedger(t)
	p := seedProduct(t, db, "HOT", 10)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(project uint) {
			defer wg.Done()
			_, err := l.Reserve(context.Background(), p.ID, 1, project)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(uint(i%5 + 1))
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, 15, conflicts)
	qty, allocs := stock(t, db, p.ID)
	assert.Equal(t, 0, qty)
	assert.Equal(t, 10, total(qty, allocs))
}

func TestRandomSequencesConserveStock(t *testing.T) {
	l, db := newLedger(t)
	ctx := context.Background()
	const owned = 20
	p := seedProduct(t, db, "RND", owned)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		project := uint(rng.Intn(3) + 1)
		n := rng.Intn(8) + 1
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = l.Reserve(ctx, p.ID, n, project)
		case 1:
			_, err = l.Release(ctx, p.ID, n, project)
		case 2:
			_, err = l.Adjust(ctx, p.ID, project, n-1)
		}
		if err != nil {
			require.True(t, errors.Is(err, apperr.ErrConflict), "step %d: %v", i, err)
		}

		qty, allocs := stock(t, db, p.ID)
		require.GreaterOrEqual(t, qty, 0)
		require.LessOrEqual(t, qty, owned)
		require.Equal(t, owned, total(qty, allocs), "step %d", i)
		for project, n := range allocs {
			require.Positive(t, n, "empty allocation left for project %d", project)
		}
	}
}
