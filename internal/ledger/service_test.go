package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradepost/backend/internal/errs"
	"github.com/tradepost/backend/internal/models"
)

func TestService_AdjustBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("debit within balance", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 100000, 0)
		svc := NewService(repo)

		res, err := svc.AdjustBalance(ctx, AdjustRequest{
			AccountID: "acct", Delta: -30000, Kind: models.KindSettlement,
			ReferenceType: "order", ReferenceID: "o-1", IdempotencyKey: "settlement:order:o-1",
		})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		assert.Equal(t, int64(70000), res.NewBalance)
		assert.Equal(t, int64(70000), res.Transaction.BalanceAfter)
		assert.Equal(t, int64(-30000), res.Transaction.Delta)

		acct, _ := repo.GetAccount(ctx, "acct")
		assert.Equal(t, int64(70000), acct.Balance)
		assert.Equal(t, 2, repo.txCount("acct")) // seed + settlement
	})

	t.Run("insufficient funds writes nothing", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 10000, 0)
		svc := NewService(repo)

		_, err := svc.AdjustBalance(ctx, AdjustRequest{
			AccountID: "acct", Delta: -50000, Kind: models.KindSettlement, IdempotencyKey: "k1",
		})
		assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))

		acct, _ := repo.GetAccount(ctx, "acct")
		assert.Equal(t, int64(10000), acct.Balance)
		assert.Equal(t, 1, repo.txCount("acct"))
	})

	t.Run("debit cannot consume reserved funds", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 10000, 8000)
		svc := NewService(repo)

		_, err := svc.AdjustBalance(ctx, AdjustRequest{
			AccountID: "acct", Delta: -3000, Kind: models.KindAdjustment, IdempotencyKey: "k1",
		})
		assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))
	})

	t.Run("floor is enforced", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 100000, 0)
		svc := NewService(repo)

		_, err := svc.AdjustBalance(ctx, AdjustRequest{
			AccountID: "acct", Delta: -60000, Kind: models.KindSettlement,
			IdempotencyKey: "k1", MinAvailableAfter: 50000,
		})
		assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))

		res, err := svc.AdjustBalance(ctx, AdjustRequest{
			AccountID: "acct", Delta: -50000, Kind: models.KindSettlement,
			IdempotencyKey: "k2", MinAvailableAfter: 50000,
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(50000), res.NewBalance)
	})

	t.Run("same key applies once", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 100000, 0)
		svc := NewService(repo)
		req := AdjustRequest{AccountID: "acct", Delta: -30000, Kind: models.KindSettlement, IdempotencyKey: "k1"}

		first, err := svc.AdjustBalance(ctx, req)
		require.NoError(t, err)
		second, err := svc.AdjustBalance(ctx, req)
		require.NoError(t, err)

		assert.True(t, second.Duplicate)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
		assert.Equal(t, int64(70000), second.NewBalance)
		assert.Equal(t, 2, repo.txCount("acct"))
	})

	t.Run("key reused for another account", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("a", 100000, 0)
		repo.seed("b", 100000, 0)
		svc := NewService(repo)

		_, err := svc.AdjustBalance(ctx, AdjustRequest{AccountID: "a", Delta: 10, Kind: models.KindTopUp, IdempotencyKey: "k"})
		require.NoError(t, err)
		_, err = svc.AdjustBalance(ctx, AdjustRequest{AccountID: "b", Delta: 10, Kind: models.KindTopUp, IdempotencyKey: "k"})
		assert.True(t, errors.Is(err, errs.ErrValidation))
	})

	t.Run("validation happens before side effects", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 100, 0)
		svc := NewService(repo)

		cases := []AdjustRequest{
			{AccountID: "acct", Delta: 0, Kind: models.KindTopUp, IdempotencyKey: "k"},
			{AccountID: "acct", Delta: 5, Kind: "GIFT", IdempotencyKey: "k"},
			{AccountID: "acct", Delta: 5, Kind: models.KindReservation, IdempotencyKey: "k"},
			{AccountID: "acct", Delta: 5, Kind: models.KindTopUp},
			{Delta: 5, Kind: models.KindTopUp, IdempotencyKey: "k"},
		}
		for i, req := range cases {
			_, err := svc.AdjustBalance(ctx, req)
			assert.True(t, errors.Is(err, errs.ErrValidation), "case %d", i)
		}
		assert.Equal(t, 0, repo.applyCalls)
	})

	t.Run("closed account rejects mutations", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 100, 0)
		svc := NewService(repo)
		require.NoError(t, svc.CloseAccount(ctx, "acct"))

		_, err := svc.AdjustBalance(ctx, AdjustRequest{AccountID: "acct", Delta: 5, Kind: models.KindTopUp, IdempotencyKey: "k"})
		assert.True(t, errors.Is(err, errs.ErrAccountClosed))
	})

	t.Run("unknown account", func(t *testing.T) {
		svc := NewService(newMemRepo())
		_, err := svc.AdjustBalance(ctx, AdjustRequest{AccountID: "nope", Delta: 5, Kind: models.KindTopUp, IdempotencyKey: "k"})
		assert.True(t, errors.Is(err, errs.ErrNotFound))
	})
}

func TestService_RetryLoop(t *testing.T) {
	ctx := context.Background()

	t.Run("recovers from transient version conflicts", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 1000, 0)
		repo.staleApplies = 2
		svc := NewService(repo, WithMaxAttempts(5))

		res, err := svc.AdjustBalance(ctx, AdjustRequest{AccountID: "acct", Delta: -100, Kind: models.KindSettlement, IdempotencyKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, int64(900), res.NewBalance)
	})

	t.Run("gives up with conflict after max attempts", func(t *testing.T) {
		repo := newMemRepo()
		repo.seed("acct", 1000, 0)
		repo.staleApplies = 100
		svc := NewService(repo, WithMaxAttempts(4))

		_, err := svc.AdjustBalance(ctx, AdjustRequest{AccountID: "acct", Delta: -100, Kind: models.KindSettlement, IdempotencyKey: "k"})
		assert.True(t, errors.Is(err, errs.ErrConflict))
		assert.Equal(t, 4, repo.applyCalls)

		acct, _ := repo.GetAccount(ctx, "acct")
		assert.Equal(t, int64(1000), acct.Balance)
	})
}

func TestService_ConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.seed("acct", 50000, 0)
	svc := NewService(repo, WithMaxAttempts(1000))

	rng := rand.New(rand.NewSource(42))
	deltas := make([]int64, 200)
	for i := range deltas {
		deltas[i] = rng.Int63n(20000) - 12000
		if deltas[i] == 0 {
			deltas[i] = 1
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int64
	)
	for i, d := range deltas {
		wg.Add(1)
		go func(i int, d int64) {
			defer wg.Done()
			kind := models.KindTopUp
			if d < 0 {
				kind = models.KindSettlement
			}
			res, err := svc.AdjustBalance(ctx, AdjustRequest{
				AccountID: "acct", Delta: d, Kind: kind, IdempotencyKey: fmt.Sprintf("op-%d", i),
			})
			if err != nil {
				assert.True(t, errors.Is(err, errs.ErrInsufficientFunds), "unexpected error %v", err)
				return
			}
			assert.GreaterOrEqual(t, res.NewBalance, int64(0))
			mu.Lock()
			applied += d
			mu.Unlock()
		}(i, d)
	}
	wg.Wait()

	acct, err := svc.GetAccount(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 50000+applied, acct.Balance)

	report, err := svc.Verify(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, acct.Balance, report.SumOfDeltas)
}

func TestService_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.seed("acct", 100000, 0)
	svc := NewService(repo, WithMaxAttempts(100))

	var wg sync.WaitGroup
	results := make([]Result, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.AdjustBalance(ctx, AdjustRequest{
				AccountID: "acct", Delta: -40000, Kind: models.KindSettlement, IdempotencyKey: "settlement:order:o-1",
			})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if !r.Duplicate {
			fresh++
		}
		assert.Equal(t, int64(60000), r.NewBalance)
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 2, repo.txCount("acct"))
}

func TestService_Reservations(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	repo.seed("acct", 10000, 0)
	svc := NewService(repo)

	res, err := svc.Reserve(ctx, ReserveRequest{AccountID: "acct", Amount: 6000, ReferenceType: "order", ReferenceID: "o1", IdempotencyKey: "r1"})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), res.Reserved)
	assert.Equal(t, int64(0), res.Transaction.Delta)
	assert.Equal(t, models.KindReservation, res.Transaction.Kind)

	_, err = svc.Reserve(ctx, ReserveRequest{AccountID: "acct", Amount: 5000, IdempotencyKey: "r2"})
	assert.True(t, errors.Is(err, errs.ErrInsufficientFunds))

	_, err = svc.ReleaseReservation(ctx, ReserveRequest{AccountID: "acct", Amount: 7000, IdempotencyKey: "rel-big"})
	assert.True(t, errors.Is(err, errs.ErrValidation))

	res, err = svc.CaptureReservation(ctx, ReserveRequest{AccountID: "acct", Amount: 4000, IdempotencyKey: "cap1"})
	require.NoError(t, err)
	assert.Equal(t, int64(6000), res.NewBalance)
	assert.Equal(t, int64(2000), res.Reserved)

	res, err = svc.ReleaseReservation(ctx, ReserveRequest{AccountID: "acct", Amount: 2000, IdempotencyKey: "rel1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Reserved)

	err = svc.CloseAccount(ctx, "acct")
	assert.NoError(t, err)

	report, err := svc.Verify(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(6000), report.SumOfDeltas)
}

func TestService_CloseAccountWithReservation(t *testing.T) {
	repo := newMemRepo()
	repo.seed("acct", 10000, 500)
	svc := NewService(repo)

	err := svc.CloseAccount(context.Background(), "acct")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}

func TestService_OpenAccount(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newMemRepo())

	first, err := svc.OpenAccount(ctx, "tenant-1", "USD")
	require.NoError(t, err)
	again, err := svc.OpenAccount(ctx, "tenant-1", "USD")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = svc.OpenAccount(ctx, "tenant-1", "US")
	assert.True(t, errors.Is(err, errs.ErrValidation))
}
