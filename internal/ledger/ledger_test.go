package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignal/internal/model"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func openTest(t *testing.T) *Ledger {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.Must(uuid.NewV4()).String())
	l, err := Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func record(id string, dir model.Direction, at time.Time, confirmations ...string) model.TradeRecord {
	return model.TradeRecord{
		ID:              id,
		ContractID:      "C-" + id,
		Direction:       dir,
		Amount:          decimal.NewFromInt(10),
		Timestamp:       at,
		Instrument:      "R_100",
		DurationMinutes: 1,
		EntryQuote:      1234.5,
		Confirmations:   confirmations,
	}
}

func settle(id string, profit string) model.Settlement {
	return model.Settlement{TradeID: id, Profit: decimal.RequireFromString(profit), SettledAt: t0.Add(time.Hour)}
}

func TestAppendAndGet(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	rec := record("a", model.Buy, t0, "ema_cross", "rsi_extreme")
	require.NoError(t, l.Append(ctx, rec))

	got, err := l.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, rec.ContractID, got.ContractID)
	assert.Equal(t, model.Buy, got.Direction)
	assert.True(t, rec.Amount.Equal(got.Amount))
	assert.Equal(t, t0, got.Timestamp)
	assert.Equal(t, []string{"ema_cross", "rsi_extreme"}, got.Confirmations)
	assert.False(t, got.OutcomeKnown)
	assert.Nil(t, got.Profit)
}

func TestAppend_Duplicate(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("a", model.Buy, t0)))
	err := l.Append(ctx, record("a", model.Sell, t0))
	assert.ErrorIs(t, err, ErrDuplicateTrade)
}

func TestGet_NotFound(t *testing.T) {
	l := openTest(t)
	_, err := l.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_Once(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("a", model.Buy, t0)))

	rec, err := l.Resolve(ctx, settle("a", "8.5"))
	require.NoError(t, err)
	require.True(t, rec.OutcomeKnown)
	assert.True(t, rec.Profit.Equal(decimal.RequireFromString("8.5")))
	assert.True(t, rec.Won())

	_, err = l.Resolve(ctx, settle("a", "-10"))
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	got, err := l.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Profit.Equal(decimal.RequireFromString("8.5")), "first resolution sticks")
}

func TestResolve_ByContractID(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, record("a", model.Sell, t0)))

	rec, err := l.Resolve(ctx, model.Settlement{ContractID: "C-a", Profit: decimal.NewFromInt(-10)})
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
	assert.False(t, rec.Won())
}

func TestResolve_Unknown(t *testing.T) {
	l := openTest(t)
	_, err := l.Resolve(context.Background(), settle("ghost", "1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecent_OldestFirst(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, record(fmt.Sprintf("t%d", i), model.Buy, t0.Add(time.Duration(i)*time.Minute))))
	}

	last3, err := l.Recent(ctx, 3)
	require.NoError(t, err)
	require.Len(t, last3, 3)
	assert.Equal(t, []string{"t2", "t3", "t4"}, ids(last3))

	all, err := l.Recent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestRecentSince_SkipsEarlierTrades(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(ctx, record(fmt.Sprintf("t%d", i), model.Buy, t0.Add(time.Duration(i)*time.Minute))))
	}

	recs, err := l.RecentSince(ctx, t0.Add(2*time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2", "t3", "t4"}, ids(recs))

	recs, err = l.RecentSince(ctx, t0.Add(2*time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"t3", "t4"}, ids(recs))

	recs, err = l.RecentSince(ctx, t0.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestStats(t *testing.T) {
	l := openTest(t)
	ctx := context.Background()

	outcomes := []string{"8.5", "-10", "8.5", "-10", "-10"}
	for i, p := range outcomes {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, l.Append(ctx, record(id, model.Buy, t0.Add(time.Duration(i)*time.Minute))))
		_, err := l.Resolve(ctx, settle(id, p))
		require.NoError(t, err)
	}
	require.NoError(t, l.Append(ctx, record("open", model.Sell, t0.Add(10*time.Minute))))

	st, err := l.Stats(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, 6, st.Trades)
	assert.Equal(t, 5, st.Resolved)
	assert.Equal(t, 2, st.Wins)
	assert.Equal(t, 3, st.Losses)
	assert.Equal(t, 40.0, st.WinRate)
	assert.Equal(t, 2, st.LossStreak)
	assert.True(t, st.NetProfit.Equal(decimal.RequireFromString("-13")), st.NetProfit.String())
	assert.True(t, st.Staked.Equal(decimal.NewFromInt(60)))

	later, err := l.Stats(ctx, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 3, later.Trades)
	assert.Equal(t, 2, later.LossStreak)
}

func TestSummarize_Empty(t *testing.T) {
	st := Summarize(nil)
	assert.Zero(t, st.Trades)
	assert.Zero(t, st.WinRate)
	assert.True(t, st.NetProfit.IsZero())
}

func ids(recs []model.TradeRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}
