package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

var origins = &models.Product{
	ID:               2,
	Key:              "origins",
	Name:             "Origins Booster Box",
	RequiredLocation: "Germany",
	AlertThreshold:   decimal.NewNullDecimal(decimal.NewFromInt(178)),
}

func openMemoryStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(context.Background(), SQLite, ":memory:", utils.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SeedProducts(context.Background(), []*models.Product{origins}))
	return s
}

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func snapshotAt(ts time.Time, listings ...models.Listing) *models.Snapshot {
	snap := &models.Snapshot{
		ProductID:      origins.ID,
		ScrapedAt:      ts,
		FiltersApplied: "sellerCountry=7&language=1",
		Listings:       listings,
	}
	for _, l := range listings {
		if !l.Compliant {
			continue
		}
		snap.TotalListings++
		if !snap.FloorPrice.Valid || l.Price.LessThan(snap.FloorPrice.Decimal) {
			snap.FloorPrice = decimal.NewNullDecimal(l.Price)
		}
	}
	return snap
}

func TestSQLiteSnapshotRoundTrip(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := snapshotAt(t0,
		models.Listing{Seller: "A", Price: price("10.50"), Quantity: 1, Location: "Germany", Compliant: true},
		models.Listing{Seller: "X", Price: price("8"), Quantity: 3, Location: "France"},
	)
	id1, err := s.SaveSnapshot(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, id1, first.ID)

	second := snapshotAt(t0.Add(30*time.Minute),
		models.Listing{Seller: "B", Price: price("12"), Quantity: 2, Location: "Germany", Compliant: true},
	)
	_, err = s.SaveSnapshot(ctx, second)
	require.NoError(t, err)

	snaps, err := s.LatestSnapshots(ctx, origins.ID, 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	assert.True(t, snaps[0].ScrapedAt.Equal(second.ScrapedAt), "newest first")
	prev := snaps[1]
	require.Len(t, prev.Listings, 2)
	assert.True(t, prev.FloorPrice.Valid)
	assert.True(t, prev.FloorPrice.Decimal.Equal(price("10.50")))
	assert.Equal(t, 1, prev.TotalListings)
	assert.True(t, prev.Listings[0].Compliant)
	assert.False(t, prev.Listings[1].Compliant, "non-compliant flag survives the round trip")
	assert.Equal(t, 3, prev.Listings[1].Quantity)

	last, err := s.LastScrapedAt(ctx, origins.ID)
	require.NoError(t, err)
	assert.True(t, last.Equal(second.ScrapedAt))
}

func TestSQLiteNullFloor(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()

	snap := snapshotAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		models.Listing{Seller: "X", Price: price("8"), Quantity: 1, Location: "France"},
	)
	_, err := s.SaveSnapshot(ctx, snap)
	require.NoError(t, err)

	snaps, err := s.LatestSnapshots(ctx, origins.ID, 1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.False(t, snaps[0].FloorPrice.Valid)
	assert.Equal(t, 0, snaps[0].TotalListings)
}

func TestSQLiteSnapshotsSince(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := s.SaveSnapshot(ctx, snapshotAt(t0.Add(time.Duration(i)*10*time.Hour),
			models.Listing{Seller: "A", Price: price("100"), Quantity: 1, Location: "Germany", Compliant: true}))
		require.NoError(t, err)
	}

	// Snapshots at 0h, 10h, 20h, 30h, 40h; window starting at 16h keeps the last three.
	snaps, err := s.SnapshotsSince(ctx, origins.ID, t0.Add(16*time.Hour))
	require.NoError(t, err)
	assert.Len(t, snaps, 3)
	assert.Empty(t, snaps[0].Listings, "headers only")
}

func TestSQLiteSuspectedSalesAreIdempotent(t *testing.T) {
	s := openMemoryStore(t)
	ctx := context.Background()

	sale := models.SuspectedSale{
		ProductID:  origins.ID,
		Seller:     "A",
		Price:      price("10"),
		DetectedAt: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
		Confidence: models.ConfidenceMedium,
		Reasoning:  "seller absent from current scrape; was in lowest price quartile",
	}

	n, err := s.SaveSuspectedSales(ctx, []models.SuspectedSale{sale})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.SaveSuspectedSales(ctx, []models.SuspectedSale{sale})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-running detection must not double insert")

	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM suspected_sales`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSQLiteLastScrapedAtNotFound(t *testing.T) {
	s := openMemoryStore(t)

	_, err := s.LastScrapedAt(context.Background(), 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRebindPostgres(t *testing.T) {
	s := NewSQLStore(nil, Postgres)
	got := s.rebind("SELECT a FROM t WHERE b = ? AND c >= ? LIMIT ?")
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c >= $2 LIMIT $3", got)

	lite := NewSQLStore(nil, SQLite)
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestPostgresSaveSnapshotRollsBackOnListingFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, Postgres)
	snap := snapshotAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		models.Listing{Seller: "A", Price: price("10"), Quantity: 1, Location: "Germany", Compliant: true},
	)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO scrapes")).
		WithArgs(origins.ID, sqlmock.AnyArg(), 1, sqlmock.AnyArg(), "sellerCountry=7&language=1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO listings")).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err = s.SaveSnapshot(context.Background(), snap)
	assert.Error(t, err)
	assert.Zero(t, snap.ID, "no id is handed out for a rolled back snapshot")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveSnapshotCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewSQLStore(db, Postgres)
	snap := snapshotAt(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		models.Listing{Seller: "A", Price: price("10"), Quantity: 1, Location: "Germany", Compliant: true},
		models.Listing{Seller: "X", Price: price("9"), Quantity: 1, Location: "France"},
	)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO scrapes")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4,$5,$6),($7,$8,$9,$10,$11,$12)")).
		WithArgs(int64(7), "A", sqlmock.AnyArg(), 1, "Germany", nil,
			int64(7), "X", sqlmock.AnyArg(), 1, "France", models.NonCompliantFlag).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	id, err := s.SaveSnapshot(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
