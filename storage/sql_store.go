package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"cardmarket-tracker/models"
	"cardmarket-tracker/utils"
)

// Dialect selects SQL differences between the supported engines.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

const listingBatchSize = 50

// SQLStore is the HistoryStore on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the store, waits for it to answer and creates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *utils.Logger) (*SQLStore, error) {
	var driver string
	switch dialect {
	case SQLite:
		driver = "sqlite"
		if dsn != ":memory:" && !strings.Contains(dsn, "_pragma") {
			dsn = "file:" + dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		}
	case Postgres:
		driver = "postgres"
	default:
		return nil, fmt.Errorf("store: unknown driver %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if dialect == SQLite {
		// One writer; also keeps ":memory:" a single database.
		db.SetMaxOpenConns(1)
	}

	retry := &utils.RetryConfig{MaxAttempts: 10, BaseDelay: 2 * time.Second, Fixed: true, Logger: logger}
	if err := retry.Do(ctx, "store-ping", db.PingContext); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// NewSQLStore wraps an already open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	tsType := "DATETIME"
	if s.dialect == Postgres {
		idCol = "BIGSERIAL PRIMARY KEY"
		tsType = "TIMESTAMPTZ"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id                BIGINT PRIMARY KEY,
			name              TEXT NOT NULL,
			required_location TEXT NOT NULL,
			alert_threshold   NUMERIC(10,2)
		)`,
		`CREATE TABLE IF NOT EXISTS scrapes (
			id              ` + idCol + `,
			product_id      BIGINT NOT NULL REFERENCES products(id),
			scraped_at      ` + tsType + ` NOT NULL,
			total_listings  INTEGER NOT NULL,
			floor_price     NUMERIC(10,2),
			filters_applied TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scrapes_product_time ON scrapes(product_id, scraped_at)`,
		`CREATE TABLE IF NOT EXISTS listings (
			id              ` + idCol + `,
			scrape_id       BIGINT NOT NULL REFERENCES scrapes(id),
			seller          TEXT NOT NULL,
			price           NUMERIC(10,2) NOT NULL,
			quantity        INTEGER NOT NULL DEFAULT 1,
			location        TEXT NOT NULL DEFAULT 'Unknown',
			compliance_flag TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_listings_scrape ON listings(scrape_id)`,
		`CREATE TABLE IF NOT EXISTS suspected_sales (
			id          ` + idCol + `,
			product_id  BIGINT NOT NULL REFERENCES products(id),
			detected_at ` + tsType + ` NOT NULL,
			seller      TEXT NOT NULL,
			price       NUMERIC(10,2) NOT NULL,
			confidence  TEXT NOT NULL,
			reasoning   TEXT NOT NULL,
			UNIQUE (product_id, seller, detected_at, price)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites "?" placeholders to "$n" for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) SeedProducts(ctx context.Context, products []*models.Product) error {
	query := s.rebind(`
		INSERT INTO products (id, name, required_location, alert_threshold)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	for _, p := range products {
		if _, err := s.db.ExecContext(ctx, query, p.ID, p.Name, p.RequiredLocation, p.AlertThreshold); err != nil {
			return fmt.Errorf("store: seed product %d: %w", p.ID, err)
		}
	}
	return nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *models.Snapshot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO scrapes (product_id, scraped_at, total_listings, floor_price, filters_applied)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`), snap.ProductID, snap.ScrapedAt.UTC(), snap.TotalListings, snap.FloorPrice, snap.FiltersApplied).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert scrape: %w", err)
	}

	for i := 0; i < len(snap.Listings); i += listingBatchSize {
		end := i + listingBatchSize
		if end > len(snap.Listings) {
			end = len(snap.Listings)
		}
		if err := s.insertListingBatch(ctx, tx, id, snap.Listings[i:end]); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	snap.ID = id
	return id, nil
}

func (s *SQLStore) insertListingBatch(ctx context.Context, tx *sql.Tx, scrapeID int64, batch []models.Listing) error {
	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]interface{}, 0, len(batch)*6)

	for _, l := range batch {
		valueStrings = append(valueStrings, "(?,?,?,?,?,?)")
		var flag interface{}
		if f := l.ComplianceFlag(); f != "" {
			flag = f
		}
		valueArgs = append(valueArgs, scrapeID, l.Seller, l.Price, l.Quantity, l.Location, flag)
	}

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO listings (scrape_id, seller, price, quantity, location, compliance_flag)
		VALUES %s
	`, strings.Join(valueStrings, ",")))

	if _, err := tx.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("store: insert listings: %w", err)
	}
	return nil
}

func (s *SQLStore) LatestSnapshots(ctx context.Context, productID int64, n int) ([]*models.Snapshot, error) {
	snaps, err := s.querySnapshots(ctx, `
		SELECT id, product_id, scraped_at, total_listings, floor_price, filters_applied
		FROM scrapes
		WHERE product_id = ?
		ORDER BY scraped_at DESC, id DESC
		LIMIT ?
	`, productID, n)
	if err != nil {
		return nil, err
	}

	for _, snap := range snaps {
		listings, err := s.listings(ctx, snap.ID)
		if err != nil {
			return nil, err
		}
		snap.Listings = listings
	}
	return snaps, nil
}

func (s *SQLStore) SnapshotsSince(ctx context.Context, productID int64, since time.Time) ([]*models.Snapshot, error) {
	return s.querySnapshots(ctx, `
		SELECT id, product_id, scraped_at, total_listings, floor_price, filters_applied
		FROM scrapes
		WHERE product_id = ? AND scraped_at >= ?
		ORDER BY scraped_at DESC, id DESC
	`, productID, since.UTC())
}

func (s *SQLStore) querySnapshots(ctx context.Context, query string, args ...interface{}) ([]*models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: query scrapes: %w", err)
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		snap := &models.Snapshot{}
		if err := rows.Scan(
			&snap.ID, &snap.ProductID, &snap.ScrapedAt, &snap.TotalListings,
			&snap.FloorPrice, &snap.FiltersApplied,
		); err != nil {
			return nil, fmt.Errorf("store: scan scrape: %w", err)
		}
		snap.ScrapedAt = snap.ScrapedAt.UTC()
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *SQLStore) listings(ctx context.Context, scrapeID int64) ([]models.Listing, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, seller, price, quantity, location, compliance_flag
		FROM listings
		WHERE scrape_id = ?
		ORDER BY id
	`), scrapeID)
	if err != nil {
		return nil, fmt.Errorf("store: query listings: %w", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		var l models.Listing
		var flag sql.NullString
		if err := rows.Scan(&l.ID, &l.Seller, &l.Price, &l.Quantity, &l.Location, &flag); err != nil {
			return nil, fmt.Errorf("store: scan listing: %w", err)
		}
		l.Compliant = !flag.Valid || flag.String == ""
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveSuspectedSales(ctx context.Context, sales []models.SuspectedSale) (int, error) {
	if len(sales) == 0 {
		return 0, nil
	}

	query := s.rebind(`
		INSERT INTO suspected_sales (product_id, detected_at, seller, price, confidence, reasoning)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (product_id, seller, detected_at, price) DO NOTHING
	`)

	inserted := 0
	for _, sale := range sales {
		res, err := s.db.ExecContext(ctx, query,
			sale.ProductID, sale.DetectedAt.UTC(), sale.Seller, sale.Price, string(sale.Confidence), sale.Reasoning)
		if err != nil {
			return inserted, fmt.Errorf("store: insert suspected sale: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	return inserted, nil
}

func (s *SQLStore) LastScrapedAt(ctx context.Context, productID int64) (time.Time, error) {
	var ts time.Time
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT scraped_at FROM scrapes
		WHERE product_id = ?
		ORDER BY scraped_at DESC, id DESC
		LIMIT 1
	`), productID).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last scrape: %w", err)
	}
	return ts.UTC(), nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
