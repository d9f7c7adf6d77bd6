package storage

import (
	"broker-monitor/pkg/broker"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Supported SQL drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

const connectTimeout = 30 * time.Second

// SQL stores records in PostgreSQL or SQLite.
type SQL struct {
	db     *sqlx.DB
	logger *slog.Logger
	driver string
}

// OpenSQL connects to dsn, applies pending migrations and returns the store.
func OpenSQL(ctx context.Context, driver, dsn string, logger *slog.Logger) (*SQL, error) {
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	logger.Info("Connecting to database", "driver", driver)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database connection: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("ping database: %w, and close connection: %w", err, closeErr)
		}
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if driver == DriverSQLite {
		// One writer at a time; concurrent connections would see SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &SQL{db: db, logger: logger, driver: driver}
	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("Failed to close database after migration error", "error", closeErr)
		}
		return nil, err
	}

	logger.Info("Successfully connected to database", "driver", driver)
	return s, nil
}

func (s *SQL) migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	// Only the source is closed: closing the migrate instance would close s.db.
	defer func() {
		if closeErr := src.Close(); closeErr != nil {
			s.logger.Warn("Failed to close migration source", "error", closeErr)
		}
	}()

	var driver database.Driver
	switch s.driver {
	case DriverPostgres:
		driver, err = migratepg.WithInstance(s.db.DB, &migratepg.Config{})
	default:
		driver, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	}
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		s.logger.Warn("Could not get migration version", "error", err)
	} else {
		s.logger.Info("Migration completed", "version", version, "dirty", dirty)
	}
	return nil
}

// brokerRow is the brokers table shape; scraping_path is stored as JSON text.
type brokerRow struct {
	LastScrapedAt *time.Time     `db:"last_scraped_at"`
	CreatedAt     time.Time      `db:"created_at"`
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Website       string         `db:"website"`
	Path          sql.NullString `db:"scraping_path"`
	Tier          int            `db:"tier"`
	Active        bool           `db:"is_active"`
}

func (r *brokerRow) target() (*broker.Target, error) {
	t := &broker.Target{
		ID:            r.ID,
		Name:          r.Name,
		Website:       r.Website,
		Tier:          r.Tier,
		Active:        r.Active,
		LastScrapedAt: r.LastScrapedAt,
		CreatedAt:     r.CreatedAt,
	}
	if r.Path.Valid {
		p, err := broker.ParseScrapingPath([]byte(r.Path.String))
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", r.Name, err)
		}
		t.Path = p
	}
	return t, nil
}

const brokerColumns = `id, name, website, tier, is_active, scraping_path, last_scraped_at, created_at`

// Brokers returns the roster ordered by tier, then name. Rows whose
// scraping_path cannot be parsed are logged and skipped.
func (s *SQL) Brokers(ctx context.Context) ([]*broker.Target, error) {
	var rows []brokerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+brokerColumns+` FROM brokers ORDER BY tier, name`); err != nil {
		return nil, fmt.Errorf("select brokers: %w", err)
	}
	out := make([]*broker.Target, 0, len(rows))
	for i := range rows {
		t, err := rows[i].target()
		if err != nil {
			s.logger.Warn("Failed to load broker", "broker_id", rows[i].ID, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Broker loads a broker by id.
func (s *SQL) Broker(ctx context.Context, id string) (*broker.Target, error) {
	var row brokerRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+brokerColumns+` FROM brokers WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select broker: %w", err)
	}
	return row.target()
}

// SaveBroker inserts or updates a broker, assigning an id when it has none.
func (s *SQL) SaveBroker(ctx context.Context, t *broker.Target) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	var path sql.NullString
	if !t.Path.IsZero() {
		b, err := json.Marshal(t.Path)
		if err != nil {
			return fmt.Errorf("marshal scraping path: %w", err)
		}
		path = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO brokers (`+brokerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			website = excluded.website,
			tier = excluded.tier,
			is_active = excluded.is_active,
			scraping_path = excluded.scraping_path,
			last_scraped_at = excluded.last_scraped_at`),
		t.ID, t.Name, t.Website, t.Tier, t.Active, path, utcPtr(t.LastScrapedAt), t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert broker: %w", err)
	}
	s.logger.Info("Broker saved", "broker_id", t.ID, "broker", t.Name)
	return nil
}

// TouchBroker stamps the broker's last successful scrape.
func (s *SQL) TouchBroker(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE brokers SET last_scraped_at = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch broker: %w", err)
	}
	return expectRow(res)
}

const listingColumns = `id, url, broker_id, title, price, location, first_seen_at, notified_at`

// FindByURL loads the listing stored for url.
func (s *SQL) FindByURL(ctx context.Context, url string) (*broker.Listing, error) {
	var l broker.Listing
	err := s.db.GetContext(ctx, &l, s.db.Rebind(`SELECT `+listingColumns+` FROM listings WHERE url = ?`), url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select listing: %w", err)
	}
	return &l, nil
}

// CreateListing inserts a new, unnotified listing. It fails with
// ErrDuplicateURL if the URL is already stored.
func (s *SQL) CreateListing(ctx context.Context, c broker.Candidate, brokerID string, at time.Time) (*broker.Listing, error) {
	l := newListing(c, brokerID, at)
	l.ID = uuid.NewString()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES (:id, :url, :broker_id, :title, :price, :location, :first_seen_at, :notified_at)`, l)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateURL
	}
	if err != nil {
		return nil, fmt.Errorf("insert listing: %w", err)
	}
	return l, nil
}

// MarkNotified stamps the listing. An existing stamp is left untouched.
func (s *SQL) MarkNotified(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE listings SET notified_at = ? WHERE id = ? AND notified_at IS NULL`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) > 0 FROM listings WHERE id = ?`), id); err != nil {
			return fmt.Errorf("check listing: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

const runColumns = `id, broker_id, started_at, completed_at, status, error_message, listings_found, new_listings`

// StartRun records a running scrape for brokerID.
func (s *SQL) StartRun(ctx context.Context, brokerID string, at time.Time) (*broker.RunLog, error) {
	rl := &broker.RunLog{
		ID:        uuid.NewString(),
		BrokerID:  brokerID,
		StartedAt: at.UTC(),
		Status:    broker.RunRunning,
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scrape_runs (`+runColumns+`)
		VALUES (:id, :broker_id, :started_at, :completed_at, :status, :error_message, :listings_found, :new_listings)`, rl)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return rl, nil
}

// FinishRun writes the run's completion fields.
func (s *SQL) FinishRun(ctx context.Context, rl *broker.RunLog) error {
	rl.CompletedAt = utcPtr(rl.CompletedAt)
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE scrape_runs SET
			completed_at = :completed_at,
			status = :status,
			error_message = :error_message,
			listings_found = :listings_found,
			new_listings = :new_listings
		WHERE id = :id`, rl)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return expectRow(res)
}

// Logs returns run logs newest first, optionally for one broker. A limit of
// zero or less returns all.
func (s *SQL) Logs(ctx context.Context, brokerID string, limit int) ([]*broker.RunLog, error) {
	q := `SELECT ` + runColumns + ` FROM scrape_runs`
	var args []any
	if brokerID != "" {
		q += ` WHERE broker_id = ?`
		args = append(args, brokerID)
	}
	q += ` ORDER BY started_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []*broker.RunLog
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	return out, nil
}

// CreateIssue records an operational incident.
func (s *SQL) CreateIssue(ctx context.Context, issue *broker.Issue) error {
	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if issue.Date.IsZero() {
		issue.Date = time.Now()
	}
	issue.Date = issue.Date.UTC()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO issues (id, broker_id, date, issue_type, description, time_lost_min)
		VALUES (:id, :broker_id, :date, :issue_type, :description, :time_lost_min)`, issue)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

// Issues returns incidents newest first.
func (s *SQL) Issues(ctx context.Context, limit int) ([]*broker.Issue, error) {
	q := `SELECT id, broker_id, date, issue_type, description, time_lost_min FROM issues ORDER BY date DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	var out []*broker.Issue
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("select issues: %w", err)
	}
	return out, nil
}

// Close closes the database connection.
func (s *SQL) Close() error {
	s.logger.Info("Closing database connection")
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
