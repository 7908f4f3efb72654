// Package store is the durable state shared by the phone, watch, and
// widget daemons. Everything the processes agree on lives in one
// SQLite file: station records, favorites, the primary-station
// pointer, widget bindings, the refresh-request mailbox, and a
// last-known-good snapshot for cold starts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"dockwatch.citycycles.org/internal/clock"
	"dockwatch.citycycles.org/internal/logging"
	"dockwatch.citycycles.org/internal/metrics"
	"dockwatch.citycycles.org/internal/models"
	"dockwatch.citycycles.org/internal/store/migrations"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// DefaultFallbackMaxAge bounds how old the last-known-good snapshot
// may be and still be served.
const DefaultFallbackMaxAge = 600 * time.Second

const (
	keyFavorites     = "favorites"
	keyPrimaryID     = "station.primary_id"
	keyLastKnownGood = "snapshot.lkg"
	keyRefreshReq    = "refresh.request"
	keyBindingPrefix = "widget.binding."
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so helpers can run
// inside or outside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Config carries the knobs for opening a Store.
type Config struct {
	// Path is the SQLite file shared by all daemons.
	Path string

	// FallbackMaxAge bounds last-known-good serving. Defaults to
	// DefaultFallbackMaxAge.
	FallbackMaxAge time.Duration

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Store wraps the shared SQLite file. Safe for concurrent use within
// a process; concurrent processes are serialized by SQLite itself
// (WAL journal, immediate transactions, busy timeout).
type Store struct {
	db             *sql.DB
	fallbackMaxAge time.Duration
	clock          clock.Clock
	logger         *slog.Logger
	metrics        *metrics.Metrics

	subMu       sync.RWMutex
	subscribers map[int]func(Event)
	nextSubID   int
}

// Open opens (creating if needed) the shared store file and brings its
// schema up to date.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store path must not be empty")
	}

	fallbackMaxAge := cfg.FallbackMaxAge
	if fallbackMaxAge <= 0 {
		fallbackMaxAge = DefaultFallbackMaxAge
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "store"))
	}

	// WAL lets readers in other processes proceed during a write;
	// immediate transactions take the write lock up front so lock
	// upgrades cannot deadlock between daemons.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.Path, err)
	}

	// One connection per process; SQLite serializes writers anyway and
	// this keeps in-process transactions from fighting each other.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping store at %s: %w", cfg.Path, err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}

	logging.LogOperation(logger, "store_opened", slog.String("path", cfg.Path))

	return &Store{
		db:             db,
		fallbackMaxAge: fallbackMaxAge,
		clock:          clk,
		logger:         logger,
		metrics:        cfg.Metrics,
		subscribers:    make(map[int]func(Event)),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the connection-pool stats
// collector.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Subscribe registers fn for committed-change events from this
// process. The returned function unsubscribes. Handlers run
// synchronously on the writing goroutine and should be quick.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(ev Event) {
	s.subMu.RLock()
	fns := make([]func(Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// WriteStation commits one fetched record. The encoded record is
// decoded and compared before anything is written; a record that does
// not survive the round trip is discarded with the previous state
// intact. A record older than the stored one is a silent no-op, so a
// slow in-flight fetch can never roll back fresher data. The
// last-known-good snapshot is rebuilt in the same transaction.
func (s *Store) WriteStation(ctx context.Context, stamped models.StampedStation) error {
	record, err := json.Marshal(stamped.Station)
	if err != nil {
		s.writeOutcome(metrics.WriteVerifyFailed)
		return fmt.Errorf("failed to encode station %s: %w", stamped.ID, err)
	}

	var verify models.Station
	if err := json.Unmarshal(record, &verify); err != nil {
		s.writeOutcome(metrics.WriteVerifyFailed)
		return fmt.Errorf("station %s record failed verification, discarding: %w", stamped.ID, err)
	}
	if verify != stamped.Station {
		s.writeOutcome(metrics.WriteVerifyFailed)
		return fmt.Errorf("station %s record failed verification, discarding: round trip mismatch", stamped.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing time.Time
	err = tx.QueryRowContext(ctx, `SELECT fetched_at FROM stations WHERE id = ?`, stamped.ID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First record for this station.
	case err != nil:
		return fmt.Errorf("failed to read stored freshness for %s: %w", stamped.ID, err)
	case !existing.Before(stamped.FetchedAt):
		// The stored record is at least as fresh; a stale in-flight
		// result must not clobber it.
		s.writeOutcome(metrics.WriteSuperseded)
		s.logger.Debug("discarding superseded station write",
			slog.String("station_id", stamped.ID),
			slog.Time("stored", existing),
			slog.Time("incoming", stamped.FetchedAt))
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stations (id, record, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, fetched_at = excluded.fetched_at`,
		stamped.ID, record, stamped.FetchedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert station %s: %w", stamped.ID, err)
	}

	if err := s.rebuildLastKnownGood(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit station %s: %w", stamped.ID, err)
	}

	s.writeOutcome(metrics.WriteOK)
	s.publish(Event{Kind: EventStationWritten, StationID: stamped.ID})
	return nil
}

// ReadStation returns the stored record for id, if any.
func (s *Store) ReadStation(ctx context.Context, id string) (models.StampedStation, bool, error) {
	return readStation(ctx, s.db, id)
}

func readStation(ctx context.Context, q dbtx, id string) (models.StampedStation, bool, error) {
	var record []byte
	var fetchedAt time.Time
	err := q.QueryRowContext(ctx, `SELECT record, fetched_at FROM stations WHERE id = ?`, id).
		Scan(&record, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StampedStation{}, false, nil
	}
	if err != nil {
		return models.StampedStation{}, false, fmt.Errorf("failed to read station %s: %w", id, err)
	}

	var station models.Station
	if err := json.Unmarshal(record, &station); err != nil {
		return models.StampedStation{}, false, fmt.Errorf("failed to decode station %s: %w", id, err)
	}
	return models.StampedStation{Station: station, FetchedAt: fetchedAt}, true, nil
}

// FreshnessOf reports when id was last fetched, without decoding the
// record blob.
func (s *Store) FreshnessOf(ctx context.Context, id string) (time.Time, bool, error) {
	var fetchedAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM stations WHERE id = ?`, id).Scan(&fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read freshness of %s: %w", id, err)
	}
	return fetchedAt, true, nil
}

// Stations returns every stored station record.
func (s *Store) Stations(ctx context.Context) ([]models.StampedStation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record, fetched_at FROM stations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stations: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "station_rows")

	var out []models.StampedStation
	for rows.Next() {
		var record []byte
		var fetchedAt time.Time
		if err := rows.Scan(&record, &fetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan station row: %w", err)
		}
		var station models.Station
		if err := json.Unmarshal(record, &station); err != nil {
			return nil, fmt.Errorf("failed to decode station row: %w", err)
		}
		out = append(out, models.StampedStation{Station: station, FetchedAt: fetchedAt})
	}
	return out, rows.Err()
}

// ReadFavorites returns the persisted favorites in sort order. A store
// with no favorites yet yields an empty list.
func (s *Store) ReadFavorites(ctx context.Context) ([]models.Favorite, error) {
	return readFavorites(ctx, s.db)
}

func readFavorites(ctx context.Context, q dbtx) ([]models.Favorite, error) {
	value, _, ok, err := readKV(ctx, q, keyFavorites)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []models.Favorite{}, nil
	}

	var favorites []models.Favorite
	if err := json.Unmarshal(value, &favorites); err != nil {
		return nil, fmt.Errorf("failed to decode favorites: %w", err)
	}
	return favorites, nil
}

// WriteFavorites replaces the persisted favorites list and rebuilds
// the last-known-good snapshot around it.
func (s *Store) WriteFavorites(ctx context.Context, favorites []models.Favorite) error {
	value, err := json.Marshal(favorites)
	if err != nil {
		return fmt.Errorf("failed to encode favorites: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertKV(ctx, tx, keyFavorites, value, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write favorites: %w", err)
	}
	if err := s.rebuildLastKnownGood(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit favorites: %w", err)
	}

	s.publish(Event{Kind: EventFavoritesChanged})
	return nil
}

// PrimaryStationID returns the persisted primary-station pointer.
func (s *Store) PrimaryStationID(ctx context.Context) (string, bool, error) {
	value, _, ok, err := readKV(ctx, s.db, keyPrimaryID)
	if err != nil || !ok {
		return "", false, err
	}
	return string(value), true, nil
}

// SetPrimaryStationID repoints the primary station.
func (s *Store) SetPrimaryStationID(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertKV(ctx, tx, keyPrimaryID, []byte(id), s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write primary station id: %w", err)
	}
	if err := s.rebuildLastKnownGood(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit primary station id: %w", err)
	}

	s.publish(Event{Kind: EventPrimaryChanged, StationID: id})
	return nil
}

// ReadSnapshot assembles the current shared view: the primary station,
// favorite stations in order, and per-station fetch times. Stations
// never fetched are simply absent.
func (s *Store) ReadSnapshot(ctx context.Context) (models.Snapshot, error) {
	return assembleSnapshot(ctx, s.db)
}

func assembleSnapshot(ctx context.Context, q dbtx) (models.Snapshot, error) {
	snap := models.Snapshot{
		FavoriteStations: []models.Station{},
		FetchedAt:        make(map[string]time.Time),
	}

	favorites, err := readFavorites(ctx, q)
	if err != nil {
		return models.Snapshot{}, err
	}
	for _, fav := range favorites {
		stamped, ok, err := readStation(ctx, q, fav.ID)
		if err != nil {
			return models.Snapshot{}, err
		}
		if !ok {
			continue
		}
		snap.FavoriteStations = append(snap.FavoriteStations, stamped.Station)
		snap.FetchedAt[fav.ID] = stamped.FetchedAt
	}

	value, _, ok, err := readKV(ctx, q, keyPrimaryID)
	if err != nil {
		return models.Snapshot{}, err
	}
	if ok {
		primaryID := string(value)
		stamped, found, err := readStation(ctx, q, primaryID)
		if err != nil {
			return models.Snapshot{}, err
		}
		if found {
			snap.Primary = &stamped
			snap.FetchedAt[primaryID] = stamped.FetchedAt
		}
	}

	return snap, nil
}

func (s *Store) rebuildLastKnownGood(ctx context.Context, tx *sql.Tx) error {
	snap, err := assembleSnapshot(ctx, tx)
	if err != nil {
		return fmt.Errorf("failed to assemble snapshot: %w", err)
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := upsertKV(ctx, tx, keyLastKnownGood, blob, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write last-known-good snapshot: %w", err)
	}
	return nil
}

// LastKnownGood returns the stored snapshot if it is still young
// enough to serve as a fallback. The second return is when it was
// stored.
func (s *Store) LastKnownGood(ctx context.Context) (models.Snapshot, time.Time, bool, error) {
	value, updatedAt, ok, err := readKV(ctx, s.db, keyLastKnownGood)
	if err != nil || !ok {
		return models.Snapshot{}, time.Time{}, false, err
	}

	if s.clock.Since(updatedAt) >= s.fallbackMaxAge {
		return models.Snapshot{}, time.Time{}, false, nil
	}

	var snap models.Snapshot
	if err := json.Unmarshal(value, &snap); err != nil {
		return models.Snapshot{}, time.Time{}, false, fmt.Errorf("failed to decode last-known-good snapshot: %w", err)
	}
	return snap, updatedAt, true, nil
}

// RequestRefresh posts req to the shared mailbox, replacing any
// not-yet-consumed request. Newest wins.
func (s *Store) RequestRefresh(ctx context.Context, req models.RefreshRequest) error {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = s.clock.Now().UTC()
	}

	value, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode refresh request: %w", err)
	}
	if err := upsertKV(ctx, s.db, keyRefreshReq, value, s.clock.Now().UTC()); err != nil {
		return fmt.Errorf("failed to post refresh request: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RefreshRequestsPosted.Inc()
	}
	return nil
}

// ConsumeRefreshRequest atomically takes the pending mailbox request,
// if any. At most one caller across all processes gets a given
// request.
func (s *Store) ConsumeRefreshRequest(ctx context.Context) (models.RefreshRequest, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM kv WHERE key = ? RETURNING value`, keyRefreshReq).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RefreshRequest{}, false, nil
	}
	if err != nil {
		return models.RefreshRequest{}, false, fmt.Errorf("failed to consume refresh request: %w", err)
	}

	var req models.RefreshRequest
	if err := json.Unmarshal(value, &req); err != nil {
		return models.RefreshRequest{}, false, fmt.Errorf("failed to decode refresh request: %w", err)
	}
	return req, true, nil
}

// Binding returns the station bound to a widget slot.
func (s *Store) Binding(ctx context.Context, slot int) (string, bool, error) {
	if slot < 0 {
		return "", false, fmt.Errorf("widget slot must not be negative, got %d", slot)
	}
	value, _, ok, err := readKV(ctx, s.db, bindingKey(slot))
	if err != nil || !ok {
		return "", false, err
	}
	return string(value), true, nil
}

// SetBinding binds a widget slot to a station. An empty stationID
// clears the binding.
func (s *Store) SetBinding(ctx context.Context, slot int, stationID string) error {
	if slot < 0 {
		return fmt.Errorf("widget slot must not be negative, got %d", slot)
	}

	if stationID == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, bindingKey(slot)); err != nil {
			return fmt.Errorf("failed to clear binding for slot %d: %w", slot, err)
		}
	} else {
		if err := upsertKV(ctx, s.db, bindingKey(slot), []byte(stationID), s.clock.Now().UTC()); err != nil {
			return fmt.Errorf("failed to write binding for slot %d: %w", slot, err)
		}
	}

	s.publish(Event{Kind: EventBindingChanged, StationID: stationID, Slot: slot})
	return nil
}

// Bindings returns every bound widget slot.
func (s *Store) Bindings(ctx context.Context) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE ?`, keyBindingPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer logging.SafeCloseWithLogging(rows, s.logger, "binding_rows")

	bindings := make(map[int]string)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan binding row: %w", err)
		}
		slot, err := strconv.Atoi(strings.TrimPrefix(key, keyBindingPrefix))
		if err != nil {
			continue
		}
		bindings[slot] = string(value)
	}
	return bindings, rows.Err()
}

// PruneUnreferenced deletes station rows that are not a favorite, not
// the primary station, and not bound to any widget slot. Returns how
// many rows were removed.
func (s *Store) PruneUnreferenced(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	referenced := make(map[string]struct{})

	favorites, err := readFavorites(ctx, tx)
	if err != nil {
		return 0, err
	}
	for _, fav := range favorites {
		referenced[fav.ID] = struct{}{}
	}

	if value, _, ok, err := readKV(ctx, tx, keyPrimaryID); err != nil {
		return 0, err
	} else if ok {
		referenced[string(value)] = struct{}{}
	}

	rows, err := tx.QueryContext(ctx, `SELECT value FROM kv WHERE key LIKE ?`, keyBindingPrefix+"%")
	if err != nil {
		return 0, fmt.Errorf("failed to list bindings: %w", err)
	}
	for rows.Next() {
		var value []byte
		if err := rows.Scan(&value); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan binding row: %w", err)
		}
		referenced[string(value)] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	query := `DELETE FROM stations`
	args := make([]any, 0, len(referenced))
	if len(referenced) > 0 {
		placeholders := make([]string, 0, len(referenced))
		for id := range referenced {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		query += ` WHERE id NOT IN (` + strings.Join(placeholders, ", ") + `)`
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune stations: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	if pruned > 0 {
		logging.LogOperation(s.logger, "pruned_unreferenced_stations", slog.Int64("count", pruned))
	}
	return pruned, nil
}

func readKV(ctx context.Context, q dbtx, key string) ([]byte, time.Time, bool, error) {
	var value []byte
	var updatedAt time.Time
	err := q.QueryRowContext(ctx, `SELECT value, updated_at FROM kv WHERE key = ?`, key).
		Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, false, nil
	}
	if err != nil {
		return nil, time.Time{}, false, fmt.Errorf("failed to read kv %s: %w", key, err)
	}
	return value, updatedAt, true, nil
}

func upsertKV(ctx context.Context, q dbtx, key string, value []byte, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

func bindingKey(slot int) string {
	return keyBindingPrefix + strconv.Itoa(slot)
}

func (s *Store) writeOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.StoreWritesTotal.WithLabelValues(outcome).Inc()
	}
}
