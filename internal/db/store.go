package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const PlaceUnknown = "Unknown"

type Store struct {
	DB *sql.DB
}

// PhotoRecord is one bird_photos row. Identifier is the natural key used for reconciliation.
type PhotoRecord struct {
	ID                 int64           `json:"id"`
	Identifier         string          `json:"image_filename"`
	CaptureTime        sql.NullString  `json:"date_taken"`
	PlaceName          string          `json:"location"`
	Latitude           sql.NullFloat64 `json:"latitude"`
	Longitude          sql.NullFloat64 `json:"longitude"`
	SpeciesSuggestions sql.NullString  `json:"species_suggestions"`
	Checksum           sql.NullString  `json:"checksum"`
	Source             string          `json:"source"`
	CreatedAt          string          `json:"created_at"`
}

// PhotoListing is a photo joined with the common names of its linked species.
type PhotoListing struct {
	PhotoRecord
	SpeciesNames string `json:"species_names"`
}

type Species struct {
	ID             int64          `json:"id"`
	CommonName     string         `json:"common_name"`
	ScientificName sql.NullString `json:"scientific_name"`
	Description    sql.NullString `json:"description"`
	Family         sql.NullString `json:"family"`
	OrderName      sql.NullString `json:"order_name"`
	Status         sql.NullString `json:"status"`
}

type AISuggestion struct {
	ID                 int64  `json:"id"`
	Identifier         string `json:"image_filename"`
	SpeciesSuggestions string `json:"species_suggestions"`
}

type AuditRecord struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Actor   string `json:"actor"`
	Action  string `json:"action"`
	Details string `json:"details"`
	Hash    string `json:"hash"`
}

type GeocodeCacheEntry struct {
	Provider   string
	Language   string
	GeocodeKey string
	City       string
	Country    string
	Display    string
	RawJSON    string
}

var ErrNotFound = errors.New("not found")

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// foreign_keys is per connection, so it rides on the DSN rather than a one-off PRAGMA.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetConnMaxIdleTime(1 * time.Minute)
	db.SetMaxIdleConns(1)
	db.SetMaxOpenConns(1)

	store := &Store{DB: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.DB.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bird_species (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			common_name TEXT NOT NULL UNIQUE,
			scientific_name TEXT,
			description TEXT,
			family TEXT,
			order_name TEXT,
			status TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS bird_photos (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			image_filename TEXT NOT NULL UNIQUE,
			date_taken TEXT,
			location TEXT NOT NULL DEFAULT 'Unknown',
			latitude REAL,
			longitude REAL,
			species_suggestions TEXT,
			checksum TEXT,
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bird_photos_date_taken ON bird_photos(date_taken);`,
		`CREATE TABLE IF NOT EXISTS bird_photo_species (
			photo_id INTEGER NOT NULL,
			species_id INTEGER NOT NULL,
			PRIMARY KEY (photo_id, species_id),
			FOREIGN KEY (photo_id) REFERENCES bird_photos(id) ON DELETE CASCADE,
			FOREIGN KEY (species_id) REFERENCES bird_species(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS geocode_cache (
			provider TEXT NOT NULL,
			language TEXT NOT NULL,
			geocode_key TEXT NOT NULL,
			city TEXT NOT NULL,
			country TEXT NOT NULL,
			display_name TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (provider, language, geocode_key)
		);`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			details_json TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}
	return nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now,
	)
	return err
}

// ListIdentifiers returns every catalog identifier, sorted.
func (s *Store) ListIdentifiers(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT image_filename FROM bird_photos ORDER BY image_filename`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertPhoto adds a row unless the identifier is already cataloged. It reports whether a row
// was written.
func (s *Store) InsertPhoto(ctx context.Context, rec *PhotoRecord) (bool, error) {
	place := strings.TrimSpace(rec.PlaceName)
	if place == "" {
		place = PlaceUnknown
	}
	createdAt := rec.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	res, err := s.DB.ExecContext(ctx,
		`INSERT INTO bird_photos (
			image_filename, date_taken, location, latitude, longitude,
			species_suggestions, checksum, source, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_filename) DO NOTHING`,
		rec.Identifier,
		nullStringToAny(rec.CaptureTime),
		place,
		nullFloatToAny(rec.Latitude),
		nullFloatToAny(rec.Longitude),
		nullStringToAny(rec.SpeciesSuggestions),
		nullStringToAny(rec.Checksum),
		rec.Source,
		createdAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	rec.PlaceName = place
	rec.CreatedAt = createdAt
	return true, nil
}

// DeletePhoto removes the row for identifier; species links go with it.
func (s *Store) DeletePhoto(ctx context.Context, identifier string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM bird_photos WHERE image_filename = ?`, identifier)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetPhotoByIdentifier(ctx context.Context, identifier string) (*PhotoRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, image_filename, date_taken, location, latitude, longitude,
		       species_suggestions, checksum, source, created_at
		FROM bird_photos WHERE image_filename = ?
	`, identifier)
	rec, err := scanPhoto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) GetPhotoByID(ctx context.Context, id int64) (*PhotoRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, image_filename, date_taken, location, latitude, longitude,
		       species_suggestions, checksum, source, created_at
		FROM bird_photos WHERE id = ?
	`, id)
	rec, err := scanPhoto(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func (s *Store) CountPhotos(ctx context.Context) (int, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM bird_photos`)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ListPhotos returns photos newest capture first, each with its linked species names joined by
// ", " or "Unknown" when none are linked.
func (s *Store) ListPhotos(ctx context.Context, limit, offset int) ([]PhotoListing, error) {
	if limit <= 0 || limit > 5000 {
		limit = 1000
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.id, p.image_filename, p.date_taken, p.location, p.latitude, p.longitude,
		       p.species_suggestions, p.checksum, p.source, p.created_at,
		       COALESCE(GROUP_CONCAT(sp.common_name, ', '), 'Unknown') AS species_names
		FROM bird_photos p
		LEFT JOIN bird_photo_species ps ON ps.photo_id = p.id
		LEFT JOIN bird_species sp ON sp.id = ps.species_id
		GROUP BY p.id
		ORDER BY p.date_taken DESC, p.id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PhotoListing, 0)
	for rows.Next() {
		var item PhotoListing
		rec := &item.PhotoRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Identifier,
			&rec.CaptureTime,
			&rec.PlaceName,
			&rec.Latitude,
			&rec.Longitude,
			&rec.SpeciesSuggestions,
			&rec.Checksum,
			&rec.Source,
			&rec.CreatedAt,
			&item.SpeciesNames,
		); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) ListAISuggestions(ctx context.Context) ([]AISuggestion, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, image_filename, species_suggestions
		FROM bird_photos
		WHERE species_suggestions IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AISuggestion, 0)
	for rows.Next() {
		var item AISuggestion
		if err := rows.Scan(&item.ID, &item.Identifier, &item.SpeciesSuggestions); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// PlaceTodo is a photo with coordinates whose place name never resolved.
type PlaceTodo struct {
	ID         int64
	Identifier string
	PlaceName  string
	Lat        float64
	Lon        float64
}

// ListPlaceTodos returns photos with GPS whose location is one of placeholders, oldest first.
func (s *Store) ListPlaceTodos(ctx context.Context, placeholders []string, limit int) ([]PlaceTodo, error) {
	if len(placeholders) == 0 {
		return []PlaceTodo{}, nil
	}
	if limit <= 0 {
		limit = -1
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(placeholders)), ",")
	args := make([]any, 0, len(placeholders)+1)
	for _, p := range placeholders {
		args = append(args, p)
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, image_filename, location, latitude, longitude
		FROM bird_photos
		WHERE latitude IS NOT NULL AND longitude IS NOT NULL AND location IN (`+marks+`)
		ORDER BY id
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PlaceTodo, 0)
	for rows.Next() {
		var t PlaceTodo
		if err := rows.Scan(&t.ID, &t.Identifier, &t.PlaceName, &t.Lat, &t.Lon); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdatePhotoLocation is the manual edit path; reconciliation never calls it.
func (s *Store) UpdatePhotoLocation(ctx context.Context, photoID int64, location string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE bird_photos SET location = ? WHERE id = ?`, location, photoID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetSpeciesByCommonName(ctx context.Context, commonName string) (*Species, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, common_name, scientific_name, description, family, order_name, status
		FROM bird_species WHERE common_name = ? COLLATE NOCASE
	`, strings.TrimSpace(commonName))
	var sp Species
	if err := row.Scan(&sp.ID, &sp.CommonName, &sp.ScientificName, &sp.Description, &sp.Family, &sp.OrderName, &sp.Status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sp, nil
}

func (s *Store) CreateSpecies(ctx context.Context, commonName string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `INSERT INTO bird_species (common_name) VALUES (?)`, strings.TrimSpace(commonName))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) ListSpecies(ctx context.Context) ([]Species, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, common_name, scientific_name, description, family, order_name, status
		FROM bird_species ORDER BY common_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Species, 0)
	for rows.Next() {
		var sp Species
		if err := rows.Scan(&sp.ID, &sp.CommonName, &sp.ScientificName, &sp.Description, &sp.Family, &sp.OrderName, &sp.Status); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSpeciesTaxonomy(ctx context.Context, id int64, scientificName, family, orderName, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE bird_species
		SET scientific_name = ?, family = ?, order_name = ?, status = ?
		WHERE id = ?
	`, toNullable(scientificName), toNullable(family), toNullable(orderName), toNullable(status), id)
	return err
}

// LinkSpecies associates a photo with a species; linking twice is a no-op.
func (s *Store) LinkSpecies(ctx context.Context, photoID, speciesID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO bird_photo_species (photo_id, species_id) VALUES (?, ?)`,
		photoID, speciesID,
	)
	return err
}

func (s *Store) UnlinkSpecies(ctx context.Context, photoID, speciesID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM bird_photo_species WHERE photo_id = ? AND species_id = ?`,
		photoID, speciesID,
	)
	return err
}

func (s *Store) LinkedSpecies(ctx context.Context, photoID int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT sp.common_name FROM bird_photo_species ps
		JOIN bird_species sp ON sp.id = ps.species_id
		WHERE ps.photo_id = ?
	`, photoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, rows.Err()
}

func (s *Store) GetGeocodeCache(ctx context.Context, provider, language, key string) (*GeocodeCacheEntry, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT provider, language, geocode_key, city, country, display_name, raw_json
		FROM geocode_cache WHERE provider = ? AND language = ? AND geocode_key = ?
	`, provider, language, key)
	var e GeocodeCacheEntry
	if err := row.Scan(&e.Provider, &e.Language, &e.GeocodeKey, &e.City, &e.Country, &e.Display, &e.RawJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return &e, true, nil
}

func (s *Store) UpsertGeocodeCache(ctx context.Context, e *GeocodeCacheEntry) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO geocode_cache (provider, language, geocode_key, city, country, display_name, raw_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(provider, language, geocode_key) DO UPDATE SET
			city = excluded.city,
			country = excluded.country,
			display_name = excluded.display_name,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at
	`, e.Provider, e.Language, e.GeocodeKey, e.City, e.Country, e.Display, e.RawJSON, now)
	return err
}

func (s *Store) InsertAudit(ctx context.Context, ts, actor, action string, details any, prevHash, entryHash string) error {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO audit_logs (ts, actor, action, details_json, prev_hash, entry_hash) VALUES (?, ?, ?, ?, ?, ?)`,
		ts, actor, action, string(detailsJSON), prevHash, entryHash,
	)
	return err
}

func (s *Store) LastAuditHash(ctx context.Context) (string, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT entry_hash FROM audit_logs ORDER BY id DESC LIMIT 1`)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return hash, nil
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 200
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, ts, actor, action, details_json, entry_hash
		FROM audit_logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditRecord, 0)
	for rows.Next() {
		var rec AuditRecord
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.Actor, &rec.Action, &rec.Details, &rec.Hash); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AuditLink is an audit row with the fields the hash chain covers.
type AuditLink struct {
	ID          int64
	TS          string
	Actor       string
	Action      string
	DetailsJSON string
	PrevHash    string
	Hash        string
}

// AuditChain returns every audit row oldest first.
func (s *Store) AuditChain(ctx context.Context) ([]AuditLink, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, ts, actor, action, details_json, prev_hash, entry_hash
		FROM audit_logs ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AuditLink, 0)
	for rows.Next() {
		var l AuditLink
		if err := rows.Scan(&l.ID, &l.TS, &l.Actor, &l.Action, &l.DetailsJSON, &l.PrevHash, &l.Hash); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhoto(row rowScanner) (*PhotoRecord, error) {
	var rec PhotoRecord
	if err := row.Scan(
		&rec.ID,
		&rec.Identifier,
		&rec.CaptureTime,
		&rec.PlaceName,
		&rec.Latitude,
		&rec.Longitude,
		&rec.SpeciesSuggestions,
		&rec.Checksum,
		&rec.Source,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &rec, nil
}

func toNullable(v string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return v
}

func nullFloatToAny(v sql.NullFloat64) any {
	if v.Valid {
		return v.Float64
	}
	return nil
}

func nullStringToAny(v sql.NullString) any {
	if v.Valid {
		return v.String
	}
	return nil
}
