package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"weathercache/internal/errkind"
	"weathercache/internal/filter"
	"weathercache/internal/metrics"
	"weathercache/internal/models"
)

// LocationMeta is the optional metadata attached to a location.
type LocationMeta struct {
	Country   *string
	Latitude  *float64
	Longitude *float64
}

// Or returns m with its unset fields taken from other.
func (m LocationMeta) Or(other LocationMeta) LocationMeta {
	if m.Country == nil || *m.Country == "" {
		m.Country = other.Country
	}
	if m.Latitude == nil {
		m.Latitude = other.Latitude
	}
	if m.Longitude == nil {
		m.Longitude = other.Longitude
	}
	return m
}

// UpsertLocation inserts the location when absent. An existing row only gets
// the fields it does not have yet; populated fields are never overwritten.
func (db *DB) UpsertLocation(ctx context.Context, name string, meta LocationMeta) (*models.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errkind.Newf(errkind.Validation, "", "location name is empty")
	}

	unlock := db.lockLocation(name)
	defer unlock()

	var loc *models.Location
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		loc, err = upsertLocationTx(ctx, tx, name, meta, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	return loc, nil
}

func upsertLocationTx(ctx context.Context, tx *sql.Tx, name string, meta LocationMeta, now time.Time) (*models.Location, error) {
	if meta.Country != nil && strings.TrimSpace(*meta.Country) == "" {
		meta.Country = nil
	}

	existing, err := getLocation(ctx, tx, name)
	if err != nil && !errkind.Is(err, errkind.NotFound) {
		return nil, err
	}

	if existing == nil {
		res, err := execTimed(ctx, tx, "INSERT", "locations",
			`INSERT INTO locations (name, country, latitude, longitude, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			name, nullString(meta.Country), nullFloat(meta.Latitude), nullFloat(meta.Longitude), now.Unix(), now.Unix())
		if err != nil {
			return nil, fmt.Errorf("failed to insert location %s: %w", name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read location id: %w", err)
		}
		return &models.Location{
			ID:        id,
			Name:      name,
			Country:   meta.Country,
			Latitude:  meta.Latitude,
			Longitude: meta.Longitude,
		}, nil
	}

	filled := LocationMeta{
		Country:   existing.Country,
		Latitude:  existing.Latitude,
		Longitude: existing.Longitude,
	}.Or(meta)
	if filled.Country == existing.Country && filled.Latitude == existing.Latitude && filled.Longitude == existing.Longitude {
		return existing, nil
	}

	_, err = execTimed(ctx, tx, "UPDATE", "locations",
		`UPDATE locations SET country = ?, latitude = ?, longitude = ?, updated_at = ? WHERE id = ?`,
		nullString(filled.Country), nullFloat(filled.Latitude), nullFloat(filled.Longitude), now.Unix(), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update location %s: %w", name, err)
	}
	existing.Country = filled.Country
	existing.Latitude = filled.Latitude
	existing.Longitude = filled.Longitude
	return existing, nil
}

// GetLocation returns the named location or a NotFound error.
func (db *DB) GetLocation(ctx context.Context, name string) (*models.Location, error) {
	return getLocation(ctx, db.conn, name)
}

func getLocation(ctx context.Context, q queryer, name string) (*models.Location, error) {
	start := time.Now()
	row := q.QueryRowContext(ctx,
		`SELECT id, name, country, latitude, longitude FROM locations WHERE name = ?`, name)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
		loc = nil
	}
	metrics.RecordDBQuery("SELECT", "locations", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get location %s: %w", name, err)
	}
	if loc == nil {
		return nil, errkind.Newf(errkind.NotFound, name, "location not found")
	}
	return loc, nil
}

// ListLocations returns the locations matching expr in insertion order. A nil
// expr returns every location.
func (db *DB) ListLocations(ctx context.Context, expr filter.Expr) ([]models.Location, error) {
	locs, err := listLocations(ctx, db.conn)
	if err != nil {
		return nil, err
	}
	return filter.Select(expr, locs), nil
}

func listLocations(ctx context.Context, q queryer) ([]models.Location, error) {
	rows, err := queryTimed(ctx, q, "locations",
		`SELECT id, name, country, latitude, longitude FROM locations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locations: %w", err)
	}
	defer rows.Close()

	var locations []models.Location
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		locations = append(locations, *loc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}

	return locations, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(s scanner) (*models.Location, error) {
	var (
		loc     models.Location
		country sql.NullString
		lat     sql.NullFloat64
		lon     sql.NullFloat64
	)
	if err := s.Scan(&loc.ID, &loc.Name, &country, &lat, &lon); err != nil {
		return nil, err
	}
	if country.Valid && country.String != "" {
		c := country.String
		loc.Country = &c
	}
	if lat.Valid {
		v := lat.Float64
		loc.Latitude = &v
	}
	if lon.Valid {
		v := lon.Float64
		loc.Longitude = &v
	}
	return &loc, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil || models.IsMissing(*f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
