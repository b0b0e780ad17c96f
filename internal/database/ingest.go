package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"weathercache/internal/archive"
	"weathercache/internal/errkind"
	"weathercache/internal/metrics"
	"weathercache/internal/models"
)

// insertBatchRows keeps a multi-row insert under SQLite's bound parameter limit.
const insertBatchRows = 200

// Source identifies the raw dataset file an ingest replays.
type Source struct {
	FileName string
	Size     int64
}

// IngestInput is one location's replacement observation set.
type IngestInput struct {
	Name   string
	Meta   LocationMeta
	Series *models.Series
	Source Source
}

// IngestResult reports what an ingest wrote.
type IngestResult struct {
	Location     *models.Location
	Observations int
}

// MetaFromDataset returns the metadata a parsed dataset carries.
func MetaFromDataset(ds *archive.Dataset) LocationMeta {
	if ds == nil {
		return LocationMeta{}
	}
	return LocationMeta{Country: ds.Country, Latitude: ds.Latitude, Longitude: ds.Longitude}
}

// Ingest replaces every observation of the location with in.Series in one
// transaction, creating or filling the location row and recording the source
// file. Ingesting the same series twice leaves the same state.
func (db *DB) Ingest(ctx context.Context, in IngestInput) (*IngestResult, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, errkind.Newf(errkind.Validation, in.Source.FileName, "location name is empty")
	}

	unlock := db.lockLocation(in.Name)
	defer unlock()

	start := time.Now()
	var result *IngestResult
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = ingestTx(ctx, tx, in, time.Now())
		return err
	})
	metrics.RecordIngest(time.Since(start), err)
	if err != nil {
		return nil, err
	}

	db.log.Info("Ingested dataset",
		zap.String("location", in.Name),
		zap.String("file", in.Source.FileName),
		zap.Int("observations", result.Observations),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func ingestTx(ctx context.Context, tx *sql.Tx, in IngestInput, now time.Time) (*IngestResult, error) {
	loc, err := upsertLocationTx(ctx, tx, in.Name, in.Meta, now)
	if err != nil {
		return nil, err
	}

	if _, err := execTimed(ctx, tx, "DELETE", "observations",
		`DELETE FROM observations WHERE location_id = ?`, loc.ID); err != nil {
		return nil, fmt.Errorf("failed to clear observations of %s: %w", in.Name, err)
	}

	n, err := insertObservations(ctx, tx, loc.ID, in.Series)
	if err != nil {
		return nil, fmt.Errorf("failed to store observations of %s: %w", in.Name, err)
	}

	if in.Source.FileName != "" {
		if err := recordSource(ctx, tx, loc.ID, in.Source, now); err != nil {
			return nil, err
		}
	}

	return &IngestResult{Location: loc, Observations: n}, nil
}

func recordSource(ctx context.Context, tx *sql.Tx, locationID int64, src Source, now time.Time) error {
	if _, err := execTimed(ctx, tx, "DELETE", "source_files",
		`DELETE FROM source_files WHERE filename = ?`, src.FileName); err != nil {
		return fmt.Errorf("failed to clear source record %s: %w", src.FileName, err)
	}
	if _, err := execTimed(ctx, tx, "INSERT", "source_files",
		`INSERT INTO source_files (filename, location_id, size_bytes, ingested_at) VALUES (?, ?, ?, ?)`,
		src.FileName, locationID, src.Size, now.Unix()); err != nil {
		return fmt.Errorf("failed to record source file %s: %w", src.FileName, err)
	}
	return nil
}

// insertObservations writes one row per (timestamp, variable) cell, missing
// values as NULL, so the timestamp axis survives a round trip.
func insertObservations(ctx context.Context, tx *sql.Tx, locationID int64, s *models.Series) (int, error) {
	if s.Len() == 0 {
		return 0, nil
	}
	vars := s.Variables()

	full, err := tx.PrepareContext(ctx, insertStatement(insertBatchRows))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer full.Close()

	args := make([]any, 0, insertBatchRows*4)
	rows, total := 0, 0
	flush := func(stmt *sql.Stmt) error {
		start := time.Now()
		_, err := stmt.ExecContext(ctx, args...)
		metrics.RecordDBQuery("INSERT", "observations", time.Since(start), err)
		total += rows
		args, rows = args[:0], 0
		return err
	}

	for i, ts := range s.Timestamps {
		unix := ts.Unix()
		for _, v := range vars {
			val := s.Columns[v][i]
			args = append(args, locationID, unix, v, nullFloat(&val))
			rows++
			if rows == insertBatchRows {
				if err := flush(full); err != nil {
					return total, err
				}
			}
		}
	}

	if rows > 0 {
		tail, err := tx.PrepareContext(ctx, insertStatement(rows))
		if err != nil {
			return total, fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer tail.Close()
		if err := flush(tail); err != nil {
			return total, err
		}
	}
	return total, nil
}

func insertStatement(rows int) string {
	var b strings.Builder
	b.WriteString(`INSERT INTO observations (location_id, ts, variable, value) VALUES `)
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?)")
	}
	return b.String()
}

// LoadSeries returns every observation of the location aligned on timestamp.
// A location without observations yields an empty series.
func (db *DB) LoadSeries(ctx context.Context, name string) (*models.Series, error) {
	loc, err := db.GetLocation(ctx, name)
	if err != nil {
		return nil, err
	}

	rows, err := queryTimed(ctx, db.conn, "observations",
		`SELECT ts, variable, value FROM observations WHERE location_id = ? ORDER BY ts, variable`, loc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations of %s: %w", name, err)
	}
	defer rows.Close()

	var obs []models.Observation
	for rows.Next() {
		var (
			ts    int64
			v     string
			value sql.NullFloat64
		)
		if err := rows.Scan(&ts, &v, &value); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o := models.Observation{
			LocationName: loc.Name,
			Timestamp:    time.Unix(ts, 0).UTC(),
			Variable:     v,
			Value:        models.Missing(),
		}
		if value.Valid {
			o.Value = value.Float64
		}
		obs = append(obs, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}

	return models.SeriesFromObservations(obs), nil
}

// CountObservations returns the number of observation rows of a location.
func (db *DB) CountObservations(ctx context.Context, name string) (int64, error) {
	loc, err := db.GetLocation(ctx, name)
	if err != nil {
		return 0, err
	}
	return countObservations(ctx, db.conn, loc.ID)
}

func countObservations(ctx context.Context, q queryer, locationID int64) (int64, error) {
	start := time.Now()
	var n int64
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations WHERE location_id = ?`, locationID).Scan(&n)
	metrics.RecordDBQuery("SELECT", "observations", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return n, nil
}
