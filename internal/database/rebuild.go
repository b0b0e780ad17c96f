package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"weathercache/internal/archive"
	"weathercache/internal/errkind"
	"weathercache/internal/metrics"
	"weathercache/internal/storage"
)

// SkippedFile is a raw dataset file a rebuild could not replay.
type SkippedFile struct {
	File   string `json:"file"`
	Status string `json:"status"`
	Class  string `json:"class"`
	Reason string `json:"reason"`
}

// RebuildSummary reports a RebuildAll pass.
type RebuildSummary struct {
	Rebuilt           int           `json:"rebuilt"`
	SkippedInvalid    int           `json:"skipped_invalid"`
	SkippedUnreadable int           `json:"skipped_unreadable"`
	Skipped           []SkippedFile `json:"skipped,omitempty"`
	Observations      int           `json:"observations"`
	// Superseded lists files whose location was already rebuilt from an
	// earlier file in the same pass. They stay recorded as sources.
	Superseded        []string      `json:"superseded,omitempty"`
	// Empty lists locations left without observations. They are kept, with
	// their metadata, until deleted explicitly.
	Empty             []string      `json:"empty,omitempty"`
}

// Discovered is the total number of files considered.
func (s *RebuildSummary) Discovered() int {
	return s.Rebuilt + s.SkippedInvalid + s.SkippedUnreadable + len(s.Superseded)
}

// RebuildAll replays every raw dataset file under sourceRoot (the store's data
// directory when empty) into the cache. Observations and source records are
// cleared first, locations are not. The whole pass is one transaction: on
// failure the cache keeps its previous contents.
func (db *DB) RebuildAll(ctx context.Context, sourceRoot string) (*RebuildSummary, error) {
	if sourceRoot == "" {
		sourceRoot = db.dataDir
	}

	db.gate.Lock()
	defer db.gate.Unlock()

	start := time.Now()
	files, err := storage.Discover(sourceRoot)
	if err != nil {
		return nil, errkind.New(errkind.IO, sourceRoot, err)
	}

	summary := &RebuildSummary{}
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		names, err := db.sourceNames(ctx, tx)
		if err != nil {
			return err
		}

		if _, err := execTimed(ctx, tx, "DELETE", "observations", `DELETE FROM observations`); err != nil {
			return fmt.Errorf("failed to clear observations: %w", err)
		}
		if _, err := execTimed(ctx, tx, "DELETE", "source_files", `DELETE FROM source_files`); err != nil {
			return fmt.Errorf("failed to clear source records: %w", err)
		}

		now := time.Now()
		rebuilt := make(map[string]int64)
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}

			res := archive.Parse(f.Path)
			if res.Status != archive.Valid {
				summary.skip(f, res)
				db.log.Warn("Skipping dataset",
					zap.String("file", f.Name),
					zap.String("status", res.Status.String()),
					zap.String("reason", res.Reason()))
				continue
			}

			name := names.resolve(f)
			if id, done := rebuilt[name]; done {
				if err := recordSource(ctx, tx, id, Source{FileName: f.Name, Size: f.Size}, now); err != nil {
					return err
				}
				summary.Superseded = append(summary.Superseded, f.Name)
				db.log.Info("Dataset superseded by an earlier file",
					zap.String("file", f.Name), zap.String("location", name))
				continue
			}

			in := IngestInput{
				Name:   name,
				Meta:   MetaFromDataset(res.Dataset).Or(metaFromStem(f.Stem)),
				Series: res.Dataset.Series,
				Source: Source{FileName: f.Name, Size: f.Size},
			}
			ir, err := ingestTx(ctx, tx, in, now)
			if err != nil {
				return err
			}
			names.claim(f.Name, name)
			rebuilt[name] = ir.Location.ID
			summary.Rebuilt++
			summary.Observations += ir.Observations
		}

		summary.Empty, err = emptyLocations(ctx, tx)
		return err
	})
	metrics.RecordRebuild(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("rebuild failed: %w", err)
	}

	db.log.Info("Rebuilt cache",
		zap.Int("rebuilt", summary.Rebuilt),
		zap.Int("skipped_invalid", summary.SkippedInvalid),
		zap.Int("skipped_unreadable", summary.SkippedUnreadable),
		zap.Int("empty_locations", len(summary.Empty)),
		zap.Duration("duration", time.Since(start)))
	return summary, nil
}

func (s *RebuildSummary) skip(f storage.DataFile, res archive.Result) {
	switch res.Status {
	case archive.Unreadable:
		s.SkippedUnreadable++
	default:
		s.SkippedInvalid++
	}
	s.Skipped = append(s.Skipped, SkippedFile{
		File:   f.Name,
		Status: res.Status.String(),
		Class:  errkind.KindOf(res.Err).String(),
		Reason: res.Reason(),
	})
}

func metaFromStem(stem string) LocationMeta {
	info := storage.ParseStem(stem)
	return LocationMeta{Latitude: info.Latitude, Longitude: info.Longitude}
}

// nameResolver maps a dataset file to the location it feeds: the location a
// previous ingest recorded for the file, else an existing location with the
// same slug, else a display name derived from the file name.
type nameResolver struct {
	byFile map[string]string
	bySlug map[string]string
}

func (r *nameResolver) resolve(f storage.DataFile) string {
	if name, ok := r.byFile[f.Name]; ok {
		return name
	}
	if name, ok := r.bySlug[storage.ParseStem(f.Stem).Slug]; ok {
		return name
	}
	return storage.FriendlyName(f.Stem)
}

func (r *nameResolver) claim(file, name string) {
	r.byFile[file] = name
	slug := storage.Slugify(name)
	if _, ok := r.bySlug[slug]; !ok {
		r.bySlug[slug] = name
	}
}

func (db *DB) sourceNames(ctx context.Context, tx *sql.Tx) (*nameResolver, error) {
	r := &nameResolver{byFile: make(map[string]string), bySlug: make(map[string]string)}

	rows, err := queryTimed(ctx, tx, "source_files",
		`SELECT s.filename, l.name FROM source_files s JOIN locations l ON l.id = s.location_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var file, name string
		if err := rows.Scan(&file, &name); err != nil {
			return nil, fmt.Errorf("failed to scan source record: %w", err)
		}
		r.byFile[file] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source records: %w", err)
	}

	locs, err := listLocations(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, loc := range locs {
		slug := storage.Slugify(loc.Name)
		if _, ok := r.bySlug[slug]; !ok {
			r.bySlug[slug] = loc.Name
		}
	}
	return r, nil
}

func emptyLocations(ctx context.Context, q queryer) ([]string, error) {
	rows, err := queryTimed(ctx, q, "locations",
		`SELECT l.name FROM locations l
		 WHERE NOT EXISTS (SELECT 1 FROM observations o WHERE o.location_id = l.id)
		 ORDER BY l.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query empty locations: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
