package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"weathercache/internal/errkind"
	"weathercache/internal/models"
	"weathercache/internal/storage"
)

// DeleteResult reports what DeleteLocation removed.
type DeleteResult struct {
	// Name is empty when only orphaned raw files matched.
	Name         string
	Country      *string
	Observations int64
	Files        []string
}

// DeleteLocation removes a location, its observations and its raw dataset
// files. target is tried as an exact location name first, then as a dataset
// file name or stem. The rows go in one transaction; the files are moved aside
// beforehand and put back if that transaction fails.
func (db *DB) DeleteLocation(ctx context.Context, target string) (*DeleteResult, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errkind.Newf(errkind.Validation, "", "nothing to delete: empty name")
	}

	loc, slug, err := db.resolveDeleteTarget(ctx, target)
	if err != nil {
		return nil, err
	}

	lockKey := slug
	if loc != nil {
		lockKey = loc.Name
	}
	unlock := db.lockLocation(lockKey)
	defer unlock()

	// A writer holding the lock before us may have replaced or removed the row.
	if loc != nil {
		loc, err = db.GetLocation(ctx, loc.Name)
		if errkind.Is(err, errkind.NotFound) {
			loc, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	files, err := db.filesToDelete(ctx, loc, target, slug)
	if err != nil {
		return nil, err
	}
	if loc == nil && len(files) == 0 {
		return nil, errkind.Newf(errkind.NotFound, target, "location not found")
	}

	moved, err := moveAside(files)
	if err != nil {
		return nil, errkind.New(errkind.IO, target, err)
	}

	result := &DeleteResult{}
	if loc != nil {
		result.Name = loc.Name
		result.Country = loc.Country
		err = db.withTx(ctx, func(tx *sql.Tx) error {
			n, err := deleteLocationTx(ctx, tx, loc.ID)
			result.Observations = n
			return err
		})
		if err != nil {
			if rerr := restore(moved); rerr != nil {
				db.log.Error("Failed to restore dataset files", zap.String("location", loc.Name), zap.Error(rerr))
			}
			return nil, err
		}
	}

	for orig, tmp := range moved {
		if err := os.Remove(tmp); err != nil {
			db.log.Warn("Failed to remove dataset file", zap.String("file", tmp), zap.Error(err))
		}
		result.Files = append(result.Files, filepath.Base(orig))
	}
	sort.Strings(result.Files)

	db.log.Info("Deleted location",
		zap.String("target", target),
		zap.String("location", result.Name),
		zap.Int64("observations", result.Observations),
		zap.Strings("files", result.Files))
	return result, nil
}

// resolveDeleteTarget returns the matching location, if any, and the slug used
// to find stray raw files.
func (db *DB) resolveDeleteTarget(ctx context.Context, target string) (*models.Location, string, error) {
	loc, err := db.GetLocation(ctx, target)
	if err == nil {
		return loc, storage.Slugify(loc.Name), nil
	}
	if !errkind.Is(err, errkind.NotFound) {
		return nil, "", err
	}

	base := filepath.Base(target)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if ext := strings.ToLower(filepath.Ext(base)); ext != ".zip" && ext != ".csv" {
		stem = base
	}

	var id int64
	err = db.conn.QueryRowContext(ctx,
		`SELECT location_id FROM source_files WHERE filename IN (?, ?, ?)`,
		base, stem+".zip", stem+".csv").Scan(&id)
	switch {
	case err == nil:
		loc, err := db.locationByID(ctx, id)
		return loc, stem, err
	case err != sql.ErrNoRows:
		return nil, "", fmt.Errorf("failed to resolve %s: %w", target, err)
	}

	slug := storage.Slugify(storage.ParseStem(stem).Slug)
	locs, err := listLocations(ctx, db.conn)
	if err != nil {
		return nil, "", err
	}
	for i := range locs {
		if storage.Slugify(locs[i].Name) == slug {
			return &locs[i], slug, nil
		}
	}
	if stem != base || strings.Contains(stem, "_") {
		return nil, stem, nil
	}
	return nil, slug, nil
}

func (db *DB) locationByID(ctx context.Context, id int64) (*models.Location, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, name, country, latitude, longitude FROM locations WHERE id = ?`, id)
	loc, err := scanLocation(row)
	if err == sql.ErrNoRows {
		return nil, errkind.Newf(errkind.NotFound, fmt.Sprint(id), "location not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get location %d: %w", id, err)
	}
	return loc, nil
}

// filesToDelete collects the recorded source files of loc and every raw file
// named after it, skipping files recorded for a different location.
func (db *DB) filesToDelete(ctx context.Context, loc *models.Location, target, slug string) ([]string, error) {
	owners := make(map[string]int64)
	rows, err := queryTimed(ctx, db.conn, "source_files", `SELECT filename, location_id FROM source_files`)
	if err != nil {
		return nil, fmt.Errorf("failed to query source records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var file string
		var id int64
		if err := rows.Scan(&file, &id); err != nil {
			return nil, fmt.Errorf("failed to scan source record: %w", err)
		}
		owners[file] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating source records: %w", err)
	}

	var ownID int64 = -1
	if loc != nil {
		ownID = loc.ID
	}

	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if seen[path] || !storage.Exists(path) {
			return
		}
		if owner, ok := owners[filepath.Base(path)]; ok && owner != ownID {
			return
		}
		seen[path] = true
		out = append(out, path)
	}

	for file, owner := range owners {
		if owner == ownID {
			add(filepath.Join(db.dataDir, file))
		}
	}

	slugs := []string{slug}
	if loc != nil {
		slugs = append(slugs, storage.Slugify(loc.Name))
	}
	for _, s := range slugs {
		matches, err := storage.MatchFiles(db.dataDir, s)
		if err != nil {
			return nil, errkind.New(errkind.IO, target, err)
		}
		for _, m := range matches {
			add(m)
		}
	}
	if ext := strings.ToLower(filepath.Ext(target)); ext == ".zip" || ext == ".csv" {
		add(filepath.Join(db.dataDir, filepath.Base(target)))
	}

	sort.Strings(out)
	return out, nil
}

func deleteLocationTx(ctx context.Context, tx *sql.Tx, id int64) (int64, error) {
	res, err := execTimed(ctx, tx, "DELETE", "observations", `DELETE FROM observations WHERE location_id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete observations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted observations: %w", err)
	}
	if _, err := execTimed(ctx, tx, "DELETE", "source_files", `DELETE FROM source_files WHERE location_id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete source records: %w", err)
	}
	if _, err := execTimed(ctx, tx, "DELETE", "locations", `DELETE FROM locations WHERE id = ?`, id); err != nil {
		return 0, fmt.Errorf("failed to delete location: %w", err)
	}
	return n, nil
}

// moveAside renames files to hidden names Discover ignores. The returned map
// goes from original to temporary path.
func moveAside(files []string) (map[string]string, error) {
	moved := make(map[string]string, len(files))
	for _, f := range files {
		tmp := filepath.Join(filepath.Dir(f), "."+filepath.Base(f)+".deleting-"+uuid.NewString())
		if err := os.Rename(f, tmp); err != nil {
			if rerr := restore(moved); rerr != nil {
				return nil, fmt.Errorf("failed to move %s aside: %w (restore: %v)", f, err, rerr)
			}
			return nil, fmt.Errorf("failed to move %s aside: %w", f, err)
		}
		moved[f] = tmp
	}
	return moved, nil
}

func restore(moved map[string]string) error {
	var firstErr error
	for orig, tmp := range moved {
		if err := os.Rename(tmp, orig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
