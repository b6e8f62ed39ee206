// Package gpkg reads the parts of a GeoPackage the tile and index engines depend on:
// spatial reference systems, contents, extensions, tile matrices, tiles and features.
package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-spatial/geom/encoding/gpkg"

	"github.com/pdok/gpkgengine/proj"
)

var ErrNotFound = errors.New("not found")

// GeoPackage wraps a go-spatial handle. SQLite has one writer at a time, so the
// handle gets a single connection: statements queue up instead of failing on a locked database.
type GeoPackage struct {
	handle *gpkg.Handle
	path   string
}

func Open(path string) (*GeoPackage, error) {
	handle, err := gpkg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening GeoPackage %v: %w", path, err)
	}
	handle.DB.SetMaxOpenConns(1)
	return &GeoPackage{handle: handle, path: path}, nil
}

func (g *GeoPackage) Close() error {
	return g.handle.Close()
}

func (g *GeoPackage) Path() string {
	return g.path
}

// DB gives direct access, for the index tables this package doesn't know about
func (g *GeoPackage) DB() *sql.DB {
	return g.handle.DB
}

// Handle is the go-spatial handle, for writing features and geometry tables
func (g *GeoPackage) Handle() *gpkg.Handle {
	return g.handle
}

// TableExists reports whether a table, view or virtual table exists
func (g *GeoPackage) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := g.handle.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type IN ('table', 'view') AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("could not look up table %v: %w", name, err)
	}
	return count > 0, nil
}

// HasExtension reports whether gpkg_extensions registers extension for the table column
func (g *GeoPackage) HasExtension(ctx context.Context, table, column, extension string) (bool, error) {
	exists, err := g.TableExists(ctx, "gpkg_extensions")
	if err != nil || !exists {
		return false, err
	}
	var count int
	err = g.handle.QueryRowContext(ctx,
		`SELECT count(*) FROM gpkg_extensions WHERE lower(table_name) = lower(?) AND lower(column_name) = lower(?) AND extension_name = ?`,
		table, column, extension).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("could not look up extension %v: %w", extension, err)
	}
	return count > 0, nil
}

// RegisterExtension adds a gpkg_extensions row, creating the table when needed
func (g *GeoPackage) RegisterExtension(ctx context.Context, table, column, extension, definition, scope string) error {
	_, err := g.handle.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS gpkg_extensions (
		table_name TEXT, column_name TEXT, extension_name TEXT NOT NULL, definition TEXT NOT NULL, scope TEXT NOT NULL,
		CONSTRAINT ge_tce UNIQUE (table_name, column_name, extension_name))`)
	if err != nil {
		return err
	}
	_, err = g.handle.ExecContext(ctx,
		`INSERT OR REPLACE INTO gpkg_extensions (table_name, column_name, extension_name, definition, scope) VALUES (?, ?, ?, ?, ?)`,
		table, column, extension, definition, scope)
	return err
}

// SpatialReferenceSystem returns the gpkg_spatial_ref_sys row with the given srs_id
func (g *GeoPackage) SpatialReferenceSystem(ctx context.Context, id int) (gpkg.SpatialReferenceSystem, error) {
	var srs gpkg.SpatialReferenceSystem
	var description sql.NullString
	row := g.handle.QueryRowContext(ctx,
		`SELECT srs_name, srs_id, organization, organization_coordsys_id, definition, description FROM gpkg_spatial_ref_sys WHERE srs_id = ?`, id)
	err := row.Scan(&srs.Name, &srs.ID, &srs.Organization, &srs.OrganizationCoordsysID, &srs.Definition, &description)
	if errors.Is(err, sql.ErrNoRows) {
		return srs, fmt.Errorf("spatial reference system %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return srs, fmt.Errorf("could not read spatial reference system %d: %w", id, err)
	}
	srs.Description = description.String
	return srs, nil
}

// CRS identifies the reference system by organization and code, keeping the definition as a fallback
func CRS(srs gpkg.SpatialReferenceSystem) proj.CRS {
	return proj.CRS{
		Organization: strings.ToUpper(srs.Organization),
		Code:         int(srs.OrganizationCoordsysID),
		Definition:   srs.Definition,
	}
}

// ResolveCRS reads the reference system and registers its definition, so the registry can
// fall back to it when the organization code is unknown
func (g *GeoPackage) ResolveCRS(ctx context.Context, registry *proj.Registry, srsID int) (proj.CRS, error) {
	srs, err := g.SpatialReferenceSystem(ctx, srsID)
	if err != nil {
		return proj.CRS{}, err
	}
	crs := CRS(srs)
	if _, err = registry.Resolve(crs); err != nil {
		return crs, err
	}
	return crs, nil
}

// LastChange returns gpkg_contents.last_change of a table
func (g *GeoPackage) LastChange(ctx context.Context, table string) (time.Time, error) {
	var raw any
	err := g.handle.QueryRowContext(ctx,
		`SELECT last_change FROM gpkg_contents WHERE lower(table_name) = lower(?)`, table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("contents of %v: %w", table, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("could not read last change of %v: %w", table, err)
	}
	return ParseTime(raw)
}

// Touch sets gpkg_contents.last_change, as every writer to a table is supposed to do
func (g *GeoPackage) Touch(ctx context.Context, table string, at time.Time) error {
	res, err := g.handle.ExecContext(ctx,
		`UPDATE gpkg_contents SET last_change = ? WHERE lower(table_name) = lower(?)`, FormatTime(at), table)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("contents of %v: %w", table, ErrNotFound)
	}
	return nil
}

const timeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime formats like the GeoPackage default strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	timeFormat,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts what the sqlite driver returns for DATETIME columns: a time or a string
func ParseTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case []byte:
		return ParseTime(string(v))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
	case nil:
		return time.Time{}, fmt.Errorf("no timestamp: %w", ErrNotFound)
	default:
		return time.Time{}, fmt.Errorf("unexpected type for timestamp: %T", v)
	}
}
