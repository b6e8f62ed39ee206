package spatialindex

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pdok/gpkgengine/envelope"
	"github.com/pdok/gpkgengine/gpkg"
)

type Kind string

const (
	RTree Kind = "rtree"
	Table Kind = "table"
)

const (
	RTreeExtension         = "gpkg_rtree_index"
	GeometryIndexExtension = "nga_geometry_index"
	GeometryIndexTable     = "nga_geometry_index"
	TableIndexTable        = "nga_table_index"
	// RTreeStatusTable tracks the R-tree passes this package runs
	RTreeStatusTable = "engine_rtree_status"
)

// Entry is one indexed geometry
type Entry struct {
	Table    string
	GeomID   int64
	Envelope envelope.Envelope
}

// Backend stores the envelopes of one feature table. Both backends compare envelopes with
// envelope.WhereClause, so they answer queries the same.
type Backend interface {
	Kind() Kind
	// IsIndexed reports whether the stored envelopes can be trusted
	IsIndexed(ctx context.Context) (bool, error)
	// Clear removes all envelopes and the freshness marker, creating the storage when needed
	Clear(ctx context.Context) error
	Insert(ctx context.Context, entries []Entry) error
	// Complete marks a full index pass
	Complete(ctx context.Context, at time.Time) error
	QueryByEnvelope(ctx context.Context, query envelope.Envelope) ([]Entry, error)
	CountByEnvelope(ctx context.Context, query envelope.Envelope) (int, error)
}

// RTreeName is the name of the R-tree virtual table of a geometry column
func RTreeName(table, column string) string {
	return fmt.Sprintf("rtree_%s_%s", table, column)
}

type rtreeBackend struct {
	g     *gpkg.GeoPackage
	table string
	name  string
}

func newRTreeBackend(g *gpkg.GeoPackage, t gpkg.FeatureTable) *rtreeBackend {
	return &rtreeBackend{g: g, table: t.Name, name: RTreeName(t.Name, t.GeometryColumn)}
}

func (b *rtreeBackend) Kind() Kind {
	return RTree
}

// IsIndexed is true when the virtual table exists and no pass of ours is unfinished.
// A tree without a status row was built elsewhere, its triggers keep it up to date.
func (b *rtreeBackend) IsIndexed(ctx context.Context) (bool, error) {
	exists, err := b.g.TableExists(ctx, b.name)
	if err != nil || !exists {
		return false, err
	}
	exists, err = b.g.TableExists(ctx, RTreeStatusTable)
	if err != nil {
		return false, err
	}
	if !exists {
		return true, nil
	}
	var complete bool
	err = b.g.DB().QueryRowContext(ctx,
		`SELECT complete FROM `+RTreeStatusTable+` WHERE rtree_name = ?`, b.name).Scan(&complete)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return complete, nil
}

// Clear marks a pass as started before emptying the tree
func (b *rtreeBackend) Clear(ctx context.Context) error {
	db := b.g.DB()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + RTreeStatusTable + ` (
			rtree_name TEXT NOT NULL PRIMARY KEY,
			complete BOOLEAN NOT NULL,
			last_indexed DATETIME)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS "%s" USING rtree(id, minx, maxx, miny, maxy)`, b.name),
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("could not create %v: %w", b.name, err)
		}
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO `+RTreeStatusTable+` (rtree_name, complete) VALUES (?, 0)
		ON CONFLICT (rtree_name) DO UPDATE SET complete = 0, last_indexed = NULL`, b.name)
	if err != nil {
		return fmt.Errorf("could not mark %v as in progress: %w", b.name, err)
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, b.name))
	return err
}

func (b *rtreeBackend) Insert(ctx context.Context, entries []Entry) error {
	return insertChunk(ctx, b.g.DB(),
		fmt.Sprintf(`INSERT INTO "%s" (id, minx, maxx, miny, maxy) VALUES (?, ?, ?, ?, ?)`, b.name),
		entries, func(e Entry) []any {
			return []any{e.GeomID, e.Envelope.MinX, e.Envelope.MaxX, e.Envelope.MinY, e.Envelope.MaxY}
		})
}

func (b *rtreeBackend) Complete(ctx context.Context, at time.Time) error {
	_, err := b.g.DB().ExecContext(ctx,
		`UPDATE `+RTreeStatusTable+` SET complete = 1, last_indexed = ? WHERE rtree_name = ?`,
		gpkg.FormatTime(at), b.name)
	return err
}

func (b *rtreeBackend) QueryByEnvelope(ctx context.Context, query envelope.Envelope) ([]Entry, error) {
	where, args := envelope.WhereClause(query, envelope.RTreeColumns)
	rows, err := b.g.DB().QueryContext(ctx,
		fmt.Sprintf(`SELECT id, minx, maxx, miny, maxy FROM "%s" WHERE %s ORDER BY id`, b.name, where), args...)
	if err != nil {
		return nil, fmt.Errorf("could not query %v: %w", b.name, err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e := Entry{Table: b.table}
		if err = rows.Scan(&e.GeomID, &e.Envelope.MinX, &e.Envelope.MaxX, &e.Envelope.MinY, &e.Envelope.MaxY); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *rtreeBackend) CountByEnvelope(ctx context.Context, query envelope.Envelope) (int, error) {
	where, args := envelope.WhereClause(query, envelope.RTreeColumns)
	var count int
	err := b.g.DB().QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM "%s" WHERE %s`, b.name, where), args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("could not count in %v: %w", b.name, err)
	}
	return count, nil
}

type tableBackend struct {
	g     *gpkg.GeoPackage
	table string
}

func newTableBackend(g *gpkg.GeoPackage, t gpkg.FeatureTable) *tableBackend {
	return &tableBackend{g: g, table: t.Name}
}

func (b *tableBackend) Kind() Kind {
	return Table
}

func (b *tableBackend) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + TableIndexTable + ` (
			table_name TEXT NOT NULL PRIMARY KEY,
			last_indexed DATETIME)`,
		`CREATE TABLE IF NOT EXISTS ` + GeometryIndexTable + ` (
			table_name TEXT NOT NULL,
			geom_id INTEGER NOT NULL,
			min_x DOUBLE NOT NULL, max_x DOUBLE NOT NULL,
			min_y DOUBLE NOT NULL, max_y DOUBLE NOT NULL,
			min_z DOUBLE, max_z DOUBLE,
			min_m DOUBLE, max_m DOUBLE,
			CONSTRAINT pk_ngi PRIMARY KEY (table_name, geom_id),
			CONSTRAINT fk_ngi_nti FOREIGN KEY (table_name) REFERENCES ` + TableIndexTable + `(table_name))`,
	}
	for _, s := range statements {
		if _, err := b.g.DB().ExecContext(ctx, s); err != nil {
			return fmt.Errorf("could not create index tables: %w", err)
		}
	}
	return nil
}

// IsIndexed compares the last full index pass with the last change of the feature table
func (b *tableBackend) IsIndexed(ctx context.Context) (bool, error) {
	exists, err := b.g.TableExists(ctx, TableIndexTable)
	if err != nil || !exists {
		return false, err
	}
	var raw any
	err = b.g.DB().QueryRowContext(ctx,
		`SELECT last_indexed FROM `+TableIndexTable+` WHERE table_name = ?`, b.table).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && raw == nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	lastIndexed, err := gpkg.ParseTime(raw)
	if err != nil {
		return false, err
	}
	lastChange, err := b.g.LastChange(ctx, b.table)
	if errors.Is(err, gpkg.ErrNotFound) {
		// no modification time to compare with
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return !lastIndexed.Before(lastChange), nil
}

func (b *tableBackend) Clear(ctx context.Context) error {
	if err := b.createTables(ctx); err != nil {
		return err
	}
	db := b.g.DB()
	if _, err := db.ExecContext(ctx, `DELETE FROM `+GeometryIndexTable+` WHERE table_name = ?`, b.table); err != nil {
		return err
	}
	// the status row stays, without a timestamp, for the foreign key of the entries
	_, err := db.ExecContext(ctx,
		`INSERT INTO `+TableIndexTable+` (table_name, last_indexed) VALUES (?, NULL)
		ON CONFLICT (table_name) DO UPDATE SET last_indexed = NULL`, b.table)
	return err
}

func (b *tableBackend) Insert(ctx context.Context, entries []Entry) error {
	return insertChunk(ctx, b.g.DB(),
		`INSERT INTO `+GeometryIndexTable+` (table_name, geom_id, min_x, max_x, min_y, max_y, min_z, max_z, min_m, max_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entries, func(e Entry) []any {
			env := e.Envelope
			values := []any{b.table, e.GeomID, env.MinX, env.MaxX, env.MinY, env.MaxY, nil, nil, nil, nil}
			if env.HasZ {
				values[6], values[7] = env.MinZ, env.MaxZ
			}
			if env.HasM {
				values[8], values[9] = env.MinM, env.MaxM
			}
			return values
		})
}

func (b *tableBackend) Complete(ctx context.Context, at time.Time) error {
	_, err := b.g.DB().ExecContext(ctx,
		`UPDATE `+TableIndexTable+` SET last_indexed = ? WHERE table_name = ?`, gpkg.FormatTime(at), b.table)
	return err
}

const tableColumns = `geom_id, min_x, max_x, min_y, max_y, min_z, max_z, min_m, max_m`

func (b *tableBackend) QueryByEnvelope(ctx context.Context, query envelope.Envelope) ([]Entry, error) {
	where, args := envelope.WhereClause(query, envelope.TableColumns)
	rows, err := b.g.DB().QueryContext(ctx,
		`SELECT `+tableColumns+` FROM `+GeometryIndexTable+` WHERE table_name = ? AND `+where+` ORDER BY geom_id`,
		append([]any{b.table}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("could not query %v: %w", GeometryIndexTable, err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		e := Entry{Table: b.table}
		var minZ, maxZ, minM, maxM sql.NullFloat64
		env := &e.Envelope
		if err = rows.Scan(&e.GeomID, &env.MinX, &env.MaxX, &env.MinY, &env.MaxY, &minZ, &maxZ, &minM, &maxM); err != nil {
			return nil, err
		}
		if minZ.Valid && maxZ.Valid {
			env.MinZ, env.MaxZ, env.HasZ = minZ.Float64, maxZ.Float64, true
		}
		if minM.Valid && maxM.Valid {
			env.MinM, env.MaxM, env.HasM = minM.Float64, maxM.Float64, true
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (b *tableBackend) CountByEnvelope(ctx context.Context, query envelope.Envelope) (int, error) {
	where, args := envelope.WhereClause(query, envelope.TableColumns)
	var count int
	err := b.g.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM `+GeometryIndexTable+` WHERE table_name = ? AND `+where,
		append([]any{b.table}, args...)...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("could not count in %v: %w", GeometryIndexTable, err)
	}
	return count, nil
}

// insertChunk writes one chunk of entries in one transaction
func insertChunk(ctx context.Context, db *sql.DB, query string, entries []Entry, values func(Entry) []any) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start a transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("could not prepare a statement: %w", err)
	}
	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx, values(e)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("could not insert geometry %d: %w", e.GeomID, err)
		}
	}
	_ = stmt.Close()
	return tx.Commit()
}
