package gpkg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
)

var ErrNoGeometryColumn = errors.New("no geometry column")

type Column struct {
	CID       int
	Name      string
	Type      string
	NotNull   int
	DfltValue *string
	PK        int
}

// FeatureTable describes a table registered in gpkg_geometry_columns
type FeatureTable struct {
	Name           string
	Columns        []Column
	GeometryColumn string
	GeometryType   gpkg.GeometryType
	SRS            gpkg.SpatialReferenceSystem
}

// PrimaryKey returns the integer primary key column, falling back to sqlite's rowid
func (t FeatureTable) PrimaryKey() string {
	for _, c := range t.Columns {
		if c.PK == 1 {
			return c.Name
		}
	}
	return "rowid"
}

// FeatureRow is a feature as read for indexing: its id and still encoded geometry
type FeatureRow struct {
	ID       int64
	Geometry []byte // nil when the row has no geometry
}

// Feature is a feature to write: the non geometry column values in table order, plus the geometry
type Feature struct {
	Columns  []any
	Geometry geom.Geometry
}

// geometryTypeFromString returns the numeric value of a geometry string
func geometryTypeFromString(geometrytype string) gpkg.GeometryType {
	switch strings.ToUpper(geometrytype) {
	case "POINT":
		return gpkg.Point
	case "LINESTRING":
		return gpkg.Linestring
	case "POLYGON":
		return gpkg.Polygon
	case "MULTIPOINT":
		return gpkg.MultiPoint
	case "MULTILINESTRING":
		return gpkg.MultiLinestring
	case "MULTIPOLYGON":
		return gpkg.MultiPolygon
	case "GEOMETRYCOLLECTION":
		return gpkg.GeometryCollection
	default:
		return gpkg.Geometry
	}
}

// FeatureTables describes every table in gpkg_geometry_columns
func (g *GeoPackage) FeatureTables(ctx context.Context) ([]FeatureTable, error) {
	return g.featureTables(ctx, "")
}

// FeatureTable describes one table in gpkg_geometry_columns
func (g *GeoPackage) FeatureTable(ctx context.Context, name string) (FeatureTable, error) {
	tables, err := g.featureTables(ctx, name)
	if err != nil {
		return FeatureTable{}, err
	}
	if len(tables) == 0 {
		return FeatureTable{}, fmt.Errorf("feature table %v: %w", name, ErrNoGeometryColumn)
	}
	return tables[0], nil
}

func (g *GeoPackage) featureTables(ctx context.Context, name string) ([]FeatureTable, error) {
	query := `SELECT table_name, column_name, geometry_type_name, srs_id FROM gpkg_geometry_columns`
	var args []any
	if name != "" {
		query += ` WHERE lower(table_name) = lower(?)`
		args = append(args, name)
	}
	rows, err := g.handle.QueryContext(ctx, query+` ORDER BY table_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("could not read geometry columns: %w", err)
	}

	var tables []FeatureTable
	var srsIDs []int
	for rows.Next() {
		var t FeatureTable
		var gtype string
		var srsID int
		if err = rows.Scan(&t.Name, &t.GeometryColumn, &gtype, &srsID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error reading the table information: %w", err)
		}
		t.GeometryType = geometryTypeFromString(gtype)
		tables = append(tables, t)
		srsIDs = append(srsIDs, srsID)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// the handle has one connection, so the details are read after the cursor is closed
	for i := range tables {
		if tables[i].Columns, err = g.tableColumns(ctx, tables[i].Name); err != nil {
			return nil, err
		}
		if tables[i].SRS, err = g.SpatialReferenceSystem(ctx, srsIDs[i]); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// tableColumns collects the column information of a given table
func (g *GeoPackage) tableColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := g.handle.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info('%v')`, table))
	if err != nil {
		return nil, fmt.Errorf("could not read columns of %v: %w", table, err)
	}
	defer rows.Close()
	var columns []Column
	for rows.Next() {
		var c Column
		if err = rows.Scan(&c.CID, &c.Name, &c.Type, &c.NotNull, &c.DfltValue, &c.PK); err != nil {
			return nil, fmt.Errorf("error getting the column information: %w", err)
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

// QueryForChunk reads page (0 based) of pageSize features, ordered by primary key.
// The cursor is closed before returning.
func (g *GeoPackage) QueryForChunk(ctx context.Context, t FeatureTable, pageSize, page int) ([]FeatureRow, error) {
	query := fmt.Sprintf(`SELECT "%v", "%v" FROM "%v" ORDER BY "%v" LIMIT ? OFFSET ?`,
		t.PrimaryKey(), t.GeometryColumn, t.Name, t.PrimaryKey())
	rows, err := g.handle.QueryContext(ctx, query, pageSize, page*pageSize)
	if err != nil {
		return nil, fmt.Errorf("could not read chunk %d of %v: %w", page, t.Name, err)
	}
	defer rows.Close()
	features := make([]FeatureRow, 0, pageSize)
	for rows.Next() {
		var f FeatureRow
		if err = rows.Scan(&f.ID, &f.Geometry); err != nil {
			return nil, fmt.Errorf("err reading row values: %w", err)
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// CountFeatures counts the rows of a feature table
func (g *GeoPackage) CountFeatures(ctx context.Context, t FeatureTable) (int, error) {
	var count int
	err := g.handle.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM "%v"`, t.Name)).Scan(&count)
	return count, err
}

// CreateFeatureTable creates the table with the necessary gpkg_ registrations
func (g *GeoPackage) CreateFeatureTable(t FeatureTable) error {
	if err := g.handle.UpdateSRS(t.SRS); err != nil {
		return err
	}
	if _, err := g.handle.Exec(t.createSQL()); err != nil {
		return fmt.Errorf("error building table %v: %w", t.Name, err)
	}
	err := g.handle.AddGeometryTable(gpkg.TableDescription{
		Name:          t.Name,
		ShortName:     t.Name,
		Description:   t.Name,
		GeometryField: t.GeometryColumn,
		GeometryType:  t.GeometryType,
		SRS:           int32(t.SRS.ID),
		Z:             gpkg.Prohibited,
		M:             gpkg.Prohibited,
	})
	if err != nil {
		return fmt.Errorf("error adding geometry table %v: %w", t.Name, err)
	}
	return nil
}

// InsertFeatures writes features in one transaction and grows the table's extent
func (g *GeoPackage) InsertFeatures(ctx context.Context, t FeatureTable, features []Feature) error {
	tx, err := g.handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not start a transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, t.insertSQL())
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("could not prepare a statement: %w", err)
	}

	var ext *geom.Extent
	for _, f := range features {
		data := append([]any{}, f.Columns...)
		if f.Geometry == nil {
			data = append(data, nil)
		} else {
			sb, err := newBinary(int32(t.SRS.ID), f.Geometry)
			if err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("could not create a binary geometry: %w", err)
			}
			data = append(data, sb)
			if ext == nil {
				ext, _ = geom.NewExtentFromGeometry(f.Geometry)
			} else {
				ext.AddGeometry(f.Geometry)
			}
		}
		if _, err = stmt.ExecContext(ctx, data...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("could not insert feature %v into %v: %w", data, t.Name, err)
		}
	}
	_ = stmt.Close()
	if err = tx.Commit(); err != nil {
		return err
	}
	if ext == nil {
		return nil
	}
	return g.handle.UpdateGeometryExtent(t.Name, ext)
}

// newBinary encodes a geometry with its header envelope in GeoPackage order
// (minx, maxx, miny, maxy). gpkg.NewBinary writes minx, miny, maxx, maxy.
func newBinary(srsID int32, geometry geom.Geometry) (*gpkg.StandardBinary, error) {
	sb, err := gpkg.NewBinary(srsID, geometry)
	if err != nil || sb.Header.IsGeometryEmpty() {
		return sb, err
	}
	extent := sb.Extent()
	if extent == nil {
		return sb, nil
	}
	sb.Header, err = gpkg.NewBinaryHeader(binary.LittleEndian, srsID,
		[]float64{extent.MinX(), extent.MaxX(), extent.MinY(), extent.MaxY()}, gpkg.EnvelopeTypeXY, false, false)
	return sb, err
}

// DeleteFeature removes one row by primary key
func (g *GeoPackage) DeleteFeature(ctx context.Context, t FeatureTable, id int64) error {
	_, err := g.handle.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%v" WHERE "%v" = ?`, t.Name, t.PrimaryKey()), id)
	return err
}

// createSQL creates a CREATE statement on the given table and column information
func (t FeatureTable) createSQL() string {
	parts := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		part := `"` + c.Name + `" ` + c.Type
		if c.NotNull == 1 {
			part += ` NOT NULL`
		}
		if c.PK == 1 {
			part += ` PRIMARY KEY`
		}
		parts = append(parts, part)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%v" (%v)`, t.Name, strings.Join(parts, `, `))
}

// insertSQL lists every column but the geometry in table order, then the geometry
func (t FeatureTable) insertSQL() string {
	var csql, vsql []string
	for _, c := range t.Columns {
		if c.Name != t.GeometryColumn {
			csql = append(csql, `"`+c.Name+`"`)
			vsql = append(vsql, `?`)
		}
	}
	csql = append(csql, `"`+t.GeometryColumn+`"`)
	vsql = append(vsql, `?`)
	return `INSERT INTO "` + t.Name + `" (` + strings.Join(csql, `,`) + `) VALUES (` + strings.Join(vsql, `,`) + `)`
}
