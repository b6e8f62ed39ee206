package gpkg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/tilegrid"
)

// TileMatrixSet is the gpkg_tile_matrix_set row of a tile table: the area its pyramid covers
type TileMatrixSet struct {
	TableName   string
	SRSID       int
	BoundingBox bbox.BoundingBox
}

// TileMatrix is one zoom level of a tile pyramid
type TileMatrix struct {
	TableName    string
	ZoomLevel    int
	MatrixWidth  int
	MatrixHeight int
	TileWidth    int
	TileHeight   int
	PixelXSize   float64
	PixelYSize   float64
}

// TileSpan returns the width and height of one tile in units of the pyramid's CRS
func (tm TileMatrix) TileSpan() (float64, float64) {
	return float64(tm.TileWidth) * tm.PixelXSize, float64(tm.TileHeight) * tm.PixelYSize
}

// Tile is one stored tile blob
type Tile struct {
	ZoomLevel int
	Column    int
	Row       int
	Data      []byte
}

// TileTables lists the tables with data_type 'tiles' in gpkg_contents
func (g *GeoPackage) TileTables(ctx context.Context) ([]string, error) {
	rows, err := g.handle.QueryContext(ctx, `SELECT table_name FROM gpkg_contents WHERE data_type = 'tiles' ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("could not list tile tables: %w", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (g *GeoPackage) TileMatrixSet(ctx context.Context, table string) (TileMatrixSet, error) {
	set := TileMatrixSet{TableName: table}
	b := &set.BoundingBox
	err := g.handle.QueryRowContext(ctx,
		`SELECT srs_id, min_x, min_y, max_x, max_y FROM gpkg_tile_matrix_set WHERE lower(table_name) = lower(?)`, table).
		Scan(&set.SRSID, &b.MinX, &b.MinY, &b.MaxX, &b.MaxY)
	if errors.Is(err, sql.ErrNoRows) {
		return set, fmt.Errorf("tile matrix set of %v: %w", table, ErrNotFound)
	}
	if err != nil {
		return set, fmt.Errorf("could not read tile matrix set of %v: %w", table, err)
	}
	return set, nil
}

// TileMatrices returns the zoom levels of a tile table, in ascending order
func (g *GeoPackage) TileMatrices(ctx context.Context, table string) ([]TileMatrix, error) {
	rows, err := g.handle.QueryContext(ctx,
		`SELECT zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size
		FROM gpkg_tile_matrix WHERE lower(table_name) = lower(?) ORDER BY zoom_level`, table)
	if err != nil {
		return nil, fmt.Errorf("could not read tile matrices of %v: %w", table, err)
	}
	defer rows.Close()
	var matrices []TileMatrix
	for rows.Next() {
		tm := TileMatrix{TableName: table}
		err = rows.Scan(&tm.ZoomLevel, &tm.MatrixWidth, &tm.MatrixHeight, &tm.TileWidth, &tm.TileHeight, &tm.PixelXSize, &tm.PixelYSize)
		if err != nil {
			return nil, err
		}
		matrices = append(matrices, tm)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(matrices, func(i, j int) bool { return matrices[i].ZoomLevel < matrices[j].ZoomLevel })
	return matrices, nil
}

// pixelSizeTolerance is relative; pixel sizes are stored as floating point computed elsewhere
const pixelSizeTolerance = 1e-6

// ValidateTileMatrices checks that every pixel size matches the set's extent divided over the
// matrix, and that zoom levels increase while pixel sizes don't.
func ValidateTileMatrices(set TileMatrixSet, matrices []TileMatrix) error {
	var errs []error
	for i, tm := range matrices {
		wantX := set.BoundingBox.Width() / float64(tm.MatrixWidth*tm.TileWidth)
		wantY := set.BoundingBox.Height() / float64(tm.MatrixHeight*tm.TileHeight)
		if !nearlyEqual(tm.PixelXSize, wantX) {
			errs = append(errs, fmt.Errorf("zoom %d: pixel_x_size %v, expected %v", tm.ZoomLevel, tm.PixelXSize, wantX))
		}
		if !nearlyEqual(tm.PixelYSize, wantY) {
			errs = append(errs, fmt.Errorf("zoom %d: pixel_y_size %v, expected %v", tm.ZoomLevel, tm.PixelYSize, wantY))
		}
		if i == 0 {
			continue
		}
		prev := matrices[i-1]
		if tm.ZoomLevel <= prev.ZoomLevel {
			errs = append(errs, fmt.Errorf("zoom %d follows zoom %d", tm.ZoomLevel, prev.ZoomLevel))
		}
		if tm.PixelXSize > prev.PixelXSize*(1+pixelSizeTolerance) || tm.PixelYSize > prev.PixelYSize*(1+pixelSizeTolerance) {
			errs = append(errs, fmt.Errorf("zoom %d has larger pixels than zoom %d", tm.ZoomLevel, prev.ZoomLevel))
		}
	}
	return errors.Join(errs...)
}

func nearlyEqual(a, b float64) bool {
	return math.Abs(a-b) <= pixelSizeTolerance*math.Max(math.Abs(a), math.Abs(b))
}

// Tile returns one stored tile, or ErrNotFound
func (g *GeoPackage) Tile(ctx context.Context, table string, zoom, column, row int) (Tile, error) {
	t := Tile{ZoomLevel: zoom, Column: column, Row: row}
	err := g.handle.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT tile_data FROM "%v" WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`, table),
		zoom, column, row).Scan(&t.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return t, fmt.Errorf("tile %d/%d/%d of %v: %w", zoom, column, row, table, ErrNotFound)
	}
	if err != nil {
		return t, fmt.Errorf("could not read tile %d/%d/%d of %v: %w", zoom, column, row, table, err)
	}
	return t, nil
}

// TilesInGrid returns the stored tiles within grid, ordered by row and then column
func (g *GeoPackage) TilesInGrid(ctx context.Context, table string, zoom int, grid tilegrid.TileGrid) ([]Tile, error) {
	if grid.Empty() {
		return nil, nil
	}
	rows, err := g.handle.QueryContext(ctx,
		fmt.Sprintf(`SELECT tile_column, tile_row, tile_data FROM "%v"
		WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ?
		ORDER BY tile_row, tile_column`, table),
		zoom, grid.MinX, grid.MaxX, grid.MinY, grid.MaxY)
	if err != nil {
		return nil, fmt.Errorf("could not read tiles %v at zoom %d of %v: %w", grid, zoom, table, err)
	}
	defer rows.Close()
	var tiles []Tile
	for rows.Next() {
		t := Tile{ZoomLevel: zoom}
		if err = rows.Scan(&t.Column, &t.Row, &t.Data); err != nil {
			return nil, err
		}
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// CountTilesInGrid counts the stored tiles within grid without reading them
func (g *GeoPackage) CountTilesInGrid(ctx context.Context, table string, zoom int, grid tilegrid.TileGrid) (int, error) {
	if grid.Empty() {
		return 0, nil
	}
	var count int
	err := g.handle.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM "%v"
		WHERE zoom_level = ? AND tile_column BETWEEN ? AND ? AND tile_row BETWEEN ? AND ?`, table),
		zoom, grid.MinX, grid.MaxX, grid.MinY, grid.MaxY).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("could not count tiles %v at zoom %d of %v: %w", grid, zoom, table, err)
	}
	return count, nil
}
