// Package gpkgtest builds GeoPackage fixtures: tile pyramids with recognizable pixels and point tables.
package gpkgtest

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/gpkg"
	"github.com/stretchr/testify/require"

	"github.com/pdok/gpkgengine/bbox"
	gpkgengine "github.com/pdok/gpkgengine/gpkg"
	"github.com/pdok/gpkgengine/raster"
)

var (
	SRSWebMercator = gpkg.SpatialReferenceSystem{
		Name:                   "WGS 84 / Pseudo-Mercator",
		ID:                     3857,
		Organization:           "EPSG",
		OrganizationCoordsysID: 3857,
		Definition:             `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433]],PROJECTION["Mercator_1SP"],PARAMETER["central_meridian",0],PARAMETER["scale_factor",1],PARAMETER["false_easting",0],PARAMETER["false_northing",0],UNIT["metre",1],AUTHORITY["EPSG","3857"]]`,
		Description:            "Web Mercator",
	}
	SRSWGS84 = gpkg.SpatialReferenceSystem{
		Name:                   "WGS 84 geodetic",
		ID:                     4326,
		Organization:           "EPSG",
		OrganizationCoordsysID: 4326,
		Definition:             `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`,
		Description:            "longitude/latitude coordinates in decimal degrees on the WGS 84 spheroid",
	}
	// WebMercatorWorld is the full extent of EPSG:3857
	WebMercatorWorld = bbox.New(-20037508.342789244, -20037508.342789244, 20037508.342789244, 20037508.342789244)
)

// Pyramid describes a quad tree tile table: zoom z has 2^z x 2^z tiles of TileSize pixels
type Pyramid struct {
	Table    string
	SRS      gpkg.SpatialReferenceSystem
	Total    bbox.BoundingBox
	TileSize int
	Zooms    []int
	// Skip leaves tiles out of the table
	Skip func(zoom, column, row int) bool
	// Format of the stored tiles, PNG by default
	Format raster.Format
}

// Open creates a new GeoPackage in a temporary directory
func Open(t testing.TB) *gpkgengine.GeoPackage {
	t.Helper()
	g, err := gpkgengine.Open(filepath.Join(t.TempDir(), "test.gpkg"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

// TileImage is the content of a fixture tile: red and green follow the pixel position,
// blue identifies the tile
func TileImage(zoom, column, row, size int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: TileBlue(zoom, column, row), A: 255})
		}
	}
	return img
}

// TileBlue is the blue value of every pixel of a fixture tile
func TileBlue(zoom, column, row int) uint8 {
	return uint8(1 + zoom*50 + row*7 + column)
}

func CreatePyramid(t testing.TB, g *gpkgengine.GeoPackage, p Pyramid) {
	t.Helper()
	ctx := context.Background()
	if p.TileSize == 0 {
		p.TileSize = 256
	}
	if p.Format == "" {
		p.Format = raster.PNG
	}
	require.NoError(t, g.Handle().UpdateSRS(p.SRS))

	db := g.DB()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS gpkg_tile_matrix_set (
			table_name TEXT NOT NULL PRIMARY KEY, srs_id INTEGER NOT NULL,
			min_x DOUBLE NOT NULL, min_y DOUBLE NOT NULL, max_x DOUBLE NOT NULL, max_y DOUBLE NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS gpkg_tile_matrix (
			table_name TEXT NOT NULL, zoom_level INTEGER NOT NULL, matrix_width INTEGER NOT NULL, matrix_height INTEGER NOT NULL,
			tile_width INTEGER NOT NULL, tile_height INTEGER NOT NULL, pixel_x_size DOUBLE NOT NULL, pixel_y_size DOUBLE NOT NULL,
			CONSTRAINT pk_ttm PRIMARY KEY (table_name, zoom_level))`,
		fmt.Sprintf(`CREATE TABLE "%v" (
			id INTEGER PRIMARY KEY AUTOINCREMENT, zoom_level INTEGER NOT NULL, tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL, tile_data BLOB NOT NULL, UNIQUE (zoom_level, tile_column, tile_row))`, p.Table),
	}
	for _, s := range statements {
		_, err := db.ExecContext(ctx, s)
		require.NoError(t, err)
	}
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		VALUES (?, 'tiles', ?, ?, ?, ?, ?, ?)`,
		p.Table, p.Table, p.Total.MinX, p.Total.MinY, p.Total.MaxX, p.Total.MaxY, p.SRS.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx,
		`INSERT INTO gpkg_tile_matrix_set (table_name, srs_id, min_x, min_y, max_x, max_y) VALUES (?, ?, ?, ?, ?, ?)`,
		p.Table, p.SRS.ID, p.Total.MinX, p.Total.MinY, p.Total.MaxX, p.Total.MaxY)
	require.NoError(t, err)

	for _, z := range p.Zooms {
		n := 1 << z
		_, err = db.ExecContext(ctx,
			`INSERT INTO gpkg_tile_matrix (table_name, zoom_level, matrix_width, matrix_height, tile_width, tile_height, pixel_x_size, pixel_y_size)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Table, z, n, n, p.TileSize, p.TileSize,
			p.Total.Width()/float64(n*p.TileSize), p.Total.Height()/float64(n*p.TileSize))
		require.NoError(t, err)
		for row := 0; row < n; row++ {
			for column := 0; column < n; column++ {
				if p.Skip != nil && p.Skip(z, column, row) {
					continue
				}
				data, err := raster.Encode(TileImage(z, column, row, p.TileSize), p.Format, 100)
				require.NoError(t, err)
				_, err = db.ExecContext(ctx,
					fmt.Sprintf(`INSERT INTO "%v" (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`, p.Table),
					z, column, row, data)
				require.NoError(t, err)
			}
		}
	}
}

// PointTable returns the description of a fid/name/geom point table
func PointTable(name string, srs gpkg.SpatialReferenceSystem) gpkgengine.FeatureTable {
	return gpkgengine.FeatureTable{
		Name: name,
		Columns: []gpkgengine.Column{
			{CID: 0, Name: "fid", Type: "INTEGER", NotNull: 1, PK: 1},
			{CID: 1, Name: "name", Type: "TEXT"},
			{CID: 2, Name: "geom", Type: "POINT"},
		},
		GeometryColumn: "geom",
		GeometryType:   gpkg.Point,
		SRS:            srs,
	}
}

// CreatePoints creates a point table with one feature per point; fids start at 1.
// A nil entry in points becomes a feature without geometry.
func CreatePoints(t testing.TB, g *gpkgengine.GeoPackage, table string, srs gpkg.SpatialReferenceSystem, points []*geom.Point) gpkgengine.FeatureTable {
	t.Helper()
	ft := PointTable(table, srs)
	require.NoError(t, g.CreateFeatureTable(ft))
	features := make([]gpkgengine.Feature, 0, len(points))
	for i, p := range points {
		f := gpkgengine.Feature{Columns: []any{i + 1, fmt.Sprintf("point %d", i+1)}}
		if p != nil {
			f.Geometry = *p
		}
		features = append(features, f)
	}
	require.NoError(t, g.InsertFeatures(context.Background(), ft, features))

	ft, err := g.FeatureTable(context.Background(), table)
	require.NoError(t, err)
	return ft
}

// DropRTree removes the R-tree, its triggers and its extension row that creating a feature
// table adds, leaving a table only the nga_geometry_index backend can index
func DropRTree(t testing.TB, g *gpkgengine.GeoPackage, table, column string) {
	t.Helper()
	ctx := context.Background()
	name := fmt.Sprintf("rtree_%s_%s", table, column)
	for _, suffix := range []string{"insert", "update1", "update2", "update3", "update4", "delete"} {
		_, err := g.DB().ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS "%s_%s"`, name, suffix))
		require.NoError(t, err)
	}
	_, err := g.DB().ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name))
	require.NoError(t, err)
	_, err = g.DB().ExecContext(ctx,
		`DELETE FROM gpkg_extensions WHERE table_name = ? AND column_name = ? AND extension_name = 'gpkg_rtree_index'`,
		table, column)
	require.NoError(t, err)
}
