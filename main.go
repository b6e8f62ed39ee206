package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/config"
	"github.com/pdok/gpkgengine/gpkg"
	"github.com/pdok/gpkgengine/observability"
	"github.com/pdok/gpkgengine/proj"
	"github.com/pdok/gpkgengine/raster"
	"github.com/pdok/gpkgengine/retriever"
	"github.com/pdok/gpkgengine/spatialindex"
	"github.com/pdok/gpkgengine/tms20"
)

const GPKG string = `gpkg`
const TABLE string = `table`
const CONFIG string = `config`
const LOGLEVEL string = `logLevel`
const LOGCONSOLE string = `logConsole`
const METRICSFILE string = `metricsFile`
const OUTPUT string = `output`
const FORMAT string = `format`
const XYZ string = `xyz`
const TILEMATRIXSET string = `tileMatrixSet`
const NATIVE string = `native`
const BBOX string = `bbox`
const CRS string = `crs`
const ZOOM string = `zoom`
const FORCE string = `force`
const RTREE string = `rtree`
const COUNT string = `count`

// engine is what every command shares: settings, logging, metrics and the opened GeoPackage
type engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	gpkg     *gpkg.GeoPackage
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1) //nolint:gocritic
	}
}

//nolint:funlen
func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "gpkgengine"
	app.Usage = "Render tiles from and index features of a GeoPackage"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:     GPKG,
			Aliases:  []string{"g"},
			Usage:    "GeoPackage to read from",
			Required: true,
			EnvVars:  []string{strcase.ToScreamingSnake(GPKG)},
		},
		&cli.StringFlag{
			Name:    CONFIG,
			Aliases: []string{"c"},
			Usage:   "YAML config file, see config.Config",
			EnvVars: []string{strcase.ToScreamingSnake(CONFIG)},
		},
		&cli.StringFlag{
			Name:    LOGLEVEL,
			Usage:   "debug, info, warn or error. Overrides the config file",
			EnvVars: []string{strcase.ToScreamingSnake(LOGLEVEL)},
		},
		&cli.BoolFlag{
			Name:    LOGCONSOLE,
			Usage:   "Human readable log lines instead of JSON",
			EnvVars: []string{strcase.ToScreamingSnake(LOGCONSOLE)},
		},
		&cli.StringFlag{
			Name:    METRICSFILE,
			Usage:   "Write prometheus metrics to this file when done, e.g. for the node exporter textfile collector",
			EnvVars: []string{strcase.ToScreamingSnake(METRICSFILE)},
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "tile",
			Usage: "Render one tile of a tile table",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     TABLE,
					Aliases:  []string{"t"},
					Usage:    "Tile table",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(TABLE)},
				},
				&cli.StringFlag{
					Name:    XYZ,
					Usage:   `Web map tile address x/y/z in EPSG:3857. E.g.: 8/5/4`,
					EnvVars: []string{strcase.ToScreamingSnake(XYZ)},
				},
				&cli.StringFlag{
					Name:    TILEMATRIXSET,
					Usage:   `Tile matrix set --xyz is addressed in: WebMercatorQuad or WorldCRS84Quad`,
					Value:   tms20.WebMercatorQuad,
					EnvVars: []string{strcase.ToScreamingSnake(TILEMATRIXSET)},
				},
				&cli.StringFlag{
					Name:    NATIVE,
					Usage:   `Tile address column/row/zoom in the tile matrices of the table`,
					EnvVars: []string{strcase.ToScreamingSnake(NATIVE)},
				},
				&cli.StringFlag{
					Name:    BBOX,
					Usage:   `Bounding box minx,miny,maxx,maxy, rendered from stored zoom --zoom`,
					EnvVars: []string{strcase.ToScreamingSnake(BBOX)},
				},
				&cli.StringFlag{
					Name:    CRS,
					Usage:   `CRS of --bbox, the CRS of the table when empty. E.g.: EPSG:4326`,
					EnvVars: []string{strcase.ToScreamingSnake(CRS)},
				},
				&cli.IntFlag{
					Name:    ZOOM,
					Aliases: []string{"z"},
					Usage:   "Stored zoom level for --bbox",
					EnvVars: []string{strcase.ToScreamingSnake(ZOOM)},
				},
				&cli.StringFlag{
					Name:    FORMAT,
					Aliases: []string{"f"},
					Usage:   "png or jpeg. Overrides the config file",
					EnvVars: []string{strcase.ToScreamingSnake(FORMAT)},
				},
				&cli.StringFlag{
					Name:     OUTPUT,
					Aliases:  []string{"o"},
					Usage:    "File to write the tile to",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(OUTPUT)},
				},
			},
			Action: withEngine(tileAction),
		},
		{
			Name:  "index",
			Usage: "Build the spatial index of feature tables when it isn't fresh",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{
					Name:    TABLE,
					Aliases: []string{"t"},
					Usage:   "Feature tables, all of them when absent",
					EnvVars: []string{strcase.ToScreamingSnake(TABLE)},
				},
				&cli.BoolFlag{
					Name:    FORCE,
					Usage:   "Rebuild even when the index is fresh",
					EnvVars: []string{strcase.ToScreamingSnake(FORCE)},
				},
				&cli.BoolFlag{
					Name:    RTREE,
					Usage:   "Create an R-tree (gpkg_rtree_index) instead of the index tables",
					EnvVars: []string{strcase.ToScreamingSnake(RTREE)},
				},
			},
			Action: withEngine(indexAction),
		},
		{
			Name:  "query",
			Usage: "Print the ids of the features whose envelopes intersect a bounding box",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     TABLE,
					Aliases:  []string{"t"},
					Usage:    "Feature table",
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(TABLE)},
				},
				&cli.StringFlag{
					Name:     BBOX,
					Usage:    `minx,miny,maxx,maxy. minx > maxx crosses the antimeridian`,
					Required: true,
					EnvVars:  []string{strcase.ToScreamingSnake(BBOX)},
				},
				&cli.StringFlag{
					Name:    CRS,
					Usage:   `CRS of --bbox, the CRS of the table when empty`,
					EnvVars: []string{strcase.ToScreamingSnake(CRS)},
				},
				&cli.BoolFlag{
					Name:    COUNT,
					Usage:   "Only print the number of features",
					EnvVars: []string{strcase.ToScreamingSnake(COUNT)},
				},
			},
			Action: withEngine(queryAction),
		},
	}
	return app
}

func withEngine(action func(*cli.Context, *engine) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := newEngine(c)
		if err != nil {
			return err
		}
		defer e.close(c.String(METRICSFILE))
		return action(c, e)
	}
}

func newEngine(c *cli.Context) (*engine, error) {
	cfg, err := config.Load(c.String(CONFIG))
	if err != nil {
		return nil, err
	}
	if c.IsSet(LOGLEVEL) {
		cfg.Log.Level = c.String(LOGLEVEL)
	}
	if c.IsSet(LOGCONSOLE) {
		cfg.Log.Console = c.Bool(LOGCONSOLE)
	}
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	e := &engine{
		cfg:      cfg,
		log:      observability.NewLogger(cfg.Log, os.Stderr),
		registry: prometheus.NewRegistry(),
	}
	e.metrics = observability.NewMetrics(e.registry)

	path := c.String(GPKG)
	if _, err = os.Stat(path); err != nil {
		return nil, fmt.Errorf("error opening GeoPackage: %w", err)
	}
	if e.gpkg, err = gpkg.Open(path); err != nil {
		return nil, err
	}
	e.log.Debug().Str("gpkg", path).Str("version", versioninfo.Short()).Msg("opened")
	return e, nil
}

func (e *engine) close(metricsFile string) {
	if err := e.gpkg.Close(); err != nil {
		e.log.Warn().Err(err).Msg("could not close GeoPackage")
	}
	if metricsFile == "" {
		return
	}
	if err := prometheus.WriteToTextfile(metricsFile, e.registry); err != nil {
		e.log.Warn().Err(err).Str("file", metricsFile).Msg("could not write metrics")
	}
}

func tileAction(c *cli.Context, e *engine) error {
	ctx := c.Context
	r, err := retriever.New(ctx, e.gpkg, c.String(TABLE), proj.NewRegistry(), e.cfg.Retriever.Options(&e.log, e.metrics))
	if err != nil {
		return err
	}
	format := e.cfg.Retriever.Format
	if c.IsSet(FORMAT) {
		if format, err = raster.ParseFormat(c.String(FORMAT)); err != nil {
			return err
		}
	}

	var result *retriever.Result
	switch {
	case c.IsSet(XYZ):
		var xyz [3]int
		if xyz, err = parseTileAddress(c.String(XYZ)); err != nil {
			return err
		}
		if xyz[0] < 0 || xyz[1] < 0 || xyz[2] < 0 {
			return fmt.Errorf("negative web map tile address %v", c.String(XYZ))
		}
		result, err = r.GetWellKnownTile(ctx, c.String(TILEMATRIXSET), uint(xyz[0]), uint(xyz[1]), uint(xyz[2]))
	case c.IsSet(NATIVE):
		var native [3]int
		if native, err = parseTileAddress(c.String(NATIVE)); err != nil {
			return err
		}
		result, err = r.GetNativeTile(ctx, native[0], native[1], native[2])
	case c.IsSet(BBOX):
		var box bbox.BoundingBox
		if box, err = parseBoundingBox(c.String(BBOX)); err != nil {
			return err
		}
		crs := r.CRS()
		if c.IsSet(CRS) {
			if crs, err = proj.ParseCRS(c.String(CRS)); err != nil {
				return err
			}
		}
		result, err = r.GetTileWithBounds(ctx, box, crs, c.Int(ZOOM))
	default:
		return errors.New("one of --xyz, --native or --bbox is required")
	}
	if err != nil {
		return err
	}
	if result == nil {
		e.log.Info().Str("table", r.Table()).Msg("no stored tiles, nothing written")
		return nil
	}

	data, err := result.Encode(format, e.cfg.Retriever.Quality)
	if err != nil {
		return err
	}
	output := c.String(OUTPUT)
	if err = os.WriteFile(output, data, 0o644); err != nil { //nolint:gosec
		return fmt.Errorf("could not write tile: %w", err)
	}
	e.log.Info().Str("output", output).Str("type", format.MimeType()).Int("zoom", result.Zoom).Bool("reprojected", result.Reprojected).
		Stringer("bbox", result.BoundingBox).Msg("tile written")
	return nil
}

func indexAction(c *cli.Context, e *engine) error {
	ctx := c.Context
	tables := c.StringSlice(TABLE)
	if len(tables) == 0 {
		featureTables, err := e.gpkg.FeatureTables(ctx)
		if err != nil {
			return err
		}
		for _, t := range featureTables {
			tables = append(tables, t.Name)
		}
	}

	registry := proj.NewRegistry()
	opts := e.cfg.Index.Options(&e.log, e.metrics)
	for _, table := range tables {
		if c.Bool(RTREE) {
			if _, err := spatialindex.EnableRTree(ctx, e.gpkg, table, registry, opts); err != nil {
				return err
			}
			e.log.Info().Str("table", table).Msg("R-tree created")
			continue
		}
		ix, err := spatialindex.New(ctx, e.gpkg, table, registry, opts)
		if err != nil {
			return err
		}
		built, err := ix.Index(ctx, c.Bool(FORCE), func(message string) {
			e.log.Info().Msg(message)
		})
		if err != nil {
			return err
		}
		e.log.Info().Str("table", table).Str("backend", string(ix.Kind())).Bool("rebuilt", built).Msg("index fresh")
	}
	return nil
}

func queryAction(c *cli.Context, e *engine) error {
	ctx := c.Context
	ix, err := spatialindex.New(ctx, e.gpkg, c.String(TABLE), proj.NewRegistry(), e.cfg.Index.Options(&e.log, e.metrics))
	if err != nil {
		return err
	}
	if _, err = ix.Index(ctx, false, nil); err != nil {
		return err
	}
	box, err := parseBoundingBox(c.String(BBOX))
	if err != nil {
		return err
	}
	crs := gpkg.CRS(ix.Table().SRS)
	if c.IsSet(CRS) {
		if crs, err = proj.ParseCRS(c.String(CRS)); err != nil {
			return err
		}
	}

	if c.Bool(COUNT) {
		count, err := ix.CountByBoundingBox(ctx, box, crs)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(c.App.Writer, count)
		return err
	}
	ids, err := ix.QueryByBoundingBox(ctx, box, crs)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err = fmt.Fprintln(c.App.Writer, id); err != nil {
			return err
		}
	}
	return nil
}

// parseTileAddress parses three integers separated by slashes
func parseTileAddress(s string) ([3]int, error) {
	var address [3]int
	parts := strings.Split(s, "/")
	if len(parts) != len(address) {
		return address, fmt.Errorf("tile address %q is not of the form a/b/c", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return address, fmt.Errorf("tile address %q: %w", s, err)
		}
		address[i] = v
	}
	return address, nil
}

// parseBoundingBox parses minx,miny,maxx,maxy. A minx larger than maxx is kept: it wraps the antimeridian.
func parseBoundingBox(s string) (bbox.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return bbox.BoundingBox{}, fmt.Errorf("bounding box %q is not of the form minx,miny,maxx,maxy", s)
	}
	var values [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return bbox.BoundingBox{}, fmt.Errorf("bounding box %q: %w", s, err)
		}
		values[i] = v
	}
	box := bbox.New(values[0], values[1], values[2], values[3])
	if box.MinY > box.MaxY {
		return bbox.BoundingBox{}, fmt.Errorf("bounding box %q has miny > maxy", s)
	}
	return box, nil
}
