// Package tms20 implements the OGC Tile Matrix Set standard (v2.0) as a slippy.Grid.
// It supplies the well-known web map grids (WebMercatorQuad, WorldCRS84Quad) that XYZ requests are addressed in.
// See https://www.ogc.org/standard/tms/
package tms20

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/slippy"
	"github.com/perimeterx/marshmallow"

	"github.com/pdok/gpkgengine/bbox"
	"github.com/pdok/gpkgengine/proj"
)

const (
	WebMercatorQuad = "WebMercatorQuad"
	WorldCRS84Quad  = "WorldCRS84Quad"
)

// TMID is the (integer) identifier of a tile matrix, usually the zoom level
type TMID = int

var (
	//go:embed tilematrixsets/*.json
	embeddedTileMatrixSetsJSONFS embed.FS
	embeddedTileMatrixSetsCache  = make(map[string]*TileMatrixSet)
	embeddedTileMatrixSetsMu     sync.Mutex

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// LoadJSONTileMatrixSet reads a tile matrix set from a JSON file on disk
func LoadJSONTileMatrixSet(path string) (TileMatrixSet, error) {
	var tms TileMatrixSet
	tmsJSON, err := os.ReadFile(path)
	if err != nil {
		return tms, err
	}
	err = json.Unmarshal(tmsJSON, &tms)
	return tms, err
}

func LoadEmbeddedTileMatrixSet(id string) (TileMatrixSet, error) {
	embeddedTileMatrixSetsMu.Lock()
	defer embeddedTileMatrixSetsMu.Unlock()
	if cached, ok := embeddedTileMatrixSetsCache[id]; ok {
		return *cached, nil
	}
	var tms TileMatrixSet
	tmsJSON, err := embeddedTileMatrixSetsJSONFS.ReadFile("tilematrixsets/" + id + ".json")
	if err != nil {
		return tms, err
	}
	if err = json.Unmarshal(tmsJSON, &tms); err != nil {
		return tms, err
	}
	embeddedTileMatrixSetsCache[id] = &tms
	return tms, nil
}

// MustLoadEmbeddedTileMatrixSet is for the built-in sets, which are known to be valid
func MustLoadEmbeddedTileMatrixSet(id string) TileMatrixSet {
	tms, err := LoadEmbeddedTileMatrixSet(id)
	if err != nil {
		panic(fmt.Errorf("embedded tile matrix set %v: %w", id, err))
	}
	return tms
}

// TileMatrixSet is a definition of a tile matrix set following the Tile Matrix Set standard.
type TileMatrixSet struct {
	// Tile matrix set identifier. Implementation of 'identifier'
	ID string `json:"id,omitempty"`
	// Title of this tile matrix set, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Brief narrative description of this tile matrix set, normally available for display to a human
	Description string `json:"description,omitempty"`
	// Reference to an official source for this TileMatrixSet
	URI         string   `validate:"omitempty,uri" json:"uri,omitempty"`
	OrderedAxes []string `validate:"omitnil,min=1" json:"orderedAxes"`
	// Coordinate Reference System (CRS)
	CRS CRS `validate:"required" json:"-"`
	// Reference to a well-known scale set
	WellKnownScaleSet string `validate:"omitempty,uri" json:"wellKnownScaleSet,omitempty"`
	// Minimum bounding rectangle surrounding the tile matrix set, in the supported CRS
	BoundingBox *TwoDBoundingBox `json:"boundingBox,omitempty"`
	// Describes scale levels and its tile matrices
	TileMatrices map[TMID]TileMatrix `validate:"required,min=1" json:"-"`
}

func (tms *TileMatrixSet) UnmarshalJSON(data []byte) error {
	err := defaults.Set(tms)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, tms, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	rawCrs, ok := specials["crs"]
	if !ok {
		return fmt.Errorf(`missing key "crs"`)
	}
	tms.CRS, err = unmarshalCRS(rawCrs)
	if err != nil {
		return err
	}

	rawTileMatrices, ok := specials["tileMatrices"]
	if !ok {
		return fmt.Errorf(`missing key "tileMatrices"`)
	}
	tms.TileMatrices, err = unmarshalTileMatrices(rawTileMatrices)
	if err != nil {
		return err
	}

	return validate.Struct(tms)
}

func unmarshalTileMatrices(rawTileMatrices interface{}) (map[TMID]TileMatrix, error) {
	rawTileMatricesList, ok := rawTileMatrices.([]interface{})
	if !ok {
		return nil, fmt.Errorf(`"tileMatrices" should be an array`)
	}
	tileMatrices := make(map[TMID]TileMatrix, len(rawTileMatricesList))
	for _, rawTileMatrix := range rawTileMatricesList {
		rawTileMatrixMap, ok := rawTileMatrix.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf(`"tileMatrices" should be objects`)
		}
		var tileMatrix TileMatrix
		err := tileMatrix.UnmarshalJSONFromMap(rawTileMatrixMap)
		if err != nil {
			return nil, err
		}
		tileMatrixID, err := strconv.ParseInt(tileMatrix.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("only integer-like ids are supported for tile matrices: %w", err)
		}
		tileMatrices[TMID(tileMatrixID)] = tileMatrix
	}
	return tileMatrices, nil
}

// unmarshalCRS tries the CRS types of the oneOf in order
func unmarshalCRS(rawCrs interface{}) (CRS, error) {
	var rawCrsMap map[string]interface{}
	switch v := rawCrs.(type) {
	case string:
		rawCrsMap = map[string]interface{}{"uri": v}
	case map[string]interface{}:
		rawCrsMap = v
	default:
		return nil, fmt.Errorf(`wrong type key "crs": %T`, rawCrs)
	}

	var uriCrs URICRS
	uriErr := uriCrs.UnmarshalJSONFromMap(rawCrsMap)
	if uriErr == nil {
		return &uriCrs, nil
	}

	var wktCrs WKTCRS
	wktErr := wktCrs.UnmarshalJSONFromMap(rawCrsMap)
	if wktErr == nil {
		return &wktCrs, nil
	}

	return nil, fmt.Errorf(`could not unmarshal crs into any CRS type. errors: %v`, []error{uriErr, wktErr})
}

type CRS interface {
	Description() string
	AuthorityName() string
	AuthorityCode() string
}

var (
	crsURIRegexURL = regexp.MustCompile("https?://.+/def/crs/(?P<authority>[^/]+)/[^/]+/(?P<code>[^/]+)$")
	crsURIRegexURN = regexp.MustCompile("^urn:ogc:def:crs:(?P<authority>[^:]+)::(?P<code>[^:]+)$")
)

// URICRS is a CRS referenced by an OGC definition URL or URN
type URICRS struct {
	description   string
	uri           string
	authorityName string
	authorityCode string
}

func (crs *URICRS) UnmarshalJSONFromMap(data interface{}) error {
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}

	if rawDescription, ok := dataMap["description"]; ok {
		crs.description, ok = rawDescription.(string)
		if !ok {
			return fmt.Errorf(`description property is not a string but a %T`, rawDescription)
		}
	}

	rawURI, ok := dataMap["uri"]
	if !ok {
		return fmt.Errorf(`uri property not found`)
	}
	crs.uri, ok = rawURI.(string)
	if !ok {
		return fmt.Errorf(`uri property is not a string but a %T`, rawURI)
	}

	uriParts := crsURIRegexURL.FindStringSubmatch(crs.uri)
	if uriParts == nil {
		uriParts = crsURIRegexURN.FindStringSubmatch(crs.uri)
	}
	if uriParts == nil {
		return fmt.Errorf(`could not parse crs uri "%v"`, crs.uri)
	}
	crs.authorityName = uriParts[1]
	crs.authorityCode = uriParts[2]
	return nil
}

func (crs *URICRS) Description() string {
	return crs.description
}

func (crs *URICRS) AuthorityName() string {
	return crs.authorityName
}

func (crs *URICRS) AuthorityCode() string {
	return crs.authorityCode
}

// WKTCRS is a CRS given as PROJJSON. Only its identifier is interpreted.
type WKTCRS struct {
	description string
	wkt         ProjJSON
}

type ProjJSON struct {
	ID ProjJSONID `validate:"required" json:"id"`
}

type ProjJSONID struct {
	AuthorityName string      `validate:"required" json:"authority"`
	AuthorityCode json.Number `validate:"required" json:"code"`
}

func (crs *WKTCRS) UnmarshalJSONFromMap(data interface{}) error {
	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}

	if rawDescription, ok := dataMap["description"]; ok {
		crs.description, ok = rawDescription.(string)
		if !ok {
			return fmt.Errorf(`description property is not a string but a %T`, rawDescription)
		}
	}

	rawWKT, ok := dataMap["wkt"]
	if !ok {
		return fmt.Errorf(`wkt property not found`)
	}
	wkt, ok := rawWKT.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`wkt property is not an object but a %T`, rawWKT)
	}
	rawID, ok := wkt["id"].(map[string]interface{})
	if !ok {
		return fmt.Errorf(`wkt has no id object`)
	}
	authority, _ := rawID["authority"].(string)
	crs.wkt.ID.AuthorityName = authority
	switch code := rawID["code"].(type) {
	case string:
		crs.wkt.ID.AuthorityCode = json.Number(code)
	case float64:
		crs.wkt.ID.AuthorityCode = json.Number(strconv.FormatFloat(code, 'f', -1, 64))
	}
	return validate.Struct(crs.wkt)
}

func (crs *WKTCRS) Description() string {
	return crs.description
}

func (crs *WKTCRS) AuthorityName() string {
	return crs.wkt.ID.AuthorityName
}

func (crs *WKTCRS) AuthorityCode() string {
	return crs.wkt.ID.AuthorityCode.String()
}

// TwoDBoundingBox is the minimum bounding rectangle surrounding a 2D resource in the CRS indicated elsewhere
type TwoDBoundingBox struct {
	LowerLeft   TwoDPoint `json:"lowerLeft"`
	UpperRight  TwoDPoint `json:"upperRight"`
	CRS         CRS       `json:"-"`
	OrderedAxes []string  `validate:"omitempty,len=2" json:"orderedAxes,omitempty"`
}

func (bb *TwoDBoundingBox) UnmarshalJSON(data []byte) error {
	err := defaults.Set(bb)
	if err != nil {
		return err
	}

	specials, err := marshmallow.Unmarshal(data, bb, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}

	if rawCrs, ok := specials["crs"]; ok {
		bb.CRS, err = unmarshalCRS(rawCrs)
		if err != nil {
			return err
		}
	}
	return validate.Struct(bb)
}

// TwoDPoint is a 2D Point in the CRS indicated elsewhere
type TwoDPoint [2]float64

func (p TwoDPoint) XY() [2]float64 {
	return p
}

// TileMatrix usually corresponds to a particular zoom level of a TileMatrixSet.
type TileMatrix struct {
	// Identifier selecting one of the scales defined in the TileMatrixSet
	ID string `validate:"required" json:"id"`
	// Title of this tile matrix, normally used for display to a human
	Title string `json:"title,omitempty"`
	// Scale denominator of this tile matrix
	ScaleDenominator float64 `validate:"required,gt=0" json:"scaleDenominator"`
	// Cell size of this tile matrix
	CellSize float64 `validate:"required,gt=0" json:"cellSize"`
	// The corner of the tile matrix (_topLeft_ or _bottomLeft_) used as the origin for numbering tile rows and columns.
	CornerOfOrigin CornerOfOrigin `validate:"omitempty,oneof=topLeft bottomLeft" json:"cornerOfOrigin,omitempty"`
	// Position in CRS coordinates of the corner of origin. This position is also a corner of the (0, 0) tile.
	PointOfOrigin TwoDPoint `json:"pointOfOrigin"`
	// Width of each tile of this tile matrix in pixels
	TileWidth uint `validate:"required,min=1" json:"tileWidth"`
	// Height of each tile of this tile matrix in pixels
	TileHeight uint `validate:"required,min=1" json:"tileHeight"`
	// Width of the matrix (number of tiles in width)
	MatrixWidth uint `validate:"required,min=1" json:"matrixWidth"`
	// Height of the matrix (number of tiles in height)
	MatrixHeight uint `validate:"required,min=1" json:"matrixHeight"`
}

func (tm *TileMatrix) UnmarshalJSONFromMap(data interface{}) error {
	err := defaults.Set(tm)
	if err != nil {
		return err
	}

	dataMap, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf(`data is not a map but a %T`, data)
	}

	_, err = marshmallow.UnmarshalFromJSONMap(dataMap, tm, marshmallow.WithExcludeKnownFieldsFromMap(true))
	if err != nil {
		return err
	}
	if tm.CornerOfOrigin == "" {
		tm.CornerOfOrigin = TopLeft
	}
	return validate.Struct(tm)
}

// TileSpan returns the width and height of one tile in CRS units
func (tm *TileMatrix) TileSpan() (float64, float64) {
	return float64(tm.TileWidth) * tm.CellSize, float64(tm.TileHeight) * tm.CellSize
}

type CornerOfOrigin string

const (
	TopLeft    CornerOfOrigin = "topLeft"
	BottomLeft CornerOfOrigin = "bottomLeft"
)

// ProjCRS returns the CRS of the set the way the proj registry identifies it
func (tms *TileMatrixSet) ProjCRS() (proj.CRS, error) {
	if tms.CRS == nil {
		return proj.CRS{}, fmt.Errorf("tile matrix set %v has no crs", tms.ID)
	}
	return proj.ParseCRS(tms.CRS.AuthorityName() + ":" + tms.CRS.AuthorityCode())
}

func (tms *TileMatrixSet) Size(zoom uint) (*slippy.Tile, bool) {
	tm, ok := tms.TileMatrices[TMID(zoom)]
	if !ok {
		return nil, false
	}
	return slippy.NewTile(zoom, tm.MatrixWidth, tm.MatrixHeight), true
}

// ToNative returns the top left corner of the tile
func (tms *TileMatrixSet) ToNative(tile *slippy.Tile) (geom.Point, bool) {
	topLeftPt := geom.Point{}
	tm, ok := tms.TileMatrices[TMID(tile.Z)]
	if !ok {
		return topLeftPt, false
	}
	if tile.X > tm.MatrixWidth || tile.Y > tm.MatrixHeight {
		// >, not >= because "should be able to take tiles with x and y values 1 higher than the max"
		return topLeftPt, false
	}

	tileSizeX, tileSizeY := tm.TileSpan()
	topLeftPt[0] = tm.PointOfOrigin.XY()[0] + float64(tile.X)*tileSizeX
	switch tm.CornerOfOrigin {
	case BottomLeft:
		topLeftPt[1] = tm.PointOfOrigin.XY()[1] + float64(tile.Y+1)*tileSizeY
	default:
		topLeftPt[1] = tm.PointOfOrigin.XY()[1] - float64(tile.Y)*tileSizeY
	}
	return topLeftPt, true
}

// TileBoundingBox returns the area covered by one tile of the set
func (tms *TileMatrixSet) TileBoundingBox(tile *slippy.Tile) (bbox.BoundingBox, bool) {
	topLeft, ok := tms.ToNative(tile)
	if !ok {
		return bbox.BoundingBox{}, false
	}
	tm := tms.TileMatrices[TMID(tile.Z)]
	tileSizeX, tileSizeY := tm.TileSpan()
	return bbox.New(topLeft.X(), topLeft.Y()-tileSizeY, topLeft.X()+tileSizeX, topLeft.Y()), true
}

// MatrixBoundingBox returns the bottom left and top right corner of the complete tile matrix
func (tms *TileMatrixSet) MatrixBoundingBox(tmID TMID) (bottomLeft, topRight geom.Point, err error) {
	tm, ok := tms.TileMatrices[tmID]
	if !ok {
		return bottomLeft, topRight, fmt.Errorf("tile matrix %v not found in %v", tmID, tms.ID)
	}
	tileSizeX, tileSizeY := tm.TileSpan()
	width := float64(tm.MatrixWidth) * tileSizeX
	height := float64(tm.MatrixHeight) * tileSizeY
	origin := tm.PointOfOrigin.XY()
	switch tm.CornerOfOrigin {
	case BottomLeft:
		bottomLeft = geom.Point{origin[0], origin[1]}
	default:
		bottomLeft = geom.Point{origin[0], origin[1] - height}
	}
	topRight = geom.Point{bottomLeft.X() + width, bottomLeft.Y() + height}
	return bottomLeft, topRight, nil
}

// Zooms returns the ids of the tile matrices in ascending order
func (tms *TileMatrixSet) Zooms() []TMID {
	zooms := make([]TMID, 0, len(tms.TileMatrices))
	for z := range tms.TileMatrices {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	return zooms
}
