package proj

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/wroge/wgs84"
)

// Registry resolves CRSs into wgs84 coordinate reference systems.
// Lookups are cached and it is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	systems  map[string]wgs84.CoordinateReferenceSystem
	byDef    map[string]wgs84.CoordinateReferenceSystem
	epsgCode func(int) wgs84.CoordinateReferenceSystem
}

func NewRegistry() *Registry {
	r := &Registry{
		systems:  make(map[string]wgs84.CoordinateReferenceSystem),
		byDef:    make(map[string]wgs84.CoordinateReferenceSystem),
		epsgCode: wgs84.EPSG().Code,
	}
	r.systems[WGS84.Key()] = wgs84.LonLat()
	r.systems[WebMercator.Key()] = wgs84.WebMercator()
	return r
}

// Register adds (or replaces) the system for an organization/code pair
func (r *Registry) Register(crs CRS, system wgs84.CoordinateReferenceSystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systems[crs.Key()] = system
}

// RegisterDefinition parses a PROJ or WKT definition and registers it under the CRS key
func (r *Registry) RegisterDefinition(crs CRS, definition string) error {
	system, err := parseDefinition(definition, r.lookupEPSG)
	if err != nil {
		return err
	}
	r.Register(crs, system)
	return nil
}

// Resolve finds the system for crs: first by organization and code, then by its raw definition.
func (r *Registry) Resolve(crs CRS) (wgs84.CoordinateReferenceSystem, error) {
	key := crs.Key()
	r.mu.RLock()
	system, ok := r.systems[key]
	if !ok && crs.Definition != "" {
		system, ok = r.byDef[crs.Definition]
	}
	r.mu.RUnlock()
	if ok {
		return system, nil
	}

	var none wgs84.CoordinateReferenceSystem
	if strings.EqualFold(crs.Organization, EPSG) {
		if system, ok = r.lookupEPSG(crs.Code); ok {
			r.Register(crs, system)
			return system, nil
		}
	}
	if crs.Definition != "" {
		system, err := parseDefinition(crs.Definition, r.lookupEPSG)
		if err == nil {
			r.mu.Lock()
			r.byDef[crs.Definition] = system
			r.mu.Unlock()
			return system, nil
		}
		return none, fmt.Errorf("%w: %v: %v", ErrProjectionUnavailable, crs, err)
	}
	return none, fmt.Errorf("%w: %v", ErrProjectionUnavailable, crs)
}

// Conversion returns the point conversion from one system to another
func (r *Registry) Conversion(from, to CRS) (*Conversion, error) {
	if SameProjection(from, to) {
		return &Conversion{from: from, to: to, identity: true}, nil
	}
	fromSystem, err := r.Resolve(from)
	if err != nil {
		return nil, err
	}
	toSystem, err := r.Resolve(to)
	if err != nil {
		return nil, err
	}
	return &Conversion{
		from:    from,
		to:      to,
		forward: wgs84.Transform(fromSystem, toSystem),
		inverse: wgs84.Transform(toSystem, fromSystem),
	}, nil
}

// lookupEPSG asks the wgs84 EPSG repository for a code. The repository hands back an unusable
// system for codes it doesn't know, which is detected with a probe transformation.
func (r *Registry) lookupEPSG(code int) (wgs84.CoordinateReferenceSystem, bool) {
	system := r.epsgCode(code)
	if !probe(system) {
		return system, false
	}
	return system, true
}

func probe(system wgs84.CoordinateReferenceSystem) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	x, y, _ := wgs84.Transform(wgs84.LonLat(), system)(0, 0, 0)
	return !math.IsNaN(x) && !math.IsNaN(y) && !math.IsInf(x, 0) && !math.IsInf(y, 0)
}

// Conversion transforms x/y coordinates between two systems
type Conversion struct {
	from, to         CRS
	identity         bool
	forward, inverse transformFunc
}

// Identity reports whether source and target are the same projection
func (c *Conversion) Identity() bool {
	return c.identity
}

func (c *Conversion) Forward(x, y float64) (float64, float64, error) {
	if c.identity {
		return x, y, nil
	}
	return apply(c.forward, c.from, c.to, x, y)
}

func (c *Conversion) InverseTransform(x, y float64) (float64, float64, error) {
	if c.identity {
		return x, y, nil
	}
	return apply(c.inverse, c.to, c.from, x, y)
}

// Convert makes a Conversion usable as a bbox.PointConverter
func (c *Conversion) Convert(x, y float64) (float64, float64, error) {
	return c.Forward(x, y)
}

// Inverse returns the conversion in the opposite direction
func (c *Conversion) Inverse() *Conversion {
	return &Conversion{
		from:     c.to,
		to:       c.from,
		identity: c.identity,
		forward:  c.inverse,
		inverse:  c.forward,
	}
}

type transformFunc = func(a, b, c float64) (float64, float64, float64)

func apply(f transformFunc, from, to CRS, x, y float64) (float64, float64, error) {
	x2, y2, _ := f(x, y, 0)
	if math.IsNaN(x2) || math.IsNaN(y2) {
		return x2, y2, fmt.Errorf("coordinate (%v, %v) can't be transformed from %v to %v", x, y, from, to)
	}
	return x2, y2, nil
}
