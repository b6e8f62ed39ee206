// Package config holds the engine settings: defaults from struct tags, an optional YAML file on
// top and validation of the result.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pdok/gpkgengine/observability"
	"github.com/pdok/gpkgengine/raster"
	"github.com/pdok/gpkgengine/retriever"
	"github.com/pdok/gpkgengine/spatialindex"
	"github.com/pdok/gpkgengine/tilecreator"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

type Config struct {
	Retriever Retriever               `yaml:"retriever"`
	Index     Index                   `yaml:"index"`
	Log       observability.LogConfig `yaml:"log"`
}

type Retriever struct {
	// Width and Height of output tiles, 0 for the stored tile size
	Width  int `yaml:"width" validate:"gte=0,lte=8192"`
	Height int `yaml:"height" validate:"gte=0,lte=8192"`
	// Format and Quality of encoded output tiles
	Format  raster.Format `default:"png" yaml:"format" validate:"oneof=png jpeg"`
	Quality int           `default:"75" yaml:"quality" validate:"gte=1,lte=100"`
	// Alpha keeps straight (non premultiplied) alpha in output tiles
	Alpha bool `yaml:"alpha"`
	// Workers limits concurrent reprojection tasks, 0 uses all CPUs and 1 reprojects inline
	Workers   int `yaml:"workers" validate:"gte=0"`
	CacheSize int `default:"256" yaml:"cacheSize" validate:"gte=-1"`
}

type Index struct {
	ChunkSize int `default:"100" yaml:"chunkSize" validate:"gte=1"`
	// Backend forces rtree or table, empty detects it per table
	Backend spatialindex.Kind `yaml:"backend" validate:"omitempty,oneof=rtree table"`
}

// New returns the defaults
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("could not set config defaults: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML file over the defaults. An empty path means defaults only.
func Load(path string) (*Config, error) {
	cfg, err := New()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("could not parse config file %v: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	errs := make([]error, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		errs = append(errs, fmt.Errorf("invalid config value %v for %v (%v)", fieldErr.Value(), fieldErr.Namespace(), fieldErr.Tag()))
	}
	return errors.Join(errs...)
}

func (r Retriever) Options(logger *zerolog.Logger, metrics *observability.Metrics) retriever.Options {
	opts := retriever.Options{
		Width:     r.Width,
		Height:    r.Height,
		Allocator: raster.RGBAAllocator,
		Executor:  tilecreator.Parallel(r.Workers),
		CacheSize: r.CacheSize,
		Logger:    logger,
		Metrics:   metrics,
	}
	if r.Alpha {
		opts.Allocator = raster.NRGBAAllocator
	}
	if r.Workers == 1 {
		opts.Executor = tilecreator.Inline
	}
	return opts
}

func (i Index) Options(logger *zerolog.Logger, metrics *observability.Metrics) spatialindex.Options {
	return spatialindex.Options{
		Backend:   i.Backend,
		ChunkSize: i.ChunkSize,
		Logger:    logger,
		Metrics:   metrics,
	}
}
