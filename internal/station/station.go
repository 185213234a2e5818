// Package station loads the hardware declarations of a ground station:
// the devices it owns and the pipelines built from them.
//
//	devices:
//	  - id: radio-1
//	    driver: hamlib-rig
//	    settings:
//	      address: 127.0.0.1:4532
//	pipelines:
//	  - id: uhf-downlink
//	    devices: [rotator-1, radio-1]
//	    setup:
//	      - device_id: radio-1
//	        command: set_frequency
//	        parameters: {frequency: 437500000}
//
// Files are validated against an embedded JSON schema before any device
// is created. An empty file declares an empty station.
package station

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/hwm-core/internal/device"
	"github.com/nerrad567/hwm-core/internal/pipeline"
)

//go:embed station.schema.json
var stationSchemaJSON string

var stationSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(stationSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("station: compiling station schema: %v", err))
	}
	return s
}()

// Declarations is the content of a station file.
type Declarations struct {
	Devices   []device.Spec   `yaml:"devices"`
	Pipelines []pipeline.Spec `yaml:"pipelines"`
}

// Parse validates and decodes a station document. Schema violations wrap
// device.ErrConfigInvalid.
func Parse(raw []byte) (*Declarations, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parsing station file: %w", device.ErrConfigInvalid, err)
	}
	if doc == nil {
		return &Declarations{}, nil
	}

	result, err := stationSchema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: validating station file: %w", device.ErrConfigInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, fmt.Errorf("%w: %s", device.ErrConfigInvalid, strings.Join(msgs, "; "))
	}

	var decl Declarations
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&decl); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: decoding station file: %w", device.ErrConfigInvalid, err)
	}
	return &decl, nil
}

// Load reads and parses a station file.
func Load(path string) (*Declarations, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("reading station file: %w", err)
	}
	return Parse(raw)
}

// DeviceLoader registers devices.
type DeviceLoader interface {
	LoadAll(ctx context.Context, specs []device.Spec) error
}

// PipelineBuilder builds pipelines.
type PipelineBuilder interface {
	BuildAll(ctx context.Context, specs []pipeline.Spec) error
}

// Apply registers every device and then builds every pipeline. Failures
// are per item: a bad device or pipeline is reported in the joined error
// while the rest of the station comes up.
func (d *Declarations) Apply(ctx context.Context, devices DeviceLoader, pipelines PipelineBuilder) error {
	devErr := devices.LoadAll(ctx, d.Devices)
	pipeErr := pipelines.BuildAll(ctx, d.Pipelines)
	return errors.Join(devErr, pipeErr)
}
