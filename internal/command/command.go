package command

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed command.schema.json
var commandSchemaJSON string

var commandSchema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(commandSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("command: compiling command schema: %v", err))
	}
	return s
}()

var cborDecoder = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("command: cbor decoder: %v", err))
	}
	return dm
}()

// Command is one user request to a device or a system handler.
//
// Commands without a DeviceID are system commands. UserID and Source are
// never taken from the payload; the transport sets them from the
// authenticated connection.
type Command struct {
	ID         string         `json:"id,omitempty"`
	Verb       string         `json:"command"`
	DeviceID   string         `json:"device_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	UserID     string    `json:"-"`
	Source     string    `json:"-"`
	ReceivedAt time.Time `json:"-"`
}

// IsSystem reports whether the command targets a system handler.
func (c *Command) IsSystem() bool { return c.DeviceID == "" }

// Parse decodes a JSON command and validates it against the command
// schema. A missing id is generated.
func Parse(raw []byte) (*Command, error) {
	result, err := commandSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrMalformedCommand, strings.Join(msgs, "; "))
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	return &cmd, nil
}

// ParseCBOR decodes a CBOR command with the same structure as the JSON
// form.
func ParseCBOR(raw []byte) (*Command, error) {
	var doc any
	if err := cborDecoder.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	asJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCommand, err)
	}
	return Parse(asJSON)
}
