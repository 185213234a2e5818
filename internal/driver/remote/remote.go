// Package remote implements a driver that forwards commands over MQTT to
// an out-of-process agent sitting next to the hardware.
//
// Requests go to {prefix}/driver/{agent}/request and answers come back on
// {prefix}/driver/{agent}/response, correlated by request ID. Payloads are
// JSON by default; set "encoding: cbor" for constrained agents.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/infrastructure/mqtt"
)

// Kind is the driver type tag for remote drivers.
const Kind = "remote"

const (
	defaultTimeout = 5 * time.Second
	requestQoS     = 1

	verbInitialize = "initialize"
	verbShutdown   = "shutdown"
	verbPrepare    = "prepare"
	verbCleanup    = "cleanup"
)

// ErrTimeout is returned when the agent does not answer in time.
var ErrTimeout = errors.New("remote: agent did not respond")

// Transport is the subset of the MQTT client the driver needs.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Request is sent to the agent.
type Request struct {
	ID       string          `json:"id" cbor:"id"`
	Verb     string          `json:"verb" cbor:"verb"`
	Args     map[string]any  `json:"args,omitempty" cbor:"args,omitempty"`
	Settings driver.Settings `json:"settings,omitempty" cbor:"settings,omitempty"`
	Pipeline string          `json:"pipeline_id,omitempty" cbor:"pipeline_id,omitempty"`
}

// Response is the agent's answer.
type Response struct {
	ID     string         `json:"id" cbor:"id"`
	OK     bool           `json:"ok" cbor:"ok"`
	Result map[string]any `json:"result,omitempty" cbor:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty" cbor:"error,omitempty"`

	// Status lets the agent report the device state alongside an answer;
	// "faulted" marks the device faulted.
	Status driver.Status `json:"status,omitempty" cbor:"status,omitempty"`
}

// ResponseError describes a failed request.
type ResponseError struct {
	Code    string         `json:"code,omitempty" cbor:"code,omitempty"`
	Message string         `json:"message" cbor:"message"`
	Data    map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

// Driver talks to one remote agent.
type Driver struct {
	driver.Base

	transport Transport
	topics    mqtt.Topics

	mu      sync.Mutex
	agent   string
	timeout time.Duration
	codec   codec
	pending map[string]chan Response
	subbed  bool
}

// New creates a remote driver using transport and topics.
func New(transport Transport, topics mqtt.Topics) *Driver {
	return &Driver{
		transport: transport,
		topics:    topics,
		pending:   make(map[string]chan Response),
		codec:     jsonCodec{},
		timeout:   defaultTimeout,
	}
}

// Factory returns a driver.Factory bound to transport.
func Factory(transport Transport, topics mqtt.Topics) driver.Factory {
	return func() driver.Driver { return New(transport, topics) }
}

// Initialize subscribes to the agent's response topic and sends it the
// device settings. Recognised settings: agent (required), timeout,
// encoding ("json" or "cbor").
func (d *Driver) Initialize(ctx context.Context, settings driver.Settings) error {
	agent, err := settings.String("agent", "")
	if err != nil {
		return err
	}
	if agent == "" {
		return fmt.Errorf("%w: remote driver requires an agent setting", driver.ErrInvalidSetting)
	}
	timeout, err := settings.Duration("timeout", defaultTimeout)
	if err != nil {
		return err
	}
	encoding, err := settings.String("encoding", "json")
	if err != nil {
		return err
	}
	c, err := codecFor(encoding)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.agent, d.timeout, d.codec = agent, timeout, c
	d.mu.Unlock()

	if err := d.transport.Subscribe(d.topics.DriverResponse(agent), requestQoS, d.handleResponse); err != nil {
		d.SetStatus(driver.StatusFaulted)
		return fmt.Errorf("%w: subscribing to agent %s: %w", driver.ErrInitFailed, agent, err)
	}
	d.mu.Lock()
	d.subbed = true
	d.mu.Unlock()

	if _, err := d.roundTrip(ctx, Request{Verb: verbInitialize, Settings: settings}); err != nil {
		d.SetStatus(driver.StatusFaulted)
		return fmt.Errorf("%w: %w", driver.ErrInitFailed, err)
	}
	d.SetStatus(driver.StatusReady)
	return nil
}

// Execute forwards verb to the agent.
func (d *Driver) Execute(ctx context.Context, verb string, args driver.Args) (driver.Result, error) {
	if err := d.CheckAvailable(); err != nil {
		return nil, err
	}
	res, err := d.roundTrip(ctx, Request{Verb: verb, Args: args})
	if err != nil {
		return nil, err
	}
	return driver.Result(res), nil
}

// Shutdown tells the agent to release the device and unsubscribes.
// Agent errors are returned but the driver always ends uninitialised.
func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	subbed, agent := d.subbed, d.agent
	d.subbed = false
	d.mu.Unlock()

	defer d.SetStatus(driver.StatusUninitialized)
	if !subbed {
		return nil
	}

	var errs []error
	if d.Status() != driver.StatusFaulted {
		if _, err := d.roundTrip(ctx, Request{Verb: verbShutdown}); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.transport.Unsubscribe(d.topics.DriverResponse(agent)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// PrepareForSession implements driver.SessionPreparer.
func (d *Driver) PrepareForSession(ctx context.Context, pipelineID string) error {
	_, err := d.roundTrip(ctx, Request{Verb: verbPrepare, Pipeline: pipelineID})
	return err
}

// CleanupAfterSession implements driver.SessionCleaner.
func (d *Driver) CleanupAfterSession(ctx context.Context) error {
	_, err := d.roundTrip(ctx, Request{Verb: verbCleanup})
	return err
}

func (d *Driver) roundTrip(ctx context.Context, req Request) (map[string]any, error) {
	req.ID = uuid.NewString()
	reply := make(chan Response, 1)

	d.mu.Lock()
	agent, timeout, c := d.agent, d.timeout, d.codec
	d.pending[req.ID] = reply
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, req.ID)
		d.mu.Unlock()
	}()

	payload, err := c.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Verb, err)
	}
	if err := d.transport.Publish(d.topics.DriverRequest(agent), payload, requestQoS, false); err != nil {
		return nil, fmt.Errorf("sending %s to agent %s: %w", req.Verb, agent, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		if resp.Status == driver.StatusFaulted {
			d.SetStatus(driver.StatusFaulted)
		}
		if !resp.OK {
			return nil, responseError(req.Verb, resp)
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, req.Verb, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func responseError(verb string, resp Response) error {
	if resp.Error == nil {
		return driver.NewCommandError(verb, "agent reported failure", nil)
	}
	ce := driver.NewCommandError(verb, resp.Error.Message, resp.Error.Data)
	if resp.Error.Code == "unknown_command" {
		ce.Err = driver.ErrUnknownCommand
	}
	return ce
}

// handleResponse routes an agent answer to the waiting request.
func (d *Driver) handleResponse(_ string, payload []byte) error {
	d.mu.Lock()
	c := d.codec
	d.mu.Unlock()

	var resp Response
	if err := c.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decoding agent response: %w", err)
	}

	d.mu.Lock()
	reply, ok := d.pending[resp.ID]
	d.mu.Unlock()
	if !ok {
		return nil // late answer to a request that already timed out
	}
	select {
	case reply <- resp:
	default:
	}
	return nil
}

type codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// cborDecMode decodes nested maps as map[string]any so results can be
// re-encoded as JSON for the API.
var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDecMode.Unmarshal(data, v) }

func codecFor(encoding string) (codec, error) {
	switch encoding {
	case "", "json":
		return jsonCodec{}, nil
	case "cbor":
		return cborCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %q", driver.ErrInvalidSetting, encoding)
	}
}

var (
	_ driver.Driver          = (*Driver)(nil)
	_ driver.SessionPreparer = (*Driver)(nil)
	_ driver.SessionCleaner  = (*Driver)(nil)
)
