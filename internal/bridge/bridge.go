package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/hwm-core/internal/command"
	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hwm-core/internal/session"
)

const (
	defaultQueueSize = 256

	// commandTimeout bounds one inbound command, driver time included.
	commandTimeout = 30 * time.Second

	// maxInFlight bounds concurrently dispatched inbound commands.
	maxInFlight = 16
)

// ErrNoClient is returned by New without an MQTT client.
var ErrNoClient = errors.New("bridge: mqtt client required")

// Logger defines the logging interface used by the Bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
}

// Dispatcher runs inbound commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd *command.Command) (*command.Response, error)
}

// StreamWriter carries raw session input into a pipeline.
type StreamWriter interface {
	WriteStream(ctx context.Context, userID, sessionID string, data []byte) error
}

// Bindings reports which active pipeline holds a device.
type Bindings interface {
	BoundPipeline(deviceID string) (string, bool)
}

// Options configures a Bridge.
type Options struct {
	MQTT   MQTTClient
	Topics mqtt.Topics
	QoS    byte

	// Dispatcher enables inbound commands when set.
	Dispatcher Dispatcher

	// Streams enables inbound session stream input when set.
	Streams StreamWriter

	// Bindings tags telemetry with the device's pipeline when set.
	Bindings Bindings

	QueueSize int
	Logger    Logger
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// Bridge publishes station events to MQTT and accepts commands from it.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	client     MQTTClient
	topics     mqtt.Topics
	qos        byte
	dispatcher Dispatcher
	streams    StreamWriter
	bindings   Bindings
	logger     Logger
	now        func() time.Time

	queue    chan outbound
	inFlight chan struct{}
	dropped  atomic.Uint64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan struct{}
	running bool

	commands  sync.WaitGroup
	publisher sync.WaitGroup
}

// New creates a bridge. Call Start before events are published.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, ErrNoClient
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		client:     opts.MQTT,
		topics:     opts.Topics,
		qos:        opts.QoS,
		dispatcher: opts.Dispatcher,
		streams:    opts.Streams,
		bindings:   opts.Bindings,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan outbound, size),
		inFlight:   make(chan struct{}, maxInFlight),
	}, nil
}

// Start launches the publisher and, with a Dispatcher, subscribes to the
// command topics. Inbound commands run under ctx.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	if b.dispatcher != nil {
		if err := b.client.Subscribe(b.topics.AllCommands(), b.qos, b.handleCommand); err != nil {
			return fmt.Errorf("subscribing to commands: %w", err)
		}
		b.logger.Info("accepting MQTT commands", "topic", b.topics.AllCommands())
	}
	if b.streams != nil {
		if err := b.client.Subscribe(b.topics.AllStreamInputs(), b.qos, b.handleStream); err != nil {
			if b.dispatcher != nil {
				_ = b.client.Unsubscribe(b.topics.AllCommands()) //nolint:errcheck // best effort
			}
			return fmt.Errorf("subscribing to stream input: %w", err)
		}
		b.logger.Info("accepting MQTT stream input", "topic", b.topics.AllStreamInputs())
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.stop = make(chan struct{})
	b.running = true

	b.publisher.Add(1)
	go b.publishLoop(b.stop)
	return nil
}

// Stop unsubscribes, cancels in-flight commands, then publishes what is
// still queued, including their responses.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	if b.dispatcher != nil {
		if err := b.client.Unsubscribe(b.topics.AllCommands()); err != nil {
			b.logger.Warn("unsubscribing from commands failed", "error", err)
		}
	}
	if b.streams != nil {
		if err := b.client.Unsubscribe(b.topics.AllStreamInputs()); err != nil {
			b.logger.Warn("unsubscribing from stream input failed", "error", err)
		}
	}
	b.cancel()
	stop := b.stop
	b.mu.Unlock()

	b.commands.Wait()
	close(stop)
	b.publisher.Wait()

	if n := b.dropped.Load(); n > 0 {
		b.logger.Warn("bridge dropped messages", "count", n)
	}
}

// Dropped returns how many outbound messages were discarded on a full queue.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) publishLoop(stop <-chan struct{}) {
	defer b.publisher.Done()
	for {
		select {
		case msg := <-b.queue:
			b.publish(msg)
		case <-stop:
			for {
				select {
				case msg := <-b.queue:
					b.publish(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(msg outbound) {
	if err := b.client.Publish(msg.topic, msg.payload, b.qos, msg.retained); err != nil {
		b.logger.Warn("MQTT publish failed", "topic", msg.topic, "error", err)
	}
}

func (b *Bridge) enqueue(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("encoding MQTT payload failed", "topic", topic, "error", err)
		return
	}
	b.enqueueRaw(topic, payload, retained)
}

func (b *Bridge) enqueueRaw(topic string, payload []byte, retained bool) {
	select {
	case b.queue <- outbound{topic: topic, payload: payload, retained: retained}:
	default:
		b.dropped.Add(1)
		b.logger.Debug("MQTT queue full, message dropped", "topic", topic)
	}
}

// SessionChanged implements session.EventSink.
func (b *Bridge) SessionChanged(_ context.Context, ev session.Event) {
	b.enqueue(b.topics.SessionEvent(ev.Session.ID), SessionMessage{
		Type:     ev.Type(),
		Session:  ev.Session,
		Previous: ev.Previous,
		Time:     ev.Time,
	}, false)
}

// DeviceStatusChanged matches device.StatusObserver.
func (b *Bridge) DeviceStatusChanged(deviceID string, status driver.Status) {
	b.enqueue(b.topics.DeviceStatus(deviceID), DeviceStatusMessage{
		DeviceID: deviceID,
		Status:   string(status),
		Time:     b.now().UTC(),
	}, true)
}

// PublishTelemetry implements driver.TelemetrySink.
func (b *Bridge) PublishTelemetry(deviceID, stream string, datum any) {
	msg := TelemetryMessage{
		DeviceID: deviceID,
		Stream:   stream,
		Datum:    datum,
		Time:     b.now().UTC(),
	}
	if b.bindings != nil {
		msg.PipelineID, _ = b.bindings.BoundPipeline(deviceID)
	}
	b.enqueue(b.topics.Telemetry(deviceID, stream), msg, false)
}

// handleCommand decodes an inbound command and dispatches it off the MQTT
// callback goroutine. JSON payloads are answered in JSON, anything else is
// decoded as CBOR and answered in CBOR.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	userID := mqtt.LastSegment(topic)
	if userID == "" {
		return fmt.Errorf("%w: no user in topic %q", command.ErrMalformedCommand, topic)
	}
	isJSON := bytes.HasPrefix(bytes.TrimSpace(payload), []byte("{"))

	var (
		cmd *command.Command
		err error
	)
	if isJSON {
		cmd, err = command.Parse(payload)
	} else {
		cmd, err = command.ParseCBOR(payload)
	}
	if err != nil {
		now := b.now()
		b.respond(userID, command.ErrorResponse(&command.Command{ReceivedAt: now}, err, now), isJSON)
		return err
	}
	cmd.UserID = userID
	cmd.Source = "mqtt"
	cmd.ReceivedAt = b.now()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	ctx := b.ctx
	b.commands.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.commands.Done()
		b.inFlight <- struct{}{}
		defer func() { <-b.inFlight }()

		// Commands still waiting for a slot when Stop runs are answered,
		// not dispatched.
		if err := ctx.Err(); err != nil {
			b.respond(userID, command.ErrorResponse(cmd, fmt.Errorf("bridge stopping: %w", err), b.now()), isJSON)
			return
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		defer cancel()
		resp, _ := b.dispatcher.Dispatch(cmdCtx, cmd) //nolint:errcheck // the envelope carries the error
		b.respond(userID, resp, isJSON)
	}()
	return nil
}

// handleStream writes one chunk of session input. It runs on the MQTT
// callback goroutine so chunks reach the device in publish order.
func (b *Bridge) handleStream(topic string, payload []byte) error {
	ids := mqtt.LastSegments(topic, 2)
	if ids == nil || ids[0] == "" || ids[1] == "" {
		return fmt.Errorf("%w: no user and session in topic %q", command.ErrMalformedCommand, topic)
	}
	userID, sessionID := ids[0], ids[1]

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	ctx := b.ctx
	b.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := b.streams.WriteStream(wctx, userID, sessionID, payload); err != nil {
		b.logger.Warn("MQTT stream input rejected",
			"user_id", userID, "session_id", sessionID, "bytes", len(payload), "error", err)
		b.enqueue(b.topics.CommandResponse(userID), StreamErrorMessage{
			SessionID: sessionID,
			Code:      command.ErrorCode(err),
			Message:   err.Error(),
			Time:      b.now().UTC(),
		}, false)
		return err
	}
	return nil
}

// SessionOutput implements session.StreamSink. Output is published raw.
func (b *Bridge) SessionOutput(s session.Session, data []byte) {
	b.enqueueRaw(b.topics.SessionOutput(s.ID), append([]byte(nil), data...), false)
}

func (b *Bridge) respond(userID string, resp *command.Response, asJSON bool) {
	topic := b.topics.CommandResponse(userID)
	if asJSON {
		b.enqueue(topic, resp, false)
		return
	}
	payload, err := resp.MarshalCBOR()
	if err != nil {
		b.logger.Error("encoding CBOR response failed", "command_id", resp.ID, "error", err)
		return
	}
	b.enqueueRaw(topic, payload, false)
}

var (
	_ session.EventSink    = (*Bridge)(nil)
	_ driver.TelemetrySink = (*Bridge)(nil)
	_ session.StreamSink   = (*Bridge)(nil)
)
