// Package hamlib drives radios and antenna rotators through hamlib's
// rigctld and rotctld network daemons.
//
// The daemons speak a line protocol: one short command per line, answered
// either by value lines (get commands) or "RPRT <code>" (set commands and
// errors). The driver can also launch and supervise the daemon itself.
package hamlib

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/hwm-core/internal/driver"
	"github.com/nerrad567/hwm-core/internal/process"
)

// Driver type tags.
const (
	KindRig     = "hamlib-rig"
	KindRotator = "hamlib-rotator"
)

const (
	defaultRigAddress     = "127.0.0.1:4532"
	defaultRotatorAddress = "127.0.0.1:4533"
	defaultTimeout        = 3 * time.Second
	daemonStartTimeout    = 10 * time.Second
	daemonPollInterval    = 100 * time.Millisecond
)

// hamlib status codes worth distinguishing.
const (
	codeNotImplemented = 4
	codeNotAvailable   = 11
)

// verbSpec maps a driver verb onto a hamlib command.
type verbSpec struct {
	cmd     string
	params  []string
	results []string
}

var rigVerbs = map[string]verbSpec{
	"set_frequency": {cmd: "F", params: []string{"frequency"}},
	"get_frequency": {cmd: "f", results: []string{"frequency"}},
	"set_mode":      {cmd: "M", params: []string{"mode", "passband"}},
	"get_mode":      {cmd: "m", results: []string{"mode", "passband"}},
	"set_ptt":       {cmd: "T", params: []string{"ptt"}},
	"get_ptt":       {cmd: "t", results: []string{"ptt"}},
	"set_vfo":       {cmd: "V", params: []string{"vfo"}},
	"get_vfo":       {cmd: "v", results: []string{"vfo"}},
}

var rotatorVerbs = map[string]verbSpec{
	"set_position": {cmd: "P", params: []string{"azimuth", "elevation"}},
	"get_position": {cmd: "p", results: []string{"azimuth", "elevation"}},
	"stop":         {cmd: "S"},
	"park":         {cmd: "K"},
}

// Driver talks to one rigctld or rotctld instance.
type Driver struct {
	driver.Base

	verbs       map[string]verbSpec
	defaultAddr string
	safeState   []string // verbs run by CleanupAfterSession

	// mu serialises the line protocol.
	mu      sync.Mutex
	addr    string
	timeout time.Duration
	conn    net.Conn
	reader  *bufio.Reader
	daemon  *process.Manager
	last    map[string]any
}

// NewRig creates a driver for a radio behind rigctld.
func NewRig() *Driver {
	return &Driver{verbs: rigVerbs, defaultAddr: defaultRigAddress, safeState: []string{"set_ptt"}}
}

// NewRotator creates a driver for a rotator behind rotctld.
func NewRotator() *Driver {
	return &Driver{verbs: rotatorVerbs, defaultAddr: defaultRotatorAddress, safeState: []string{"stop"}}
}

// Initialize connects to the daemon. Recognised settings: address,
// timeout, and daemon/daemon_args to launch the daemon under supervision.
func (d *Driver) Initialize(ctx context.Context, settings driver.Settings) error {
	addr, err := settings.String("address", d.defaultAddr)
	if err != nil {
		return err
	}
	timeout, err := settings.Duration("timeout", defaultTimeout)
	if err != nil {
		return err
	}
	binary, err := settings.String("daemon", "")
	if err != nil {
		return err
	}
	args, err := stringList(settings["daemon_args"])
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr, d.timeout = addr, timeout

	if binary != "" && d.daemon == nil {
		if err := d.startDaemon(ctx, binary, args); err != nil {
			d.SetStatus(driver.StatusFaulted)
			return fmt.Errorf("%w: %w", driver.ErrInitFailed, err)
		}
	}

	if err := d.dialLocked(ctx); err != nil {
		d.SetStatus(driver.StatusFaulted)
		return fmt.Errorf("%w: %w", driver.ErrInitFailed, err)
	}
	d.SetStatus(driver.StatusReady)
	return nil
}

func (d *Driver) startDaemon(ctx context.Context, binary string, args []string) error {
	addr := d.addr
	cfg := process.DefaultConfig(addr, binary, args)
	cfg.HealthCheck = func(ctx context.Context) error { return probe(ctx, addr) }
	mgr := process.NewManager(cfg)
	if err := mgr.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, daemonStartTimeout)
	defer cancel()
	if err := mgr.WaitHealthy(waitCtx, daemonPollInterval); err != nil {
		_ = mgr.Stop() //nolint:errcheck // already failing
		return err
	}
	d.daemon = mgr
	return nil
}

// probe checks the daemon's port accepts connections.
func probe(ctx context.Context, addr string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (d *Driver) dialLocked(ctx context.Context) error {
	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.addr, err)
	}
	d.conn = conn
	d.reader = bufio.NewReader(conn)
	return nil
}

// Execute runs verb. "get_state" queries every get command.
func (d *Driver) Execute(ctx context.Context, verb string, args driver.Args) (driver.Result, error) {
	if err := d.CheckAvailable(); err != nil {
		return nil, err
	}
	if verb == "get_state" {
		return d.queryAll(ctx)
	}

	spec, ok := d.verbs[verb]
	if !ok {
		return nil, fmt.Errorf("%w: %s", driver.ErrUnknownCommand, verb)
	}
	line, err := formatCommand(spec, args)
	if err != nil {
		return nil, driver.NewCommandError(verb, err.Error(), nil)
	}

	d.mu.Lock()
	lines, err := d.roundTripLocked(ctx, line, len(spec.results))
	result := driver.Result{}
	if err == nil {
		for i, name := range spec.results {
			result[name] = parseValue(lines[i])
		}
		d.remember(result)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, wrapError(verb, err)
	}

	d.EmitTelemetry(verb, result)
	return result, nil
}

func (d *Driver) queryAll(ctx context.Context) (driver.Result, error) {
	state := driver.Result{}
	for verb, spec := range d.verbs {
		if len(spec.results) == 0 {
			continue
		}
		res, err := d.Execute(ctx, verb, nil)
		if err != nil {
			if errors.Is(err, driver.ErrDeviceUnavailable) {
				return nil, err
			}
			continue // not every rig implements every getter
		}
		for k, v := range res {
			state[k] = v
		}
	}
	return state, nil
}

// roundTripLocked sends line and reads the answer. A transport failure
// drops the connection and retries once on a fresh one; a second failure
// marks the device faulted.
func (d *Driver) roundTripLocked(ctx context.Context, line string, want int) ([]string, error) {
	lines, err := d.exchangeLocked(ctx, line, want)
	var rerr *rprtError
	if err == nil || errors.As(err, &rerr) {
		return lines, err
	}

	d.closeLocked()
	if dialErr := d.dialLocked(ctx); dialErr != nil {
		d.SetStatus(driver.StatusFaulted)
		return nil, fmt.Errorf("%w: %w", driver.ErrDeviceUnavailable, dialErr)
	}
	lines, err = d.exchangeLocked(ctx, line, want)
	if err != nil && !errors.As(err, &rerr) {
		d.closeLocked()
		d.SetStatus(driver.StatusFaulted)
		return nil, fmt.Errorf("%w: %w", driver.ErrDeviceUnavailable, err)
	}
	return lines, err
}

func (d *Driver) exchangeLocked(ctx context.Context, line string, want int) ([]string, error) {
	if d.conn == nil {
		return nil, errors.New("not connected")
	}
	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := d.conn.Write([]byte(line + "\n")); err != nil {
		return nil, fmt.Errorf("writing command: %w", err)
	}

	// Set commands answer with a single RPRT line; get commands answer with
	// value lines, or a single RPRT line on error.
	expect := max(want, 1)
	out := make([]string, 0, expect)
	for len(out) < expect {
		text, err := d.reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading reply: %w", err)
		}
		text = strings.TrimSpace(text)
		if code, ok := parseRPRT(text); ok {
			if code != 0 {
				return nil, &rprtError{code: code}
			}
			if want == 0 {
				return nil, nil
			}
			continue
		}
		out = append(out, text)
	}
	return out, nil
}

func (d *Driver) closeLocked() {
	if d.conn != nil {
		_ = d.conn.Close() //nolint:errcheck // reconnecting or shutting down
		d.conn = nil
		d.reader = nil
	}
}

func (d *Driver) remember(result driver.Result) {
	if d.last == nil {
		d.last = make(map[string]any)
	}
	for k, v := range result {
		d.last[k] = v
	}
}

// State implements driver.StateReporter with the last values read.
func (d *Driver) State() map[string]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]any{"address": d.addr}
	for k, v := range d.last {
		out[k] = v
	}
	if d.daemon != nil {
		out["daemon"] = d.daemon.Stats()
	}
	return out
}

// CleanupAfterSession returns the device to a safe state: PTT off for
// radios, motion stopped for rotators.
func (d *Driver) CleanupAfterSession(ctx context.Context) error {
	var errs []error
	for _, verb := range d.safeState {
		args := driver.Args{}
		if verb == "set_ptt" {
			args["ptt"] = 0
		}
		if _, err := d.Execute(ctx, verb, args); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes the connection and stops a supervised daemon.
func (d *Driver) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()
	var err error
	if d.daemon != nil {
		err = d.daemon.Stop()
		d.daemon = nil
	}
	d.SetStatus(driver.StatusUninitialized)
	return err
}

// rprtError is a non-zero hamlib status.
type rprtError struct{ code int }

func (e *rprtError) Error() string { return fmt.Sprintf("hamlib error %d", e.code) }

func wrapError(verb string, err error) error {
	var rerr *rprtError
	if !errors.As(err, &rerr) {
		return err
	}
	ce := driver.NewCommandError(verb, rerr.Error(), map[string]any{"hamlib_code": -rerr.code})
	if rerr.code == codeNotImplemented || rerr.code == codeNotAvailable {
		ce.Err = driver.ErrUnknownCommand
	}
	return ce
}

func parseRPRT(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "RPRT ")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	if code < 0 {
		code = -code
	}
	return code, true
}

func formatCommand(spec verbSpec, args driver.Args) (string, error) {
	parts := []string{spec.cmd}
	for _, name := range spec.params {
		v, ok := args[name]
		if !ok {
			return "", fmt.Errorf("missing argument %q", name)
		}
		s, err := formatArg(v)
		if err != nil {
			return "", fmt.Errorf("argument %q: %w", name, err)
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, " "), nil
}

func formatArg(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x == "" || strings.ContainsAny(x, " \n\r") {
			return "", fmt.Errorf("invalid value %q", x)
		}
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		if x {
			return "1", nil
		}
		return "0", nil
	default:
		return "", fmt.Errorf("unsupported type %T", v)
	}
}

func parseValue(s string) any {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func stringList(v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				s = fmt.Sprint(item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: daemon_args must be a list", driver.ErrInvalidSetting)
	}
}

var (
	_ driver.Driver         = (*Driver)(nil)
	_ driver.StateReporter  = (*Driver)(nil)
	_ driver.SessionCleaner = (*Driver)(nil)
)
