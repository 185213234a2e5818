package command

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/hwm-core/internal/driver"
)

// Status is the outcome field of a Response.
type Status string

// Response statuses.
const (
	StatusOkay  Status = "okay"
	StatusError Status = "error"
)

// ErrorBody describes a failed command.
type ErrorBody struct {
	Code    string         `json:"code" cbor:"code"`
	Message string         `json:"message" cbor:"message"`
	Data    map[string]any `json:"data,omitempty" cbor:"data,omitempty"`
}

// Response is the envelope returned for every command, successful or not.
type Response struct {
	ID          string         `json:"id" cbor:"id"`
	ReceivedAt  time.Time      `json:"received_at" cbor:"received_at"`
	CompletedAt time.Time      `json:"completed_at" cbor:"completed_at"`
	Status      Status         `json:"status" cbor:"status"`
	DeviceID    string         `json:"device_id,omitempty" cbor:"device_id,omitempty"`
	Result      map[string]any `json:"result,omitempty" cbor:"result,omitempty"`
	Error       *ErrorBody     `json:"error,omitempty" cbor:"error,omitempty"`
}

func okay(cmd *Command, result driver.Result, completed time.Time) *Response {
	return &Response{
		ID:          cmd.ID,
		ReceivedAt:  cmd.ReceivedAt,
		CompletedAt: completed,
		Status:      StatusOkay,
		DeviceID:    cmd.DeviceID,
		Result:      result,
	}
}

// ErrorResponse builds the error envelope for err. Data from a
// driver.CommandError is passed through to the caller.
func ErrorResponse(cmd *Command, err error, completed time.Time) *Response {
	body := &ErrorBody{Code: ErrorCode(err), Message: err.Error()}
	var ce *driver.CommandError
	if errors.As(err, &ce) && len(ce.Data) > 0 {
		body.Data = ce.Data
	}
	return &Response{
		ID:          cmd.ID,
		ReceivedAt:  cmd.ReceivedAt,
		CompletedAt: completed,
		Status:      StatusError,
		DeviceID:    cmd.DeviceID,
		Error:       body,
	}
}

var cborEncoder = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("command: cbor encoder: %v", err))
	}
	return em
}()

// MarshalCBOR encodes the response for clients that sent CBOR.
func (r *Response) MarshalCBOR() ([]byte, error) {
	type plain Response
	return cborEncoder.Marshal((*plain)(r))
}
