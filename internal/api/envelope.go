package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	perrors "github.com/p-blackswan/dashsync/internal/errors"
)

// Envelope is the uniform response shape of every backend endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	Errors  json.RawMessage `json:"errors,omitempty"`
}

// Decode unmarshals the envelope's data into out.
func (e *Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: envelope has no data", perrors.ErrMalformedResponse)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%w: decoding data: %w", perrors.ErrMalformedResponse, err)
	}
	return nil
}

// errorList flattens the envelope's errors field. The backend sends either a
// list of strings or a list of validation objects carrying msg/message.
func (e *Envelope) errorList() []string {
	if len(e.Errors) == 0 {
		return nil
	}
	var plain []string
	if err := json.Unmarshal(e.Errors, &plain); err == nil {
		return plain
	}
	var objs []struct {
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Field   string `json:"field"`
	}
	if err := json.Unmarshal(e.Errors, &objs); err != nil {
		return nil
	}
	out := make([]string, 0, len(objs))
	for _, o := range objs {
		msg := o.Msg
		if msg == "" {
			msg = o.Message
		}
		if o.Field != "" {
			msg = o.Field + ": " + msg
		}
		out = append(out, msg)
	}
	return out
}

// applicationError converts a failed envelope into an APIError, passing the
// server message through unmodified.
func (e *Envelope) applicationError(status int) *perrors.APIError {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &perrors.APIError{
		Service:    "backend",
		StatusCode: status,
		Message:    msg,
		Errors:     e.errorList(),
	}
}
