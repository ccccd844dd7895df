package depthsvc

import (
	"errors"
	"fmt"
)

// ErrMissingInput is returned when a predict call carries no image.
var ErrMissingInput = errors.New("an image is required: 'image' (multipart) or 'image_base64' (JSON)")

// InferenceError wraps any failure while decoding, preprocessing or running
// the network. Stack is set when the failure was a recovered panic.
type InferenceError struct {
	Op    string
	Err   error
	Stack []byte
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}
