package llamacpp

import "fmt"

// decodeError maps the status and error of a llama_decode call. Any
// non-zero status is a failure even when err is nil.
func decodeError(status int32, err error) error {
	switch {
	case err != nil:
		return fmt.Errorf("llamacpp: decode status %d: %w", status, err)
	case status == 1:
		return fmt.Errorf("llamacpp: decode status 1: no KV cache slot for the batch")
	case status != 0:
		return fmt.Errorf("llamacpp: decode status %d", status)
	}
	return nil
}
