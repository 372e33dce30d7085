package download

import "fmt"

// TooLargeError is returned when a transfer's declared or accumulated size
// exceeds the caller's hard cap. It is terminal and never retried.
type TooLargeError struct {
	Size  int64 // Declared or accumulated size that tripped the cap
	Limit int64 // The caller-supplied cap
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file too large: %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// TransferError is returned once every retry at the probe, stream or range
// level has been exhausted. Partial artifacts are cleaned up before it is
// raised.
type TransferError struct {
	URL string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed for %s: %v", e.URL, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
