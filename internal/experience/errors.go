package experience

import "errors"

var (
	// ErrMalformedRecord marks bytes that cannot be decoded. The record is
	// dropped and the pipeline keeps going.
	ErrMalformedRecord = errors.New("malformed experience record")

	// ErrSchemaMismatch marks a layout or version disagreement between a
	// producer and the consumer. Nothing is partially applied.
	ErrSchemaMismatch = errors.New("experience schema mismatch")

	// ErrIndexOutOfRange marks an action index outside the action space.
	ErrIndexOutOfRange = errors.New("action index out of range")

	// ErrPersistence marks a checkpoint save or restore failure. It is fatal
	// to the training loop.
	ErrPersistence = errors.New("checkpoint persistence failure")
)
