package scheduler

import (
	"errors"
	"fmt"

	"tilecast/pkg/types"
)

var (
	ErrNoJob            = errors.New("scheduler: no job")
	ErrJobInProgress    = errors.New("scheduler: a job is already running")
	ErrJobNotComplete   = errors.New("scheduler: job has blocks not completed")
	ErrJobCancelled     = errors.New("scheduler: job cancelled")
	ErrUnknownWorker    = errors.New("scheduler: unknown worker")
	ErrStaleResult      = errors.New("scheduler: result for a block not assigned to this worker")
	ErrChecksumMismatch = errors.New("scheduler: result does not match the assigned input")
)

// BlockExhaustedError es terminal: el bloque superó MaxRetries y el job se aborta.
type BlockExhaustedError struct {
	Block      types.BlockID
	Attempts   int
	MaxRetries int
}

func (e *BlockExhaustedError) Error() string {
	return fmt.Sprintf("scheduler: block %s failed after %d attempts (max retries %d)", e.Block, e.Attempts, e.MaxRetries)
}
