package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-cloudstorage/cloudstorage/storageerr"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

// DefaultChunkSize is the chunk size used by Writer if Config.ChunkSize is not set.
const DefaultChunkSize = 8 * 1024 * 1024

// Config holds configuration for chunked uploads.
type Config struct {
	// ChunkSize is the number of bytes a Writer buffers before submitting a chunk.
	// Default: 8 MiB
	ChunkSize int

	// MaxRetryPerChunk is the maximum number of resubmissions of a failed chunk.
	// transport.HTTP already retries every chunk request itself, so the two limits
	// multiply; set it to 0 to rely on the transport alone.
	// Default: 3
	MaxRetryPerChunk uint

	// RetryWait is the pause before resubmitting a chunk.
	// Default: 5 seconds
	RetryWait time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        DefaultChunkSize,
		MaxRetryPerChunk: 3,
		RetryWait:        5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size should be positive, got %d", c.ChunkSize)
	}
	return nil
}

// submitWithRetry resubmits a chunk while the failure is retryable. Chunk resubmission
// is idempotent within an open session.
func submitWithRetry(ctx context.Context, config Config, logger log.Logger, name string, submit func() error) error {
	return retry.Times(config.MaxRetryPerChunk).Wait(config.RetryWait).TryWithAbort(func(attempt uint) (error, bool) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", name, err), true
		}
		if attempt > 0 {
			logger.Warnf("Retrying %s (attempt %d/%d)", name, attempt+1, config.MaxRetryPerChunk+1)
		}

		err := submit()
		if err != nil && storageerr.IsRetryable(err) {
			logger.Warnf("%s attempt %d failed: %s", name, attempt+1, err)
			return err, false
		}
		return err, true
	})
}
