package recorder

import (
	"context"
	"fmt"
	"io"

	"github.com/hpcloud/tail"
	"go.uber.org/zap"
)

// FollowOptions controls Follow.
type FollowOptions struct {
	// FromStart replays the existing records before following.
	FromStart bool
	// Follow keeps waiting for new records at the end of the file.
	Follow bool
	// Events keeps only records with these event names. Empty keeps all.
	Events []string
	Logger *zap.Logger
}

// Follow streams the records of a JSONL file to fn until ctx is done or,
// without opts.Follow, the end of the file is reached. Lines that do not
// decode are logged and skipped.
func Follow(ctx context.Context, path string, opts FollowOptions, fn func(Record)) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("tail")

	whence := io.SeekEnd
	if opts.FromStart {
		whence = io.SeekStart
	}
	t, err := tail.TailFile(path, tail.Config{
		Follow:    opts.Follow,
		ReOpen:    opts.Follow,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: 0, Whence: whence},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail record file: %w", err)
	}
	defer t.Cleanup()

	keep := make(map[string]bool, len(opts.Events))
	for _, e := range opts.Events {
		keep[e] = true
	}

	for {
		select {
		case <-ctx.Done():
			_ = t.Stop()
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Wait()
			}
			if line.Err != nil {
				logger.Warn("Error reading record file", zap.Error(line.Err))
				continue
			}
			if line.Text == "" {
				continue
			}
			rec, err := Decode([]byte(line.Text))
			if err != nil {
				logger.Warn("Skipping malformed record", zap.Error(err))
				continue
			}
			if len(keep) > 0 && !keep[rec.Event] {
				continue
			}
			fn(rec)
		}
	}
}
