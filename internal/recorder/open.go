package recorder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/config"
)

// OpenSink builds the sink selected by cfg. A jsonl sink with path "-"
// writes to standard output.
func OpenSink(ctx context.Context, cfg config.RecorderConfig, logger *zap.Logger) (Sink, error) {
	switch cfg.Sink {
	case config.SinkNone, "":
		return nopSink{}, nil
	case config.SinkJSONL:
		if cfg.Path == "-" {
			return StdoutSink(), nil
		}
		return OpenJSONL(cfg.Path)
	case config.SinkPostgres:
		return OpenPostgres(ctx, cfg.DatabaseURL, cfg.Table, logger)
	default:
		return nil, fmt.Errorf("unsupported recorder sink: %s", cfg.Sink)
	}
}
