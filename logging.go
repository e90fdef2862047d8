package encryptfs

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger builds the tint-backed structured logger used throughout the
// mount (DirNode warnings, Context idle-unmount diagnostics, MAC mismatch
// reports). Grounded on i5heu-ouroboros-db's logging setup: a single
// tint.Handler over an io.Writer, level and color controllable by the
// caller (cmd/encfs wires verbosity here from its --verbose flag).
func NewLogger(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  level <= slog.LevelDebug,
		NoColor:    noColor,
	})
	return slog.New(handler)
}
