package comptesting

import (
	"io"
	"log/slog"
	"os"

	"k8s.io/utils/clock"
)

// NewLogger returns a debug-level logger for provider tests.
// Records are timestamped with clk, so log lines line up with the fake clock the provider runs on.
func NewLogger(clk clock.PassiveClock) *slog.Logger {
	return newLogger(os.Stdout, clk)
}

func newLogger(w io.Writer, clk clock.PassiveClock) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				a.Value = slog.TimeValue(clk.Now())
			}
			return a
		},
	}))
}
