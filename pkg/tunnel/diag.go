package tunnel

import (
	"context"
	"io"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// NewTestLogger wires a logrus-backed dlog.Logger into ctx, the same
// plumbing the embedding process wires up for real, but with output
// redirected to out and timestamps disabled so a test can assert on the
// captured text deterministically.
func NewTestLogger(ctx context.Context, level logrus.Level, out io.Writer) context.Context {
	l := &logrus.Logger{
		Out:       out,
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Hooks:     make(logrus.LevelHooks),
		Level:     level,
	}
	return dlog.WithLogger(ctx, dlog.WrapLogrus(l))
}

// The five scrape-friendly diagnostic lines an embedder may grep for.
const (
	logReady      = "TUNNEL READY"
	logStopped    = "TUNNEL STOPPED: %s"
	logDisconnect = "TUNNEL DISCONNECT: %s"
	logSysMsg     = "TUNNEL SYSTEM MESSAGE: %s"
	logError      = "TUNNEL ERROR: %s"
)
