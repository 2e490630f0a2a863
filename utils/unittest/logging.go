package unittest

import (
	"flag"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var verbose = flag.Bool("vv", false, "print test component logs to stderr")

// Logger returns the logger handed to components under test. It discards
// everything unless the -vv flag was passed, in which case it pretty-prints
// debug output to stderr.
func Logger() zerolog.Logger {
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	var writer io.Writer = io.Discard
	if *verbose {
		writer = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(writer).Level(zerolog.DebugLevel).With().Timestamp().Logger()
}
