package logging

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup installs the global logger. format is "console", "json" or "auto";
// auto picks console output when stderr is a terminal.
func Setup(level string, format string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "parse log level %q", level)
	}

	console := false
	switch format {
	case "console":
		console = true
	case "json":
	case "auto", "":
		console = isatty.IsTerminal(os.Stderr.Fd())
	default:
		return errors.Errorf("unknown log format %q", format)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	var logger zerolog.Logger
	if console {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(lvl)
	log.Logger = logger
	return nil
}
