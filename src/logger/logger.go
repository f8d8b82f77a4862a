package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Logger zerolog.Logger
var logFile *os.File

// Settings come from the config layer; zero values mean info level, stdout
// only, JSON format.
type Settings struct {
	Level  string
	File   string
	Pretty bool
}

func Init(s Settings) {
	level, err := zerolog.ParseLevel(s.Level)
	if err != nil || s.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if s.File != "" && s.File != "none" && s.File != "disabled" {
		logFile, err = os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open log file, using stdout only")
			logFile = nil
		}
	}

	var writers []io.Writer
	if s.Pretty {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		writers = append(writers, os.Stdout)
	}
	if logFile != nil {
		writers = append(writers, logFile)
	}

	Logger = zerolog.New(io.MultiWriter(writers...)).With().
		Timestamp().
		Logger()

	log.Logger = Logger

	Logger.Info().
		Str("log_level", level.String()).
		Bool("file_sink", logFile != nil).
		Msg("Logger initialized")
}

func Close() {
	if logFile != nil {
		_ = logFile.Sync()
		_ = logFile.Close()
		logFile = nil
	}
}

func Get() zerolog.Logger {
	return Logger
}
