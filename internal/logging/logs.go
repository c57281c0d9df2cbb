// Package logging configures the process logger and exposes the
// printf-style helpers used across the codebase.
//
// Call sites import it as logs and format messages as
// "component.Type.method key=value ...".
package logging

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Tracef(format string, args ...any) {
	log.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}

// Logf writes a message with no level; it is never filtered by level.
func Logf(format string, args ...any) {
	log.Log().Msgf(format, args...)
}

// Logger returns the process logger for structured call sites.
func Logger() zerolog.Logger {
	return log.Logger
}
