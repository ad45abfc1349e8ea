package transport

import (
	"github.com/kleeedolinux/cometd.go/debug"
	"github.com/rs/zerolog"
)

func transportLogger(typ string) zerolog.Logger {
	return debug.Logger("transport").With().Str("transport", typ).Logger()
}
