/*
Package log builds the zerolog loggers used throughout Canopy.

Setup runs once, from the CLI entry point:

	import "github.com/canopymq/canopy/pkg/log"

	log.Setup(log.Options{Level: "info"})

Subsystems derive tagged child loggers rather than sharing one bare
instance, so records can be filtered in aggregate:

	logger := log.Component("router")
	logger.Info().Str("topic", msg.Topic).Msg("no service matched")

	modLogger := log.Module("connector-local")
	modLogger.Debug().Msg("client connected")
	rankLogger := log.Rank(3)
	rankLogger.Info().Msg("wire-up complete")

Before Setup runs the base logger is a no-op, so constructors invoked
from tests or tooling produce no stray output.

The broker's log.* service and the runlevel subprocess capture both
feed records back through these loggers, so every line of a session
shares one sink and format.
*/
package log
