/*
Package log provides structured logging for the AgentCom hub using zerolog.

The package wraps zerolog with a global logger instance, configurable
output formats (JSON for production, pretty console for development), and
child-logger helpers that attach the common correlation fields.

# Usage

Initialize once at startup:

	log.Init(log.Config{
	    Level:      log.InfoLevel,
	    JSONOutput: true,
	})

Then log through the global helpers or a component child logger:

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", task.ID).Int("generation", task.Generation).
	    Msg("task assigned")

# Correlation Fields

Child-logger constructors attach the fields used across the hub:

	WithComponent(name)  component=<name>
	WithAgentID(id)      agent_id=<id>
	WithTaskID(id)       task_id=<id>
	WithGoalID(id)       goal_id=<id>

Every long-lived component takes a child logger at construction so its
log lines carry the component field without repetition.
*/
package log
