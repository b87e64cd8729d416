// Package log wires the fleet-wide logging configuration into logrus.
package log

import (
	"github.com/geoffjay/plantd/fleet/core/config"

	log "github.com/sirupsen/logrus"
	loki "github.com/yukitsune/lokirus"
)

// Initialize configures the standard logrus logger's level, formatter, and
// optional Loki shipping hook from a LogConfig. It never returns an error;
// an invalid level is ignored and the prior level is kept, and any formatter
// other than "json" selects the text formatter, matching the rest of the fleet's "log what you can, don't crash on
// misconfigured observability" posture.
func Initialize(cfg config.LogConfig) {
	if cfg.Level != "" {
		if level, err := log.ParseLevel(cfg.Level); err == nil {
			log.SetLevel(level)
		}
	}

	if cfg.Formatter == "json" {
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	} else {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.Loki.Address == "" {
		return
	}

	opts := loki.NewLokiHookOptions().WithLevelMap(
		loki.LevelMap{log.PanicLevel: "critical"},
	).WithFormatter(
		&log.JSONFormatter{},
	).WithStaticLabels(
		loki.Labels(cfg.Loki.Labels),
	)

	hook := loki.NewLokiHookWithOpts(
		cfg.Loki.Address,
		opts,
		log.InfoLevel,
		log.WarnLevel,
		log.ErrorLevel,
		log.FatalLevel,
	)

	log.AddHook(hook)
}
