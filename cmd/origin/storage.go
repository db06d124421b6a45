package main

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Nixie-Tech-LLC/bandtap/internal/alert"
	"github.com/Nixie-Tech-LLC/bandtap/internal/config"
	"github.com/Nixie-Tech-LLC/bandtap/internal/storage"
)

// InitDeadLetter selects and returns the configured dead-letter backend
func InitDeadLetter(cfg *config.Config) storage.DeadLetter {
	if cfg.UseSpaces {
		spaces, err := storage.NewSpacesStorage(
			cfg.SpacesEndpoint,
			cfg.SpacesRegion,
			cfg.SpacesBucket,
			cfg.SpacesAccessKey,
			cfg.SpacesSecretKey,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize Spaces dead-letter storage")
		}
		log.Info().Str("bucket", cfg.SpacesBucket).Msg("using Spaces dead-letter storage")
		return spaces
	}

	log.Info().Str("dir", cfg.DeadLetterDir).Msg("using local dead-letter storage")
	return storage.NewLocalStorage(cfg.DeadLetterDir)
}

// InitAlerter publishes critical alerts over MQTT when a broker is configured
// and only logs them otherwise. The returned func releases the connection.
func InitAlerter(cfg *config.Config) (alert.Alerter, func()) {
	if cfg.MQTTBrokerURL == "" {
		return alert.LogAlerter{}, func() {}
	}

	host, _ := os.Hostname()
	clientID := "bandtap-origin-" + host + "-" + uuid.NewString()[:8]
	mqttAlerter, err := alert.Dial(cfg.MQTTBrokerURL, clientID, cfg.MQTTAlertTopic)
	if err != nil {
		log.Error().Err(err).Msg("MQTT alerting unavailable, logging alerts only")
		return alert.LogAlerter{}, func() {}
	}
	return mqttAlerter, mqttAlerter.Close
}
