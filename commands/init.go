package commands

import (
	"context"
	"peerwatch/config"

	log "github.com/sirupsen/logrus"
)

// RunInit writes the default configuration to the config path.
func RunInit(ctx context.Context, cfg *config.Config) {
	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	cfg.LogConfiguration()
}
