package provider

import (
	"strings"

	"genesis/internal/config"
	"genesis/internal/models"
)

// CatalogFromConfig converts configured models into catalog entries owned by providerName.
func CatalogFromConfig(providerName string, cfg config.ProviderConfig) []models.Model {
	out := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		display := strings.TrimSpace(model.DisplayName)
		if display == "" {
			display = model.ID
		}
		out = append(out, models.Model{
			ID:                 model.ID,
			Provider:           providerName,
			DisplayName:        display,
			DefaultTemperature: model.TemperatureDefault,
			SupportsThinking:   model.SupportsThinking,
		})
	}
	return out
}
