package protocol

import (
	"fmt"
	"log/slog"

	"github.com/opendwn/core/pkg/dwnerr"
)

func errVersionRegression(protocolURI, incoming, existing string) *dwnerr.Error {
	return dwnerr.New(dwnerr.KindConflict, dwnerr.CodeOlderVersion,
		fmt.Sprintf("protocol %s: incoming version %s is older than installed version %s", protocolURI, incoming, existing))
}

// ConfigureHandler installs protocol definitions (spec §2 "ProtocolsConfigure
// handler": "Install/replace protocol definitions (newest wins per tenant,
// per protocol URI)").
type ConfigureHandler struct {
	cache *Cache
}

func NewConfigureHandler(cache *Cache) *ConfigureHandler {
	return &ConfigureHandler{cache: cache}
}

// Handle validates def and installs it if newer than whatever is
// currently cached for (tenant, def.Protocol).
func (h *ConfigureHandler) Handle(tenant string, def *Definition, messageTimestamp string) error {
	if err := def.Validate(); err != nil {
		return err
	}
	installed, err := h.cache.Install(tenant, def, messageTimestamp)
	if err != nil {
		return err
	}
	if !installed {
		return dwnerr.New(dwnerr.KindConflict, dwnerr.CodeOlderVersion, fmt.Sprintf("protocol %s: a newer definition is already installed", def.Protocol))
	}
	slog.Info("protocol configured", "tenant", tenant, "protocol", def.Protocol, "version", def.Version)
	return nil
}
