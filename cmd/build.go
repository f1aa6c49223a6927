package cmd

import (
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/config"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/inject"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/network"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
)

// buildPool constructs the relay pool from configuration.
func buildPool(cfg *config.Config, logger *zap.Logger) *relay.Pool {
	endpoints := make([]relay.Endpoint, 0, len(cfg.Relay.Endpoints))
	for _, ep := range cfg.Relay.Endpoints {
		endpoints = append(endpoints, relay.Endpoint{
			Name:         ep.Name,
			Template:     ep.Template,
			EscapeTarget: ep.EscapeTarget,
		})
	}
	return relay.NewPool(relay.Config{
		Endpoints:         endpoints,
		Denylist:          cfg.Relay.Denylist,
		RequestsPerSecond: cfg.Relay.RequestsPerSecond,
		Burst:             cfg.Relay.Burst,
	}, logger)
}

// buildFetchClient constructs the upstream page fetch client.
func buildFetchClient(cfg *config.Config, logger *zap.Logger) *network.Client {
	clientCfg := network.NewFetchClientConfig()
	clientCfg.IgnoreTLSErrors = cfg.Network.IgnoreTLSErrors
	clientCfg.FollowRedirects = cfg.Network.FollowRedirects
	clientCfg.ForceHTTP2 = cfg.Network.ForceHTTP2
	if cfg.Network.RequestTimeout > 0 {
		clientCfg.RequestTimeout = cfg.Network.RequestTimeout
	}
	clientCfg.Logger = logger
	return network.NewClient(clientCfg)
}

// buildFragment renders the selection instrumentation fragment that gets
// appended to every proxied document.
func buildFragment(cfg *config.Config) (string, error) {
	return inject.Fragment(inject.Options{
		HostOrigin:   cfg.Server.HostOrigin,
		MaxAncestors: cfg.Selection.MaxAncestors,
		MaxClasses:   cfg.Selection.MaxClasses,
	})
}
