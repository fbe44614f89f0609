package config

import (
	"fmt"
	"strings"

	"duxnet/native/common"
)

// Validate checks the enumerated options that can make the daemon refuse to
// start: ports, thresholds, the community share and the currency list.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config: nil configuration")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("config: StorePath required")
	}
	if err := validatePort("p2p.ListenPort", c.P2P.ListenPort); err != nil {
		return err
	}
	if err := validatePort("p2p.BroadcastPort", c.P2P.BroadcastPort); err != nil {
		return err
	}
	if c.P2P.ListenPort == c.P2P.BroadcastPort {
		return fmt.Errorf("config: p2p listen and broadcast ports must differ")
	}
	if c.P2P.PresenceInterval <= 0 {
		return fmt.Errorf("config: p2p.PresenceIntervalSeconds must be positive")
	}
	if c.P2P.PeerExpiry <= 0 {
		return fmt.Errorf("config: p2p.PeerExpirySeconds must be positive")
	}
	if c.Registry.OfflineThreshold <= 0 {
		return fmt.Errorf("config: registry.OfflineThresholdSeconds must be positive")
	}
	if c.Scheduler.WatchdogPeriod <= 0 {
		return fmt.Errorf("config: scheduler.WatchdogPeriodSeconds must be positive")
	}
	if c.Escrow.CommunityShareBps > 10_000 {
		return fmt.Errorf("config: escrow.CommunityShareBps out of range: %d", c.Escrow.CommunityShareBps)
	}
	if strings.TrimSpace(c.Escrow.CommunityFundDestination) == "" {
		return fmt.Errorf("config: escrow.CommunityFundDestination required")
	}
	if len(c.SupportedCurrencies) == 0 {
		return fmt.Errorf("config: SupportedCurrencies must not be empty")
	}
	seen := make(map[string]struct{}, len(c.SupportedCurrencies))
	for i, symbol := range c.SupportedCurrencies {
		normalized, err := common.NormalizeCurrency(symbol)
		if err != nil {
			return fmt.Errorf("config: SupportedCurrencies[%d]: unsupported currency %q", i, symbol)
		}
		if _, dup := seen[normalized]; dup {
			return fmt.Errorf("config: SupportedCurrencies contains duplicate %q", normalized)
		}
		seen[normalized] = struct{}{}
		c.SupportedCurrencies[i] = normalized
	}
	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("config: %s out of range: %d", name, port)
	}
	return nil
}
