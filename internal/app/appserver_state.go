package app

import (
	"context"
	"errors"
	"fmt"

	"liuproxy_broker/internal/core/health"
	"liuproxy_broker/internal/core/selector"
	"liuproxy_broker/internal/model"
	"liuproxy_broker/internal/provider"
	"liuproxy_broker/internal/shared/logger"
)

// ErrAlreadyBound is returned by AssignDevice for a device that holds a proxy.
var ErrAlreadyBound = errors.New("device already has a proxy bound")

// AssignDevice selects a proxy for the device, claims it at the provider and
// records the binding.
func (s *AppServer) AssignDevice(ctx context.Context, deviceID, preferredCountry string) (*model.Device, error) {
	b := s.backends
	dev, err := b.Registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if dev.HasProxy() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyBound, deviceID)
	}

	sel, err := s.selector.Select(selector.Request{PreferredCountry: preferredCountry})
	if err != nil {
		return nil, err
	}
	px, err := b.Provider.AssignProxy(ctx, provider.AssignRequest{ProxyID: sel.Proxy.ProxyID, Validate: true})
	if err != nil {
		s.selector.ReleaseProxy(sel.Proxy.ProxyID)
		return nil, fmt.Errorf("assign %s: %w", sel.Proxy.ProxyID, err)
	}

	binding := model.BindingFor(px)
	if err := b.Registry.UpdateBinding(ctx, deviceID, binding); err != nil {
		s.selector.ReleaseProxy(px.ID)
		if rerr := b.Provider.ReleaseProxy(ctx, px.ID); rerr != nil {
			logger.Warn().Err(rerr).Str("proxy_id", px.ID).Msg("Provider release after failed binding failed.")
		}
		return nil, fmt.Errorf("update device binding: %w", err)
	}
	if _, err := b.Ledger.RecordAssignment(ctx, model.Assignment{
		DeviceID:     dev.ID,
		UserID:       dev.UserID,
		ProxyID:      px.ID,
		ProxyHost:    px.Host,
		ProxyPort:    px.Port,
		ProxyType:    px.Protocol,
		ProxyCountry: px.Country,
	}); err != nil {
		logger.Warn().Err(err).Str("device_id", deviceID).Msg("Ledger assignment failed.")
	}

	logger.Info().Str("device_id", deviceID).Str("proxy_id", px.ID).Str("strategy", string(sel.Strategy)).Msg("Proxy assigned to device.")

	dev.ProxyID, dev.ProxyHost, dev.ProxyPort = binding.ProxyID, binding.ProxyHost, binding.ProxyPort
	dev.ProxyType, dev.ProxyCountry = binding.ProxyType, binding.ProxyCountry
	return dev, nil
}

// ReleaseDevice drops the device's binding and closes its usage record.
func (s *AppServer) ReleaseDevice(ctx context.Context, deviceID string, reason model.ReleaseReason) (*model.UsageRecord, error) {
	b := s.backends
	dev, err := b.Registry.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !dev.HasProxy() {
		return nil, fmt.Errorf("%w: %s", health.ErrNoProxyBound, deviceID)
	}

	if err := b.Provider.ReleaseProxy(ctx, dev.ProxyID); err != nil {
		logger.Warn().Err(err).Str("proxy_id", dev.ProxyID).Msg("Provider release failed.")
	}
	s.selector.ReleaseProxy(dev.ProxyID)

	if err := b.Registry.UpdateBinding(ctx, deviceID, model.Binding{}); err != nil {
		return nil, fmt.Errorf("clear device binding: %w", err)
	}
	rec, err := b.Ledger.RecordRelease(ctx, deviceID, dev.ProxyID, reason, nil)
	if err != nil {
		return nil, fmt.Errorf("close usage record: %w", err)
	}
	if rec == nil {
		logger.Warn().Str("device_id", deviceID).Str("proxy_id", dev.ProxyID).Msg("No active usage record to release.")
	}
	s.failover.ResetDeviceFailureCount(deviceID)
	return rec, nil
}
