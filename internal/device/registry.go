// Package device validates the devices that submit sync operations.
// The authoritative registry lives outside this system; the engine only
// consumes the Registry interface.
package device

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

var ErrUnknownDevice = errors.New("device is not registered")

// Registry answers whether a device may submit operations for a partner.
type Registry interface {
	Validate(ctx context.Context, partnerID, deviceID string) error
}

// AllowAll accepts every device. Used when registration is handled
// entirely upstream.
type AllowAll struct{}

func (AllowAll) Validate(context.Context, string, string) error { return nil }

// MemoryRegistry is an in-process registry keyed by partner/device.
type MemoryRegistry struct {
	devices mapset.Set[string]
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{devices: mapset.NewSet[string]()}
}

func key(partnerID, deviceID string) string {
	return partnerID + "/" + deviceID
}

// Register adds a device for a partner.
func (r *MemoryRegistry) Register(partnerID, deviceID string) {
	r.devices.Add(key(partnerID, deviceID))
}

// Remove drops a device registration.
func (r *MemoryRegistry) Remove(partnerID, deviceID string) {
	r.devices.Remove(key(partnerID, deviceID))
}

func (r *MemoryRegistry) Validate(_ context.Context, partnerID, deviceID string) error {
	if !r.devices.Contains(key(partnerID, deviceID)) {
		return fmt.Errorf("%w: %s/%s", ErrUnknownDevice, partnerID, deviceID)
	}
	return nil
}
