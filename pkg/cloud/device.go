package cloud

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
)

const (
	deviceSelect = "id,uuid,device_name,is_online,ip_address"
	deviceExpand = "is_of__device_type($select=slug)"
)

// ListDevices returns every device of the fleet.
func (c *Client) ListDevices(ctx context.Context, fleetID int64) ([]Device, error) {
	q := url.Values{}
	q.Set("$filter", "belongs_to__application eq "+strconv.FormatInt(fleetID, 10))
	q.Set("$select", deviceSelect)
	q.Set("$expand", deviceExpand)
	q.Set("$orderby", "device_name asc")

	var resp odataResponse[deviceResource]
	if err := c.get(ctx, c.resource("device"), q, &resp); err != nil {
		return nil, fmt.Errorf("list devices of fleet %d: %w", fleetID, err)
	}
	devices := make([]Device, 0, len(resp.D))
	for _, r := range resp.D {
		devices = append(devices, r.toDevice())
	}
	return devices, nil
}

// GetDevice returns the device with uuid, or ErrNotFound.
func (c *Client) GetDevice(ctx context.Context, uuid string) (*Device, error) {
	q := url.Values{}
	q.Set("$filter", eq("uuid", uuid))
	q.Set("$select", deviceSelect)
	q.Set("$expand", deviceExpand)

	var resp odataResponse[deviceResource]
	if err := c.get(ctx, c.resource("device"), q, &resp); err != nil {
		return nil, fmt.Errorf("get device %s: %w", uuid, err)
	}
	if len(resp.D) == 0 {
		return nil, fmt.Errorf("device %s: %w", uuid, ErrNotFound)
	}
	d := resp.D[0].toDevice()
	return &d, nil
}

// RegisterDevice pre-registers uuid in the fleet. The device authenticates
// with the returned api key once it boots with the new config.
func (c *Client) RegisterDevice(ctx context.Context, fleetID int64, uuid, deviceType string) (*Registration, error) {
	user, err := c.WhoAmI(ctx)
	if err != nil {
		return nil, fmt.Errorf("register device %s: %w", uuid, err)
	}

	var provKey string
	if err := c.post(ctx, fmt.Sprintf(provisioningFmt, fleetID), struct{}{}, &provKey, ""); err != nil {
		return nil, fmt.Errorf("register device %s: provisioning key: %w", uuid, err)
	}

	apiKey, err := GenerateDeviceKey()
	if err != nil {
		return nil, fmt.Errorf("register device %s: %w", uuid, err)
	}

	body := registerRequest{
		User:       user.ID,
		Fleet:      fleetID,
		DeviceType: deviceType,
		UUID:       uuid,
		APIKey:     apiKey,
	}
	var reg Registration
	if err := c.post(ctx, registerPath, body, &reg, provKey); err != nil {
		return nil, fmt.Errorf("register device %s: %w", uuid, err)
	}
	if reg.APIKey == "" {
		reg.APIKey = apiKey
	}
	if reg.UUID == "" {
		reg.UUID = uuid
	}
	return &reg, nil
}

// GenerateDeviceKey returns a random 32 hex character device api key.
func GenerateDeviceKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate device key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
