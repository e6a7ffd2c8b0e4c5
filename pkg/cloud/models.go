package cloud

import (
	"fmt"
	"strings"
)

// Fleet is an application in the device-management cloud.
type Fleet struct {
	ID         int64  `json:"id"`
	AppName    string `json:"app_name"`
	Slug       string `json:"slug"`
	DeviceType string `json:"-"`
}

type Device struct {
	ID         int64  `json:"id"`
	UUID       string `json:"uuid"`
	DeviceName string `json:"device_name"`
	IsOnline   bool   `json:"is_online"`
	IPAddress  string `json:"ip_address"`
	DeviceType string `json:"-"`
}

// PrimaryIP returns the first address of the space separated ip_address field.
func (d Device) PrimaryIP() (string, error) {
	fields := strings.Fields(d.IPAddress)
	if len(fields) == 0 {
		return "", fmt.Errorf("device %s: %w", d.UUID, ErrNoIPAddress)
	}
	return fields[0], nil
}

// Registration is the result of registering a device in a fleet.
type Registration struct {
	ID     int64  `json:"id"`
	UUID   string `json:"uuid"`
	APIKey string `json:"api_key"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// odataResponse is the envelope of every resource query.
type odataResponse[T any] struct {
	D []T `json:"d"`
}

// slugRef is an expanded navigation property selecting only slug.
type slugRef []struct {
	Slug string `json:"slug"`
}

func (s slugRef) first() string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Slug
}

type fleetResource struct {
	Fleet
	IsForDeviceType slugRef `json:"is_for__device_type"`
}

func (r fleetResource) toFleet() Fleet {
	f := r.Fleet
	f.DeviceType = r.IsForDeviceType.first()
	return f
}

type deviceResource struct {
	Device
	IsOfDeviceType slugRef `json:"is_of__device_type"`
}

func (r deviceResource) toDevice() Device {
	d := r.Device
	d.DeviceType = r.IsOfDeviceType.first()
	return d
}

type idResource struct {
	ID int64 `json:"id"`
}

type createFleetRequest struct {
	AppName         string `json:"app_name"`
	IsForDeviceType int64  `json:"is_for__device_type"`
	Organization    int64  `json:"organization"`
}

type registerRequest struct {
	User       int64  `json:"user"`
	Fleet      int64  `json:"application"`
	DeviceType string `json:"device_type"`
	UUID       string `json:"uuid"`
	APIKey     string `json:"api_key"`
}
