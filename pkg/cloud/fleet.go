package cloud

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	fleetSelect     = "id,app_name,slug"
	fleetExpand     = "is_for__device_type($select=slug)"
	whoAmIPath      = "/user/v1/whoami"
	registerPath    = "/device/register"
	provisioningFmt = "/api-key/application/%d/provisioning"
)

// WhoAmI returns the user owning the client's token. It doubles as the
// login check.
func (c *Client) WhoAmI(ctx context.Context) (*User, error) {
	var u User
	if err := c.get(ctx, whoAmIPath, nil, &u); err != nil {
		return nil, fmt.Errorf("whoami: %w", err)
	}
	return &u, nil
}

// GetFleet looks a fleet up by its slug, e.g. "myorg/myfleet".
func (c *Client) GetFleet(ctx context.Context, slug string) (*Fleet, error) {
	q := url.Values{}
	q.Set("$filter", eq("slug", strings.ToLower(slug)))
	q.Set("$select", fleetSelect)
	q.Set("$expand", fleetExpand)
	return c.oneFleet(ctx, q, "fleet "+slug)
}

// GetFleetByOwner looks a fleet up by name within an organization handle.
func (c *Client) GetFleetByOwner(ctx context.Context, appName, owner string) (*Fleet, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("%s and organization/any(o:o/%s)", eq("app_name", appName), eq("handle", owner)))
	q.Set("$select", fleetSelect)
	q.Set("$expand", fleetExpand)
	return c.oneFleet(ctx, q, fmt.Sprintf("fleet %s owned by %s", appName, owner))
}

func (c *Client) oneFleet(ctx context.Context, q url.Values, what string) (*Fleet, error) {
	var resp odataResponse[fleetResource]
	if err := c.get(ctx, c.resource("application"), q, &resp); err != nil {
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	if len(resp.D) == 0 {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	f := resp.D[0].toFleet()
	return &f, nil
}

// CreateFleet creates a fleet of deviceType in the organization owner.
func (c *Client) CreateFleet(ctx context.Context, appName, deviceType, owner string) (*Fleet, error) {
	dtID, err := c.lookupID(ctx, "device_type", eq("slug", deviceType), "device type "+deviceType)
	if err != nil {
		return nil, err
	}
	orgID, err := c.lookupID(ctx, "organization", eq("handle", owner), "organization "+owner)
	if err != nil {
		return nil, err
	}

	var created Fleet
	body := createFleetRequest{AppName: appName, IsForDeviceType: dtID, Organization: orgID}
	if err := c.post(ctx, c.resource("application"), body, &created, ""); err != nil {
		return nil, fmt.Errorf("create fleet %s of type %s: %w", appName, deviceType, err)
	}
	if created.AppName == "" {
		created.AppName = appName
	}
	created.DeviceType = deviceType
	return &created, nil
}

func (c *Client) lookupID(ctx context.Context, resource, filter, what string) (int64, error) {
	q := url.Values{}
	q.Set("$filter", filter)
	q.Set("$select", "id")
	var resp odataResponse[idResource]
	if err := c.get(ctx, c.resource(resource), q, &resp); err != nil {
		return 0, fmt.Errorf("get %s: %w", what, err)
	}
	if len(resp.D) == 0 {
		return 0, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return resp.D[0].ID, nil
}
