// Package bootconfig builds a device's target-environment config.json from
// a template and the config currently on the device.
package bootconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andrej220/fleetmigrate/internal/persistence"
)

const (
	keyDeviceAPIKey  = "deviceApiKey"
	keyDeviceAPIKeys = "deviceApiKeys"
	keyApplicationID = "applicationId"
	keyDeviceID      = "id"

	fileNamePrefix = "config.json."
)

var (
	ErrTemplate     = errors.New("error loading config.json template file")
	ErrMissingField = errors.New("field missing from device config")
)

// Document is a decoded config.json. Numbers are kept as json.Number.
type Document map[string]any

// Template is the parsed target-environment config.json template. Merge
// never mutates it.
type Template struct {
	raw []byte
}

// MergeParams carries the values assigned by the target environment.
type MergeParams struct {
	FieldsToMigrate []string
	APIKey          string
	DeviceID        int64
	FleetID         int64
	// APIHost selects the deviceApiKeys entry to replace.
	APIHost string
}

// LoadTemplate reads and validates the template at path.
func LoadTemplate(path string) (*Template, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return ParseTemplate(raw)
}

func ParseTemplate(raw []byte) (*Template, error) {
	if _, err := Parse(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return &Template{raw: append([]byte(nil), raw...)}, nil
}

// Parse decodes a config.json object.
func Parse(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("invalid config.json: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("invalid config.json: not an object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid config.json: trailing data")
	}
	return doc, nil
}

// Merge returns a new document: the template with the migrated fields taken
// from the device config in current and the target identifiers filled in.
func (t *Template) Merge(current []byte, p MergeParams) (Document, error) {
	doc, err := Parse(t.raw)
	if err != nil {
		return nil, err
	}
	src, err := Parse(current)
	if err != nil {
		return nil, err
	}

	// deviceApiKeys order comes from whichever document supplied the object
	keysFrom := t.raw
	for _, field := range p.FieldsToMigrate {
		v, ok := src[field]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
		}
		doc[field] = v
		if field == keyDeviceAPIKeys {
			keysFrom = current
		}
	}

	doc[keyDeviceAPIKey] = p.APIKey
	if err := setDeviceAPIKeys(doc, keysFrom, p.APIHost, p.APIKey); err != nil {
		return nil, err
	}
	doc[keyApplicationID] = json.Number(fmt.Sprint(p.FleetID))
	doc[keyDeviceID] = json.Number(fmt.Sprint(p.DeviceID))
	return doc, nil
}

// setDeviceAPIKeys replaces the entry for apiHost, or else the first entry,
// in the order found in raw, of the deviceApiKeys object.
func setDeviceAPIKeys(doc Document, raw []byte, apiHost, apiKey string) error {
	existing, ok := doc[keyDeviceAPIKeys].(map[string]any)
	if !ok || len(existing) == 0 {
		doc[keyDeviceAPIKeys] = map[string]any{apiHost: apiKey}
		return nil
	}
	if _, ok := existing[apiHost]; ok && apiHost != "" {
		existing[apiHost] = apiKey
		return nil
	}
	first, err := firstKey(raw, keyDeviceAPIKeys)
	if err != nil {
		return err
	}
	existing[first] = apiKey
	return nil
}

// firstKey returns the first member name, in document order, of the object
// stored under field in the top level object raw.
func firstKey(raw []byte, field string) (string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return "", err
	}
	dec := json.NewDecoder(bytes.NewReader(top[field]))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return "", fmt.Errorf("%s is not an object", field)
	}
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("%s: %w", field, err)
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("%s is empty", field)
	}
	return key, nil
}

// FileName is the local name of the generated config for a device.
func FileName(dir, uuid string) string {
	return filepath.Join(dir, fileNamePrefix+uuid)
}

// Write stores doc as <dir>/config.json.<uuid>, readable by the owner only,
// and returns the path.
func Write(doc Document, dir, uuid string) (string, error) {
	path := FileName(dir, uuid)
	if err := persistence.WriteSecretJSON(doc, path); err != nil {
		return "", fmt.Errorf("write config for %s: %w", uuid, err)
	}
	return path, nil
}
