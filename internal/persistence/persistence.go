// Package persistence writes serialized documents (generated device configs,
// migration reports) to disk.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	indent = "    " // Default indentation for JSON output (4 spaces)
	prefix = ""     // Default prefix for JSON output

	// SecretMode is used for files holding device API keys.
	SecretMode os.FileMode = 0600
	PublicMode os.FileMode = 0644
)

type Serializer interface {
	Marshal(data any) ([]byte, error)
}

type Writer interface {
	Write(filename string, data []byte) error
}

// JSONSerializer produces indented JSON, or compact JSON when Indent is empty.
type JSONSerializer struct {
	Prefix, Indent string
}

func (s JSONSerializer) Marshal(data any) ([]byte, error) {
	if s.Indent == "" && s.Prefix == "" {
		return json.Marshal(data)
	}
	return json.MarshalIndent(data, s.Prefix, s.Indent)
}

type FileWriter struct {
	Overwrite bool
	Mode      os.FileMode
}

func (w FileWriter) Write(filename string, data []byte) error {
	if filename == "" {
		return os.ErrInvalid
	}
	if _, err := os.Stat(filename); !os.IsNotExist(err) && !w.Overwrite {
		return os.ErrExist
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	mode := w.Mode
	if mode == 0 {
		mode = PublicMode
	}
	if err := os.WriteFile(filename, data, mode); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(filename, mode)
}

// WriteJSONToFile persists data as JSON to a destination using the provided Serializer and Writer.
func WriteJSONToFile(data any, filename string, serializer Serializer, writer Writer) error {
	if filename == "" {
		return fmt.Errorf("invalid filename: %w", os.ErrInvalid)
	}

	bytes, err := serializer.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	if err := writer.Write(filename, bytes); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

// WriteJSON persists data as JSON to a file with default settings (overwrite enabled, 4-space indent).
func WriteJSON(data any, filename string) error {
	serializer := JSONSerializer{Prefix: prefix, Indent: indent}
	writer := FileWriter{Overwrite: true}
	return WriteJSONToFile(data, filename, serializer, writer)
}

// WriteSecretJSON writes compact JSON readable by the owner only.
func WriteSecretJSON(data any, filename string) error {
	return WriteJSONToFile(data, filename, JSONSerializer{}, FileWriter{Overwrite: true, Mode: SecretMode})
}
