package snippets

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed licenses.yaml
var licensesYAML []byte

// License is an entry of the static license table.
type License struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	ShortName   string `yaml:"shortName" json:"shortName"`
	Description string `yaml:"description" json:"description"`
	URL         string `yaml:"url" json:"url"`
	Color       string `yaml:"color" json:"color"`
}

// LicenseCatalog is a read-only license table.
type LicenseCatalog struct {
	ordered []License
	byID    map[string]License
}

// ParseLicenses decodes a license table document.
func ParseLicenses(data []byte) (*LicenseCatalog, error) {
	var document struct {
		Licenses []License `yaml:"licenses"`
	}
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("decode license table: %w", err)
	}
	if len(document.Licenses) == 0 {
		return nil, errors.New("license table is empty")
	}
	catalog := &LicenseCatalog{byID: make(map[string]License, len(document.Licenses))}
	for _, license := range document.Licenses {
		id := strings.TrimSpace(license.ID)
		if id == "" {
			return nil, errors.New("license entry without id")
		}
		if _, exists := catalog.byID[id]; exists {
			return nil, fmt.Errorf("duplicate license id %q", id)
		}
		license.ID = id
		catalog.byID[id] = license
		catalog.ordered = append(catalog.ordered, license)
	}
	return catalog, nil
}

var defaultLicenses = sync.OnceValues(func() (*LicenseCatalog, error) {
	return ParseLicenses(licensesYAML)
})

// DefaultLicenses returns the embedded license table.
func DefaultLicenses() (*LicenseCatalog, error) {
	return defaultLicenses()
}

// All returns the licenses in table order.
func (c *LicenseCatalog) All() []License {
	return append([]License(nil), c.ordered...)
}

// Lookup finds a license by id.
func (c *LicenseCatalog) Lookup(id string) (License, bool) {
	license, ok := c.byID[id]
	return license, ok
}
