// Package geo serves the static trader lookup tables: username to country,
// country to coordinates, and the list of public figures.
package geo

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Coordinates struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type file struct {
	PublicFigures []string               `yaml:"public_figures"`
	Users         map[string]string      `yaml:"users"`
	Countries     map[string]Coordinates `yaml:"countries"`
}

// Dataset is read-only after construction and safe for concurrent use.
type Dataset struct {
	public    map[string]struct{}
	users     map[string]string
	countries map[string]Coordinates
}

type Location struct {
	Country   string
	Latitude  float64
	Longitude float64
}

// Empty returns a dataset that knows nobody.
func Empty() *Dataset {
	return &Dataset{
		public:    map[string]struct{}{},
		users:     map[string]string{},
		countries: map[string]Coordinates{},
	}
}

// Load reads a YAML dataset. An empty path yields Empty().
func Load(path string) (*Dataset, error) {
	if strings.TrimSpace(path) == "" {
		return Empty(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read geo dataset: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Dataset, error) {
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse geo dataset: %w", err)
	}
	d := Empty()
	for _, name := range f.PublicFigures {
		if key := normalize(name); key != "" {
			d.public[key] = struct{}{}
		}
	}
	for name, country := range f.Users {
		if key := normalize(name); key != "" {
			d.users[key] = strings.ToUpper(strings.TrimSpace(country))
		}
	}
	for country, coords := range f.Countries {
		d.countries[strings.ToUpper(strings.TrimSpace(country))] = coords
	}
	return d, nil
}

// IsPubliclyKnown matches any of the given identifiers (username, x handle,
// address).
func (d *Dataset) IsPubliclyKnown(ids ...string) bool {
	if d == nil {
		return false
	}
	for _, id := range ids {
		if _, ok := d.public[normalize(id)]; ok {
			return true
		}
	}
	return false
}

// Locate resolves the first identifier with a known country.
func (d *Dataset) Locate(ids ...string) (Location, bool) {
	if d == nil {
		return Location{}, false
	}
	for _, id := range ids {
		country, ok := d.users[normalize(id)]
		if !ok || country == "" {
			continue
		}
		loc := Location{Country: country}
		if c, ok := d.countries[country]; ok {
			loc.Latitude = c.Latitude
			loc.Longitude = c.Longitude
		}
		return loc, true
	}
	return Location{}, false
}

func (d *Dataset) Size() int {
	if d == nil {
		return 0
	}
	return len(d.users) + len(d.public)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "@"))
}
