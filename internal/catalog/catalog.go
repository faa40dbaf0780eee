// Package catalog loads the intervention catalog: the static list of scripted
// coaching exercises the router may start.
//
// A catalog is loaded once at startup and is read-only afterwards, so a single
// *Catalog is shared by every session without synchronisation. Any problem
// while loading is fatal and reported as an error wrapping [ErrCatalogLoad].
package catalog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrCatalogLoad is wrapped by every error returned from the Load functions.
var ErrCatalogLoad = errors.New("catalog: load failed")

// Record is one intervention. Records are values and never mutated after load.
type Record struct {
	// Name is the unique identity key. The router answers with it.
	Name string `yaml:"name"`

	// Description is shown to the router when it picks an intervention.
	Description string `yaml:"description"`

	// Prompt is the coach-facing guidance injected once per activation. It is
	// never shown to the user.
	Prompt string `yaml:"prompt"`

	// CompletionIndicator, when non-empty, ends the intervention as soon as a
	// reply contains it (case-insensitive).
	CompletionIndicator string `yaml:"completion_indicator"`
}

// Catalog is an ordered, name-indexed set of records.
type Catalog struct {
	records []Record
	byName  map[string]int
}

// New builds a Catalog from records, validating every entry.
func New(records []Record) (*Catalog, error) {
	c := &Catalog{
		records: make([]Record, 0, len(records)),
		byName:  make(map[string]int, len(records)),
	}
	var errs []error
	for i, r := range records {
		r.Name = strings.TrimSpace(r.Name)
		switch {
		case r.Name == "":
			errs = append(errs, fmt.Errorf("record %d: name is empty", i+1))
			continue
		case strings.TrimSpace(r.Prompt) == "":
			errs = append(errs, fmt.Errorf("record %d (%s): prompt is empty", i+1, r.Name))
			continue
		}
		if _, dup := c.byName[r.Name]; dup {
			errs = append(errs, fmt.Errorf("record %d: duplicate name %q", i+1, r.Name))
			continue
		}
		c.byName[r.Name] = len(c.records)
		c.records = append(c.records, r)
	}
	if len(errs) == 0 && len(c.records) == 0 {
		errs = append(errs, errors.New("no interventions"))
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrCatalogLoad, errors.Join(errs...))
	}
	return c, nil
}

// Load reads the catalog at path. The format follows the extension: .csv, or
// .yaml/.yml.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv":
		return LoadCSV(f)
	case ".yaml", ".yml":
		return LoadYAML(f)
	default:
		return nil, fmt.Errorf("%w: unsupported file extension %q", ErrCatalogLoad, ext)
	}
}

// LoadCSV parses a CSV catalog. The header row must name the columns name,
// description and prompt; completion_indicator is optional. Column order is
// free and unknown columns are ignored.
func LoadCSV(r io.Reader) (*Catalog, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrCatalogLoad, err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "description", "prompt"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrCatalogLoad, required)
		}
	}

	field := func(row []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCatalogLoad, err)
		}
		records = append(records, Record{
			Name:                field(row, "name"),
			Description:         field(row, "description"),
			Prompt:              field(row, "prompt"),
			CompletionIndicator: field(row, "completion_indicator"),
		})
	}
	return New(records)
}

// yamlFile is the document layout of a YAML catalog.
type yamlFile struct {
	Interventions []Record `yaml:"interventions"`
}

// LoadYAML parses a YAML catalog with a top-level interventions list.
func LoadYAML(r io.Reader) (*Catalog, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc yamlFile
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: decode yaml: %w", ErrCatalogLoad, err)
	}
	return New(doc.Interventions)
}

// Lookup returns the record named name.
func (c *Catalog) Lookup(name string) (Record, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Record{}, false
	}
	return c.records[i], true
}

// Records returns a copy of all records in load order.
func (c *Catalog) Records() []Record {
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Names returns all record names in load order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.records))
	for i, r := range c.records {
		out[i] = r.Name
	}
	return out
}

// Len returns the number of records.
func (c *Catalog) Len() int { return len(c.records) }
