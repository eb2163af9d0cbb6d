package cases

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// descriptorFiles are checked in order; the first one present wins.
var descriptorFiles = []string{"config.json", "config.yaml", "config.yml"}

// descriptor is the on-disk case configuration.
type descriptor struct {
	Description      string            `mapstructure:"description"`
	Args             []string          `mapstructure:"args"`
	ExpectedExitCode *int              `mapstructure:"expected_exit_code"`
	ExpectedFiles    map[string]string `mapstructure:"expected_files"`
	SkipTools        []string          `mapstructure:"skip_tools"`
	RequiredTools    []string          `mapstructure:"required_tools"`
	Performance      *Performance      `mapstructure:"performance"`
}

// Load builds a Case from dir. A missing descriptor yields the default
// invocation and picks up conventional expected-<format>.<ext> fixtures.
// With a descriptor, only its expected_files are validated. The returned
// error describes a malformed descriptor; the Case is still returned so
// the caller can record it.
func Load(dir string) (*Case, error) {
	c := &Case{
		Name:          filepath.Base(dir),
		Dir:           dir,
		Args:          append([]string(nil), DefaultArgs...),
		ExpectedFiles: make(map[string]string, len(fixtureExtensions)),
	}

	d, err := readDescriptor(dir)
	if err != nil {
		return c, err
	}

	if d != nil {
		c.apply(d)
	} else {
		c.ExpectedFiles = conventionalFixtures(dir)
	}

	c.MissingTools = resolveMissingTools(c.RequiredTools)

	return c, nil
}

func (c *Case) apply(d *descriptor) {
	c.Description = d.Description

	if len(d.Args) > 0 {
		// Arguments are whitespace-split after joining, so "-d src" and
		// ["-d", "src"] are equivalent.
		c.Args = strings.Fields(strings.Join(d.Args, " "))
	}

	if d.ExpectedExitCode != nil {
		c.ExpectedExitCode = *d.ExpectedExitCode
	}

	for format, file := range d.ExpectedFiles {
		c.ExpectedFiles[strings.ToLower(format)] = file
	}

	c.RequiredTools = append(c.RequiredTools, d.SkipTools...)
	c.RequiredTools = append(c.RequiredTools, d.RequiredTools...)
	c.Performance = d.Performance
}

func readDescriptor(dir string) (*descriptor, error) {
	for _, name := range descriptorFiles {
		path := filepath.Join(dir, name)

		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		raw := make(map[string]any, 8)

		if filepath.Ext(name) == ".json" {
			err = json.Unmarshal(data, &raw)
		} else {
			err = yaml.Unmarshal(data, &raw)
		}

		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		var d descriptor
		if err := decodeDescriptor(raw, &d); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}

		return &d, nil
	}

	return nil, nil
}

func decodeDescriptor(raw map[string]any, out *descriptor) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		DecodeHook:       stringToFieldsHook,
	})
	if err != nil {
		return err
	}

	return decoder.Decode(raw)
}

// stringToFieldsHook lets list fields be written as a single
// whitespace-separated string ("args": "-d src --no-colors").
func stringToFieldsHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]string(nil)) {
		return data, nil
	}

	return strings.Fields(data.(string)), nil
}

// conventionalFixtures detects expected-<format>.<ext> files in dir.
func conventionalFixtures(dir string) map[string]string {
	found := make(map[string]string, len(fixtureExtensions))

	for format, ext := range fixtureExtensions {
		name := fmt.Sprintf("expected-%s.%s", format, ext)

		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			found[format] = name
		}
	}

	return found
}

// Fixture is the expected content of one format, or the reason it is absent.
type Fixture struct {
	Format  string
	Path    string
	Content *string
	Err     error
}

// LoadFixtures reads every declared fixture. Content is canonicalized
// with canon (BOM strip, CRLF to LF). Unreadable fixtures are reported per
// format with a nil Content.
func LoadFixtures(c *Case, canon func(string) string) []Fixture {
	formats := c.ExpectedFormats()
	out := make([]Fixture, 0, len(formats))

	for _, format := range formats {
		path, _ := c.FixturePath(format)
		fx := Fixture{Format: format, Path: path}

		data, err := os.ReadFile(path)
		if err != nil {
			fx.Err = fmt.Errorf("reading fixture %s: %w", path, err)
		} else {
			content := string(data)
			if canon != nil {
				content = canon(content)
			}

			fx.Content = &content
		}

		out = append(out, fx)
	}

	return out
}
