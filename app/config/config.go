// Package config loads optional YAML configuration with the default snapshot settings
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/boardstore/app/domain"
)

// Config defines the YAML configuration file
type Config struct {
	DefaultBoard Board  `yaml:"default_board" json:"default_board" jsonschema:"description=board created when storage is empty"`
	Filter       string `yaml:"filter" json:"filter" jsonschema:"description=initial task filter,enum=all,enum=todo,enum=doing,enum=done"`
}

// Board is the default board definition
type Board struct {
	ID          string `yaml:"id" json:"id" jsonschema:"description=board id,minLength=1"`
	Name        string `yaml:"name" json:"name" jsonschema:"description=board name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty" jsonschema:"description=board description"`
	Color       string `yaml:"color" json:"color" jsonschema:"description=board color as #rrggbb,pattern=^#[0-9a-fA-F]{6}$"`
}

var colorRe = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// Default returns configuration used when no file is given
func Default() *Config {
	def := domain.DefaultSnapshot(time.Time{})
	b := def.Boards[0]
	return &Config{
		DefaultBoard: Board{ID: b.ID, Name: b.Name, Color: b.Color},
		Filter:       def.Filter,
	}
}

// Load reads config from the YAML file. Empty path returns defaults,
// fields missing in the file keep default values.
func Load(path string) (*Config, error) {
	res := Default()
	if path == "" {
		return res, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is user provided
	if err != nil {
		return nil, fmt.Errorf("can't read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err = dec.Decode(res); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse config %s: %w", path, err)
	}
	if err = res.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return res, nil
}

// Validate checks default board and filter values
func (c *Config) Validate() error {
	if c.DefaultBoard.ID == "" {
		return errors.New("default_board.id is required")
	}
	if c.DefaultBoard.Color != "" && !colorRe.MatchString(c.DefaultBoard.Color) {
		return fmt.Errorf("default_board.color %q is not #rrggbb", c.DefaultBoard.Color)
	}
	switch c.Filter {
	case domain.FilterAll, string(domain.StatusTodo), string(domain.StatusDoing), string(domain.StatusDone):
	default:
		return fmt.Errorf("unknown filter %q", c.Filter)
	}
	return nil
}

// DefaultSnapshot makes a snapshot with the configured default board selected
func (c *Config) DefaultSnapshot(now time.Time) domain.Snapshot {
	res := domain.DefaultSnapshot(now)
	b := &res.Boards[0]
	b.ID = c.DefaultBoard.ID
	b.Name = c.DefaultBoard.Name
	b.Description = c.DefaultBoard.Description
	if c.DefaultBoard.Color != "" {
		b.Color = c.DefaultBoard.Color
	}
	id := b.ID
	res.CurrentBoardID = &id
	res.Filter = c.Filter
	return res
}

// Schema returns JSON schema of the config file
func Schema() ([]byte, error) {
	schema := jsonschema.Reflect(&Config{})
	schema.Title = "Boardstore YAML Configuration Schema"
	schema.Description = "Schema for boardstore YAML configuration file"
	schema.Version = "1.0.0"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("can't marshal schema: %w", err)
	}
	return data, nil
}
