package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scanhive-labs/scanhive-go/internal/domain"
)

// YAMLSource loads module profiles from a seed file. Decoding is strict:
// unknown keys fail the load so stray hint names are caught at startup.
type YAMLSource struct {
	Path string
}

type yamlProfileFile struct {
	Modules []domain.ModuleProfile `yaml:"modules"`
}

func (s YAMLSource) Load(ctx context.Context) ([]domain.ModuleProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read profile file: %w", err)
	}
	return ParseProfiles(raw)
}

// ParseProfiles decodes a profile document, rejecting unknown fields.
func ParseProfiles(raw []byte) ([]domain.ModuleProfile, error) {
	var file yamlProfileFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode profile file: %w", err)
	}
	for _, p := range file.Modules {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return file.Modules, nil
}
