package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
	"imagegen-backend/internal/models"
)

// DefaultCost is the flat price of one generation request.
const DefaultCost int64 = 3

// Policy prices a generation request in points.
type Policy interface {
	Cost(req models.GenerateRequest) int64
}

// FlatPolicy charges the same amount for every request.
type FlatPolicy struct {
	Points int64
}

func (p FlatPolicy) Cost(models.GenerateRequest) int64 {
	if p.Points <= 0 {
		return DefaultCost
	}
	return p.Points
}

// TieredPolicy charges per image, scaled by output size.
type TieredPolicy struct {
	PerImage   int64            `yaml:"per_image"`
	EditExtra  int64            `yaml:"edit_extra"`
	SizeFactor map[string]int64 `yaml:"size_factor"`
}

func (p TieredPolicy) Cost(req models.GenerateRequest) int64 {
	params := req.Params()

	factor := int64(1)
	if f, ok := p.SizeFactor[params.ImageSize]; ok && f > 0 {
		factor = f
	}

	cost := p.PerImage * factor * int64(params.NumImages)
	if req.JobMode() == models.ModeEdit {
		cost += p.EditExtra
	}
	if cost <= 0 {
		return DefaultCost
	}
	return cost
}

// Load reads a TieredPolicy from a YAML file. An empty path yields the flat default.
func Load(path string) (Policy, error) {
	if path == "" {
		return FlatPolicy{Points: DefaultCost}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var policy TieredPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}
	if policy.PerImage <= 0 {
		return nil, fmt.Errorf("pricing file %s: per_image must be positive", path)
	}
	if policy.EditExtra < 0 {
		return nil, fmt.Errorf("pricing file %s: edit_extra must not be negative", path)
	}

	return policy, nil
}
