package approval

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cscx-ai/agentd/internal/domain"
)

// presetFile is the on-disk shape of an approval-policy preset file.
type presetFile struct {
	Policies map[string]presetSpec `yaml:"policies"`
}

type presetSpec struct {
	AutoApprove     string           `yaml:"auto_approve"`
	PauseOnHighRisk bool             `yaml:"pause_on_high_risk"`
	ActiveHours     *activeHoursSpec `yaml:"active_hours"`
}

type activeHoursSpec struct {
	Cron   string `yaml:"cron"`
	Window string `yaml:"window"`
}

// LoadPresets reads named approval policies from a YAML file. Presets let
// operators assign a policy by name instead of repeating its fields on
// every request.
func LoadPresets(path string) (map[string]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approval presets: %w", err)
	}
	return ParsePresets(data)
}

// ParsePresets decodes and validates preset YAML.
func ParsePresets(data []byte) (map[string]Policy, error) {
	var file presetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: decode approval presets: %v", domain.ErrValidation, err)
	}

	out := make(map[string]Policy, len(file.Policies))
	for name, spec := range file.Policies {
		level, err := ParseAutoApproveLevel(spec.AutoApprove)
		if err != nil {
			return nil, fmt.Errorf("preset %q: %w", name, err)
		}

		p := Policy{AutoApprove: level, PauseOnHighRisk: spec.PauseOnHighRisk}
		if spec.ActiveHours != nil {
			window, err := time.ParseDuration(spec.ActiveHours.Window)
			if err != nil {
				return nil, fmt.Errorf("%w: preset %q active-hours window %q: %v", domain.ErrValidation, name, spec.ActiveHours.Window, err)
			}
			sched, err := NewSchedule(spec.ActiveHours.Cron, window)
			if err != nil {
				return nil, fmt.Errorf("preset %q: %w", name, err)
			}
			p.ActiveHours = sched
		}
		out[name] = p
	}
	return out, nil
}
