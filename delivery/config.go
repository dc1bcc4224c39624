package delivery

import "github.com/mitchellh/mapstructure"

// DefaultMaxFragments and HardMaxFragments bound max_fragments.
const (
	DefaultMaxFragments = 256
	HardMaxFragments    = 65536
)

// Config is the root Context's configuration.
type Config struct {
	FragmentCapacity int  `mapstructure:"fragment_capacity"`
	MaxFragments     int  `mapstructure:"max_fragments"`
	Synchronized     bool `mapstructure:"synchronized"`
}

// DecodeConfig decodes an untyped map (JSON/YAML/env-derived) into a
// Config using mapstructure. A missing max_fragments defaults to
// DefaultMaxFragments, as in NewContext; a max_fragments above
// HardMaxFragments is capped to it here, whereas NewContext rejects it.
func DecodeConfig(raw map[string]any) (*Config, error) {
	var cfg Config
	if err := mapstructure.Decode(raw, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.MaxFragments == 0 {
		cfg.MaxFragments = DefaultMaxFragments
	} else if cfg.MaxFragments > HardMaxFragments {
		cfg.MaxFragments = HardMaxFragments
	}
}
