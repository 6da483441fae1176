// Package config retrieves per-worker launch configuration. A missing
// entry is not an error at the supervisor level: it resolves to an empty
// config, per the startup contract.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/psantana5/workerlink/pkg/models"
)

// Source looks up the launch config for an identity.
// Implementations return models.ErrConfigMissing (possibly wrapped) when
// no entry exists; callers treat that as an empty config.
type Source interface {
	Lookup(identity models.Identity) (models.Config, error)
}

// Map is a fixed in-memory source, used mainly by tests.
type Map map[models.Identity]models.Config

// Lookup implements Source.
func (m Map) Lookup(identity models.Identity) (models.Config, error) {
	cfg, ok := m[identity]
	if !ok {
		return models.Config{}, fmt.Errorf("%w: %s", models.ErrConfigMissing, identity)
	}
	return cfg, nil
}

// ViperSource reads worker configs from a viper instance, keyed
// workers.<identity>:
//
//	workers:
//	  calc:
//	    executable: /usr/local/bin/calcworker
//	    working_dir: /var/lib/calc
//	    port: 9301
//	    env:
//	      CALC_MODE: fast
type ViperSource struct {
	v *viper.Viper
}

// NewViperSource wraps a viper instance as a config Source.
func NewViperSource(v *viper.Viper) *ViperSource {
	return &ViperSource{v: v}
}

// Lookup implements Source.
func (s *ViperSource) Lookup(identity models.Identity) (models.Config, error) {
	key := "workers." + string(identity)
	if !s.v.IsSet(key) {
		return models.Config{}, fmt.Errorf("%w: %s", models.ErrConfigMissing, identity)
	}

	var cfg models.Config
	if err := s.v.UnmarshalKey(key, &cfg); err != nil {
		return models.Config{}, fmt.Errorf("failed to parse config for %s: %w", identity, err)
	}
	return cfg, nil
}
