package tasksync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func DefaultEngineSettings() *EngineSettings {
	return &EngineSettings{
		Realtime:        DefaultRealtimeTransportSettings(),
		Runner:          DefaultMutationRunnerSettings(),
		Coordinator:     DefaultCoordinatorSettings(),
		GraphQL:         DefaultGraphQLClientSettings(),
		Store:           DefaultStoreSettings(),
		EchoWindow:      DefaultEchoWindow,
		PersistDebounce: 500 * time.Millisecond,
	}
}

type EngineSettings struct {
	// the http GraphQL endpoint. the realtime url is derived from it.
	GraphQLUrl string `yaml:"graphql_url"`
	// root locations the global subscriptions are scoped to. empty is unscoped.
	RootLocationIds []string `yaml:"root_location_ids"`

	Realtime    *RealtimeTransportSettings `yaml:"realtime"`
	Runner      *MutationRunnerSettings    `yaml:"runner"`
	Coordinator *CoordinatorSettings       `yaml:"coordinator"`
	GraphQL     *GraphQLClientSettings     `yaml:"graphql"`
	// an empty path without `in_memory` disables persistence
	Store *StoreSettings `yaml:"store"`

	EchoWindow time.Duration `yaml:"echo_window"`
	// cache snapshots are written at most once per debounce
	PersistDebounce time.Duration `yaml:"persist_debounce"`
}

func (self *EngineSettings) PersistenceEnabled() bool {
	return self.Store != nil && (self.Store.InMemory || self.Store.Path != "")
}

// overlays the yaml file onto the defaults
// durations are written as go durations, e.g. `500ms`
func LoadSettings(path string) (*EngineSettings, error) {
	settingsBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseSettings(settingsBytes)
}

func ParseSettings(settingsBytes []byte) (*EngineSettings, error) {
	settings := DefaultEngineSettings()
	if err := yaml.Unmarshal(settingsBytes, settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}
