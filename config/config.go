// Package config loads process configuration for both binaries from the
// environment (spec.md §6 "Environment").
package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Controller is the controller binary's environment configuration. The
// rest of its configuration lives in the YAML file named by Config and
// in the config repository that file points at.
type Controller struct {
	Debug bool `envconfig:"TUBULAR_DEBUG"`
	Trace bool `envconfig:"TUBULAR_TRACE"`

	Config string `envconfig:"TUBULAR_CONFIG" default:"tubular.yaml"`
	Host   string `envconfig:"TUBULAR_HOST" default:"0.0.0.0"`
	Port   int    `envconfig:"TUBULAR_PORT" default:"8080"`
}

// Node is the node binary's environment configuration.
type Node struct {
	Debug bool `envconfig:"TUBULAR_DEBUG"`
	Trace bool `envconfig:"TUBULAR_TRACE"`

	Host string `envconfig:"TUBULAR_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"TUBULAR_PORT" default:"8081"`

	Workspace        string `envconfig:"TUBULAR_WORKSPACE" required:"true"`
	ConfigRepo       string `envconfig:"TUBULAR_CONFIG_REPO" required:"true"`
	ConfigRepoBranch string `envconfig:"TUBULAR_CONFIG_REPO_BRANCH" default:"main"`
}

// LoadController loads the controller configuration from the
// environment.
func LoadController() (Controller, error) {
	cfg := Controller{}
	err := envconfig.Process("", &cfg)
	return cfg, err
}

// LoadNode loads the node configuration from the environment.
func LoadNode() (Node, error) {
	cfg := Node{}
	err := envconfig.Process("", &cfg)
	return cfg, err
}
