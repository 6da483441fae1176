package models

import (
	"fmt"
	"sort"
)

// Identity is the logical name under which one supervisor instance and its
// worker process are known. It is unique per running system and immutable
// for the lifetime of the instance.
type Identity string

// Config describes how to launch and reach one worker process. It is
// retrieved once at startup from the configuration source and never
// mutated afterwards.
type Config struct {
	Executable string            `json:"executable" yaml:"executable" mapstructure:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty" mapstructure:"args"`
	WorkingDir string            `json:"working_dir,omitempty" yaml:"working_dir,omitempty" mapstructure:"working_dir"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty" mapstructure:"env"`
	Host       string            `json:"host,omitempty" yaml:"host,omitempty" mapstructure:"host"`
	Port       int               `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port"`
}

// IsZero reports whether the config carries no launch information.
// A missing config entry is represented as a zero Config, not an error.
func (c Config) IsZero() bool {
	return c.Executable == "" && len(c.Args) == 0 && c.WorkingDir == "" &&
		len(c.Env) == 0 && c.Host == "" && c.Port == 0
}

// EnvList flattens Env into KEY=VALUE form for process spawning.
// The result is sorted so launches are reproducible.
func (c Config) EnvList() []string {
	if len(c.Env) == 0 {
		return nil
	}
	list := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

// NodeRef is the globally unique address under which a worker is reachable
// on the RPC transport. It is computed once during startup, before any
// bridge call is permitted.
type NodeRef struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// NewNodeRef derives the node reference for an identity from its config.
// An empty host falls back to loopback.
func NewNodeRef(identity Identity, cfg Config) NodeRef {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return NodeRef{Name: string(identity), Host: host, Port: cfg.Port}
}

// String renders the reference in name@host:port form.
func (r NodeRef) String() string {
	return fmt.Sprintf("%s@%s:%d", r.Name, r.Host, r.Port)
}

// Addr returns the dialable host:port part of the reference.
func (r NodeRef) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// IsZero reports whether the reference was never assigned.
func (r NodeRef) IsZero() bool {
	return r.Name == ""
}

// Reason records why a supervisor left the ready phase.
type Reason string

const (
	ReasonRequested      Reason = "requested"       // Explicit stop request
	ReasonNodeDown       Reason = "node_down"       // Disconnect notification from the transport
	ReasonUnexpectedExit Reason = "unexpected_exit" // Worker stream terminated unexpectedly
)
