package config

import (
	"github.com/INLOpen/nexussync/core"
)

// Validate checks that names are unique and that every reference between
// tasks, services and connections resolves. Backend kinds are checked by
// the endpoint registry, not here.
func (c *Config) Validate() error {
	conns := make(map[string]ConnectionConfig, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return core.NewConfigurationError("connections", "connection without a name")
		}
		if _, dup := conns[conn.Name]; dup {
			return core.NewConfigurationError("connections", "duplicate connection %q", conn.Name)
		}
		conns[conn.Name] = conn
	}

	services := make(map[string]ServiceConfig, len(c.Services))
	for _, svc := range c.Services {
		if svc.Name == "" {
			return core.NewConfigurationError("services", "service without a name")
		}
		if _, dup := services[svc.Name]; dup {
			return core.NewConfigurationError("services", "duplicate service %q", svc.Name)
		}
		conn, ok := conns[svc.Connection]
		if !ok {
			return core.NewConfigurationError("services", "service %q references unknown connection %q", svc.Name, svc.Connection)
		}
		if svc.Kind != "" && conn.Kind != "" && svc.Kind != conn.Kind {
			return core.NewConfigurationError("services", "service %q of kind %q uses connection %q of kind %q", svc.Name, svc.Kind, conn.Name, conn.Kind)
		}
		services[svc.Name] = svc
	}

	tasks := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.Name == "" {
			return core.NewConfigurationError("tasks", "task without a name")
		}
		if _, dup := tasks[t.Name]; dup {
			return core.NewConfigurationError("tasks", "duplicate task %q", t.Name)
		}
		tasks[t.Name] = struct{}{}

		src, ok := services[t.Source]
		if !ok {
			return core.NewConfigurationError("tasks", "task %q references unknown source service %q", t.Name, t.Source)
		}
		if len(t.Destinations) == 0 {
			return core.NewConfigurationError("tasks", "task %q has no destination", t.Name)
		}
		for _, d := range t.Destinations {
			if _, ok := services[d]; !ok {
				return core.NewConfigurationError("tasks", "task %q references unknown destination service %q", t.Name, d)
			}
		}
		if t.Async {
			conn := conns[src.Connection]
			if conn.Kind != KindLDAP {
				return core.NewConfigurationError("tasks", "task %q is async but source %q is not a directory", t.Name, t.Source)
			}
			if conn.ServerType == "" {
				return core.NewConfigurationError("tasks", "task %q is async but connection %q declares no server_type", t.Name, conn.Name)
			}
		}
	}
	return nil
}
