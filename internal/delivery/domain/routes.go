package domain

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Route declares one external dependency reachable from the worker. Which
// events fan out to it is configuration, not core logic.
type Route struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
}

// RouteTable maps event names to the routes they fan out to.
type RouteTable struct {
	routes  map[string]Route
	byEvent map[string][]Route
}

// ParseRouteTable builds a RouteTable from YAML. An empty document yields a
// table that enqueues nothing.
func ParseRouteTable(raw []byte) (*RouteTable, error) {
	var doc struct {
		Routes []Route `yaml:"routes"`
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse route table: %w", err)
		}
	}

	table := &RouteTable{
		routes:  make(map[string]Route, len(doc.Routes)),
		byEvent: make(map[string][]Route),
	}
	for _, route := range doc.Routes {
		name := strings.TrimSpace(route.Name)
		if name == "" {
			return nil, fmt.Errorf("parse route table: route with empty name")
		}
		if _, dup := table.routes[name]; dup {
			return nil, fmt.Errorf("parse route table: duplicate route %q", name)
		}
		route.Name = name
		table.routes[name] = route
		for _, eventName := range route.Events {
			eventName = strings.TrimSpace(eventName)
			if eventName == "" {
				continue
			}
			table.byEvent[eventName] = append(table.byEvent[eventName], route)
		}
	}
	return table, nil
}

// RoutesFor returns the routes an event with the given name fans out to.
func (t *RouteTable) RoutesFor(eventName string) []Route {
	if t == nil {
		return nil
	}
	return t.byEvent[eventName]
}

// Lookup resolves a route by name.
func (t *RouteTable) Lookup(name string) (Route, bool) {
	if t == nil {
		return Route{}, false
	}
	route, ok := t.routes[name]
	return route, ok
}
