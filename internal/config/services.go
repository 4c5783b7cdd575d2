package config

import (
	"fmt"
	"time"
)

// ServicesConfig describes the downstream domain services and the routes proxied to each.
type ServicesConfig struct {
	Services map[string]ServiceConfig `yaml:"services"`
}

type ServiceConfig struct {
	BaseURL       string            `yaml:"base_url"`
	Timeout       time.Duration     `yaml:"timeout"`
	MaxConcurrent int               `yaml:"max_concurrent"`
	Headers       map[string]string `yaml:"headers,omitempty"`
	Routes        []RouteConfig     `yaml:"routes"`
}

// RouteConfig maps one inbound path to an upstream path template on the owning service.
type RouteConfig struct {
	Name     string   `yaml:"name"`
	Path     string   `yaml:"path"`
	Upstream string   `yaml:"upstream"`
	Methods  []string `yaml:"methods"`
	Query    []string `yaml:"query"`
}

const DefaultServiceTimeout = 5 * time.Second

func (s *ServicesConfig) Validate() error {
	seen := make(map[string]string)
	for name, svc := range s.Services {
		if svc.BaseURL == "" {
			return fmt.Errorf("service %s: base_url is required", name)
		}
		for _, rt := range svc.Routes {
			if rt.Path == "" || rt.Upstream == "" {
				return fmt.Errorf("service %s: route %q needs path and upstream", name, rt.Name)
			}
			if len(rt.Methods) == 0 {
				return fmt.Errorf("service %s: route %s has no methods", name, rt.Path)
			}
			if owner, dup := seen[rt.Path]; dup {
				return fmt.Errorf("route %s declared by both %s and %s", rt.Path, owner, name)
			}
			seen[rt.Path] = name
		}
	}
	return nil
}
