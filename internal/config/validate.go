package config

import (
	"fmt"
	"strings"

	"grimm.is/outpost/internal/driver"
	"grimm.is/outpost/internal/logging"
	"grimm.is/outpost/internal/transport"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate checks the whole configuration and reports every problem.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	duration := func(field, value string, positive bool) {
		d, err := parseDuration(value)
		switch {
		case err != nil:
			add(field, "invalid duration %q", value)
		case d < 0, positive && d == 0:
			add(field, "must be positive")
		}
	}
	endpoint := func(field, value string) {
		if _, err := transport.ParseEndpoint(value); err != nil {
			add(field, "%v", err)
		}
	}

	endpoint("endpoint", c.Endpoint)
	duration("liveness_interval", c.LivenessInterval, false)

	if n := c.Negotiation; n != nil {
		duration("negotiation.expiration", n.Expiration, true)
		duration("negotiation.timeout", n.Timeout, true)
		duration("negotiation.drain_timeout", n.DrainTimeout, false)
		duration("negotiation.destroy_timeout", n.DestroyTimeout, false)
		if n.MaxAgreements < 1 {
			add("negotiation.max_agreements", "must be at least 1")
		}
	}

	if l := c.Log; l != nil {
		if _, err := logging.ParseLevel(l.Level); err != nil {
			add("log.level", "%v", err)
		}
		for component, level := range l.Filters {
			if _, err := logging.ParseLevel(level); err != nil {
				add("log.filters."+component, "%v", err)
			}
		}
	}

	seen := map[string]bool{}
	for _, t := range c.Tasks {
		field := fmt.Sprintf("task.%s", t.Kind)
		if _, err := driver.DefaultTask(driver.TaskKind(t.Kind)); err != nil {
			add(field, "unknown task kind")
		}
		if seen[t.Kind] {
			add(field, "duplicate task block")
		}
		seen[t.Kind] = true
	}

	if p := c.Provider; p != nil {
		for i, l := range p.Listen {
			endpoint(fmt.Sprintf("provider.listen[%d]", i), l)
		}
		duration("provider.offer_delay", p.OfferDelay, false)
		duration("provider.heartbeat", p.Heartbeat, false)
		if p.MaxConns < 0 {
			add("provider.max_conns", "must not be negative")
		}
		units := map[string]bool{}
		for _, u := range p.Units {
			field := fmt.Sprintf("provider.unit.%s", u.Path)
			if !strings.HasPrefix(u.Path, "/") {
				add(field, "entry point must be an absolute path")
			}
			if len(u.Command) == 0 {
				add(field, "command must not be empty")
			}
			if units[u.Path] {
				add(field, "duplicate unit block")
			}
			units[u.Path] = true
		}
	}
	return errs
}
