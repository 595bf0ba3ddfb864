package domain

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is the fixed set of KPIs the engine knows how to compute. Immutable
// after construction.
type Catalog struct {
	specs map[string]KPISpec
	order []string
}

// ParseCatalog reads KPI definitions from YAML:
//
//	kpis:
//	  - name: credits_purchased_total
//	    kind: sum
//	    mode: incremental
//	    event_name: credit_purchased
//	    property: amount
//	    bucket: 1h
func ParseCatalog(raw []byte) (*Catalog, error) {
	var doc struct {
		KPIs []KPISpec `yaml:"kpis"`
	}
	if len(raw) > 0 {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse kpi catalog: %w", err)
		}
	}

	catalog := &Catalog{specs: make(map[string]KPISpec, len(doc.KPIs))}
	for _, spec := range doc.KPIs {
		spec.Name = strings.TrimSpace(spec.Name)
		if spec.Name == "" {
			return nil, fmt.Errorf("parse kpi catalog: kpi with empty name")
		}
		if _, dup := catalog.specs[spec.Name]; dup {
			return nil, fmt.Errorf("parse kpi catalog: duplicate kpi %q", spec.Name)
		}
		if err := validateSpec(spec); err != nil {
			return nil, fmt.Errorf("parse kpi catalog: kpi %q: %w", spec.Name, err)
		}
		if spec.Mode == "" {
			spec.Mode = ModeOnDemand
		}
		if spec.Kind == KindPercentile {
			spec.Mode = ModeIncremental
		}
		if spec.Bucket <= 0 {
			spec.Bucket = time.Hour
		}
		catalog.specs[spec.Name] = spec
		catalog.order = append(catalog.order, spec.Name)
	}
	return catalog, nil
}

// UnmarshalYAML accepts bucket as a Go duration string ("1h", "15m").
func (s *KPISpec) UnmarshalYAML(value *yaml.Node) error {
	type plain KPISpec
	aux := struct {
		plain  `yaml:",inline"`
		Bucket string `yaml:"bucket"`
	}{}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	*s = KPISpec(aux.plain)
	if aux.Bucket != "" {
		bucket, err := time.ParseDuration(aux.Bucket)
		if err != nil {
			return fmt.Errorf("bucket: %w", err)
		}
		s.Bucket = bucket
	}
	return nil
}

func validateSpec(spec KPISpec) error {
	switch spec.Kind {
	case KindCount:
	case KindSum, KindPercentile:
		if spec.Property == "" {
			return fmt.Errorf("kind %s requires property", spec.Kind)
		}
	case KindRatio:
		if spec.DenominatorEvent == "" {
			return fmt.Errorf("kind ratio requires denominator_event")
		}
	default:
		return fmt.Errorf("unknown kind %q", spec.Kind)
	}
	if spec.EventName == "" {
		return fmt.Errorf("event_name is required")
	}
	if spec.Kind == KindPercentile && (spec.Percentile <= 0 || spec.Percentile >= 1) {
		return fmt.Errorf("percentile must be in (0, 1)")
	}
	switch spec.Mode {
	case "", ModeOnDemand, ModeIncremental:
	default:
		return fmt.Errorf("unknown mode %q", spec.Mode)
	}
	return nil
}

// Lookup resolves a KPI by name.
func (c *Catalog) Lookup(name string) (KPISpec, bool) {
	if c == nil {
		return KPISpec{}, false
	}
	spec, ok := c.specs[name]
	return spec, ok
}

// Incremental returns the KPIs the consumer maintains, in declaration order.
func (c *Catalog) Incremental() []KPISpec {
	if c == nil {
		return nil
	}
	specs := make([]KPISpec, 0, len(c.order))
	for _, name := range c.order {
		if spec := c.specs[name]; spec.Incremental() {
			specs = append(specs, spec)
		}
	}
	return specs
}

// All returns every KPI in declaration order.
func (c *Catalog) All() []KPISpec {
	if c == nil {
		return nil
	}
	specs := make([]KPISpec, 0, len(c.order))
	for _, name := range c.order {
		specs = append(specs, c.specs[name])
	}
	return specs
}
