package service

import (
	"context"
	"fmt"
	"time"

	"github.com/honeypot-sentry/sentryd/internal/domain/feature"
	"github.com/honeypot-sentry/sentryd/internal/domain/threatintel"
)

// prober adapts a single-argument Probe method, letting callers pass either
// a *siem.Client or any other feature.Prober without this package importing
// the concrete adapter.
type prober interface {
	Probe(ctx context.Context) error
}

// anySourceProber reports the threat-intel dependency healthy if at least
// one configured source is reachable, mirroring the "at least one source
// must succeed" threshold the orchestrator itself applies to lookups.
type anySourceProber struct {
	sources []threatintel.Source
}

func (p anySourceProber) Probe(ctx context.Context) error {
	if len(p.sources) == 0 {
		return fmt.Errorf("threat-intel: no sources configured")
	}
	var lastErr error
	for _, src := range p.sources {
		ps, ok := src.(prober)
		if !ok {
			continue
		}
		err := ps.Probe(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("threat-intel: no probeable sources")
	}
	return fmt.Errorf("all sources unreachable: %w", lastErr)
}

// NewFeatureManager wires a feature.Manager with the Feature Manager's
// probers for every outbound dependency (§4.5): the SIEM store, the
// threat-intel source set, and (if non-nil) the secret store.
func NewFeatureManager(probeInterval time.Duration, siemProbe prober, sources []threatintel.Source, secretProbe prober) *feature.Manager {
	m := feature.NewManager(probeInterval)
	if siemProbe != nil {
		m.RegisterDependency(feature.DepSIEMStore, siemProbe)
	}
	m.RegisterDependency(feature.DepThreatIntel, anySourceProber{sources: sources})
	if secretProbe != nil {
		m.RegisterDependency(feature.DepSecretStore, secretProbe)
	}
	return m
}
