package handlers

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/Evemarques07/saas-sub002/internal/events"
	"github.com/Evemarques07/saas-sub002/internal/gateway"
	"github.com/Evemarques07/saas-sub002/internal/models"
	"github.com/Evemarques07/saas-sub002/internal/pairing"
	"github.com/Evemarques07/saas-sub002/internal/services"
)

// Manager owns one pairing orchestrator per tenant plus a short-lived cache
// of company records so the UI's status polling stays off the database.
// Orchestrators live in a plain map: they are stateful and must not be
// evicted while an attempt is active.
type Manager struct {
	mu sync.Mutex

	gw         *gateway.Client
	companies  *services.CompanyService
	notifier   *events.Notifier
	intervals  pairing.Intervals
	terminalQR bool

	orchestrators map[string]*pairing.Orchestrator
	companyCache  *cache.Cache
}

// NewManager creates a Manager.
func NewManager(gw *gateway.Client, companies *services.CompanyService, notifier *events.Notifier, terminalQR bool) *Manager {
	return &Manager{
		gw:            gw,
		companies:     companies,
		notifier:      notifier,
		intervals:     pairing.DefaultIntervals(),
		terminalQR:    terminalQR,
		orchestrators: make(map[string]*pairing.Orchestrator),
		companyCache:  cache.New(5*time.Minute, 10*time.Minute),
	}
}

// company loads a tenant record, serving repeat lookups from cache.
func (m *Manager) company(slug string) (*models.Company, error) {
	if cached, found := m.companyCache.Get(slug); found {
		return cached.(*models.Company), nil
	}
	company, err := m.companies.GetBySlug(slug)
	if err != nil {
		return nil, err
	}
	m.companyCache.Set(slug, company, cache.DefaultExpiration)
	return company, nil
}

// orchestratorFor returns the tenant's orchestrator, creating it on first
// use with the stored credential and the persistence/notification callbacks.
func (m *Manager) orchestratorFor(slug string) (*pairing.Orchestrator, error) {
	m.mu.Lock()
	if orch, ok := m.orchestrators[slug]; ok {
		m.mu.Unlock()
		return orch, nil
	}
	m.mu.Unlock()

	company, err := m.company(slug)
	if err != nil {
		return nil, err
	}
	tok, err := m.companies.EnsureToken(company)
	if err != nil {
		return nil, err
	}

	orch := pairing.New(pairing.Config{
		Slug:       slug,
		Token:      tok,
		Gateway:    m.gw,
		Intervals:  m.intervals,
		TerminalQR: m.terminalQR,
		OnConnected: func(phone, name, userToken string) {
			if err := m.companies.SaveWhatsappIdentity(slug, phone, name, userToken); err != nil {
				log.Error().Err(err).Str("slug", slug).Msg("Failed to persist pairing result")
			}
			m.companyCache.Delete(slug)
			m.notifier.PairingConnected(slug, phone, name, userToken)
		},
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another request may have created it in the meantime.
	if existing, ok := m.orchestrators[slug]; ok {
		return existing, nil
	}
	m.orchestrators[slug] = orch
	return orch, nil
}
