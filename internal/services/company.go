package services

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Evemarques07/saas-sub002/internal/models"
	"github.com/Evemarques07/saas-sub002/internal/token"
)

// CompanyService is the persistence collaborator of the pairing flow: it
// hands the orchestrator the stored credential at start and records the
// device identity after a pairing completes.
type CompanyService struct {
	db *gorm.DB
}

// NewCompanyService creates a CompanyService.
func NewCompanyService(db *gorm.DB) (*CompanyService, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle cannot be nil for CompanyService")
	}
	return &CompanyService{db: db}, nil
}

// GetBySlug loads a company record.
func (s *CompanyService) GetBySlug(slug string) (*models.Company, error) {
	var company models.Company
	if err := s.db.Where("slug = ?", slug).First(&company).Error; err != nil {
		return nil, fmt.Errorf("company %q not found: %w", slug, err)
	}
	return &company, nil
}

// EnsureToken returns the company's stored gateway token, deriving and
// persisting it on the first pairing attempt.
func (s *CompanyService) EnsureToken(company *models.Company) (string, error) {
	if company.WhatsappToken != "" {
		return company.WhatsappToken, nil
	}

	tok := token.Derive(company.Slug)
	if err := s.db.Model(company).Update("whatsapp_token", tok).Error; err != nil {
		return "", fmt.Errorf("failed to persist gateway token for %q: %w", company.Slug, err)
	}
	company.WhatsappToken = tok

	log.Info().Str("slug", company.Slug).Msg("Derived and stored gateway token")
	return tok, nil
}

// SaveWhatsappIdentity records a completed pairing: phone, display name and
// the credential it was paired under.
func (s *CompanyService) SaveWhatsappIdentity(slug, phone, name, tok string) error {
	updates := map[string]interface{}{
		"whatsapp_phone":     phone,
		"whatsapp_name":      name,
		"whatsapp_token":     tok,
		"whatsapp_connected": true,
	}
	if err := s.db.Model(&models.Company{}).Where("slug = ?", slug).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to save WhatsApp identity for %q: %w", slug, err)
	}

	log.Info().Str("slug", slug).Str("phone", phone).Str("name", name).Msg("WhatsApp identity saved")
	return nil
}

// MarkDisconnected clears the connected flag after an explicit disconnect.
func (s *CompanyService) MarkDisconnected(slug string) error {
	if err := s.db.Model(&models.Company{}).Where("slug = ?", slug).Update("whatsapp_connected", false).Error; err != nil {
		return fmt.Errorf("failed to mark %q disconnected: %w", slug, err)
	}
	return nil
}
