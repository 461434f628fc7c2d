package models

import (
	"time"
)

// Company is one tenant of the platform. The WhatsApp fields are the
// persisted side of the pairing flow: the credential token is written once
// and reused on later attempts, phone/name are refreshed wholesale whenever a
// pairing completes.
type Company struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	Slug              string    `gorm:"uniqueIndex;comment:URL-safe tenant identifier" json:"slug"`
	Name              string    `json:"name"`
	WhatsappToken     string    `gorm:"comment:Gateway credential token, derived from the slug" json:"-"`
	WhatsappPhone     string    `gorm:"comment:Device phone number captured on pairing" json:"whatsappPhone"`
	WhatsappName      string    `gorm:"comment:Device display name captured on pairing" json:"whatsappName"`
	WhatsappConnected bool      `gorm:"comment:Last known pairing state" json:"whatsappConnected"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}
