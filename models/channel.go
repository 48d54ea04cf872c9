package models

import "gorm.io/gorm"

// Channel is a connected social account a campaign can publish to
type Channel struct {
	gorm.Model
	WorkspaceID uint   `gorm:"not null;index" json:"workspace_id"`
	Platform    string `gorm:"not null" json:"platform"` // linkedin, x, facebook, instagram...
	Handle      string `json:"handle"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
}
