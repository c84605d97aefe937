// Database models for staff identities
package db

import "time"

// StaffMember marks a sender id as a human staff identity for a tenant.
type StaffMember struct {
	ID          string    `json:"id" gorm:"primaryKey;size:64"`
	TenantID    string    `json:"tenant_id" gorm:"index;size:64;not null"`
	DisplayName string    `json:"display_name" gorm:"size:200"`
	Active      bool      `json:"active" gorm:"default:true"`
	CreatedAt   time.Time `json:"created_at"`
}

func (StaffMember) TableName() string {
	return "staff_members"
}
