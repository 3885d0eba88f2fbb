package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Customer links an identity-provider subject to its payment gateway customer record.
type Customer struct {
	ID                uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	IdentitySubject   string    `gorm:"column:identity_subject;not null;uniqueIndex:customers_identity_subject_key"`
	Email             string    `gorm:"column:email;not null;index"`
	Name              *string   `gorm:"column:name"`
	GatewayCustomerID *string   `gorm:"column:gateway_customer_id"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *Customer) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
