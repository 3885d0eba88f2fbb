package customers

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
)

const identityUniqueConstraint = "customers_identity_subject_key"

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) FindBySubject(ctx context.Context, subject string) (*models.Customer, error) {
	var customer models.Customer
	err := r.db.WithContext(ctx).Where("identity_subject = ?", subject).First(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

// Ensure returns the customer for subject, creating it on first sight. A
// concurrent creator losing the unique race re-reads the winner's row.
func (r *Repository) Ensure(ctx context.Context, subject, email, name string) (*models.Customer, error) {
	existing, err := r.FindBySubject(ctx, subject)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Email != email && email != "" {
			if err := r.db.WithContext(ctx).Model(existing).Update("email", email).Error; err != nil {
				return nil, err
			}
			existing.Email = email
		}
		return existing, nil
	}

	customer := &models.Customer{IdentitySubject: subject, Email: email}
	if name != "" {
		customer.Name = &name
	}
	if err := r.db.WithContext(ctx).Create(customer).Error; err != nil {
		if db.IsUniqueViolation(err, identityUniqueConstraint) {
			return r.FindBySubject(ctx, subject)
		}
		return nil, err
	}
	return customer, nil
}

func (r *Repository) SetGatewayCustomerID(ctx context.Context, id uuid.UUID, gatewayID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Customer{}).
		Where("id = ?", id).
		Update("gateway_customer_id", gatewayID).Error
}
