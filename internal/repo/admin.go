package repo

import (
	"context"
	"errors"

	"github.com/Skotchmaster/kicklock/internal/models"
)

func (r *GormRepo) AdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	var a models.Admin
	if err := r.DB.WithContext(ctx).Where("username = ?", username).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *GormRepo) UpsertAdmin(ctx context.Context, a *models.Admin) error {
	existing, err := r.AdminByUsername(ctx, a.Username)
	if errors.Is(err, ErrNotFound) {
		return r.DB.WithContext(ctx).Create(a).Error
	}
	if err != nil {
		return err
	}
	a.ID = existing.ID
	return r.DB.WithContext(ctx).Model(existing).Updates(map[string]any{
		"password":    a.PasswordHash,
		"totp_secret": a.TOTPSecret,
	}).Error
}
