package repo

import (
	"context"

	"github.com/Skotchmaster/kicklock/internal/models"
)

// PromoteAttributedTokens marks tokens that already carry a user as InUse.
func (r *GormRepo) PromoteAttributedTokens(ctx context.Context) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&models.Token{}).
		Where("userid IS NOT NULL AND status = ?", models.TokenActive).
		Update("status", models.TokenInUse)
	return res.RowsAffected, res.Error
}

// DeleteOrphanedTokens removes InUse tokens whose user row is gone.
func (r *GormRepo) DeleteOrphanedTokens(ctx context.Context) (int64, error) {
	res := r.DB.WithContext(ctx).
		Where("status = ? AND (userid IS NULL OR userid NOT IN (?))",
			models.TokenInUse,
			r.DB.Model(&models.User{}).Select("id"),
		).
		Delete(&models.Token{})
	return res.RowsAffected, res.Error
}

// UsersWithStaleToken lists users whose token column does not name an
// existing token row.
func (r *GormRepo) UsersWithStaleToken(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := r.DB.WithContext(ctx).
		Where("token = '' OR token IS NULL OR token NOT IN (?)", r.DB.Model(&models.Token{}).Select("token")).
		Find(&users).Error
	return users, err
}
