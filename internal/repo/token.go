package repo

import (
	"context"

	"github.com/Skotchmaster/kicklock/internal/models"
)

func (r *GormRepo) CreateToken(ctx context.Context, t *models.Token) error {
	if err := r.DB.WithContext(ctx).Create(t).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *GormRepo) TokenByValue(ctx context.Context, value string) (*models.Token, error) {
	var t models.Token
	if err := r.DB.WithContext(ctx).Where("token = ?", value).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *GormRepo) TokenByID(ctx context.Context, id string) (*models.Token, error) {
	var t models.Token
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// TokenForUser returns the newest token attributed to userID.
func (r *GormRepo) TokenForUser(ctx context.Context, userID string) (*models.Token, error) {
	var t models.Token
	if err := r.DB.WithContext(ctx).Where("userid = ?", userID).Order("createdat DESC").First(&t).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *GormRepo) TokensByUserIDs(ctx context.Context, ids []string) ([]models.Token, error) {
	var out []models.Token
	if len(ids) == 0 {
		return out, nil
	}
	err := r.DB.WithContext(ctx).Where("userid IN ?", ids).Order("createdat DESC").Find(&out).Error
	return out, err
}

// AttributeToken sets userid. Repeating it with the same user is a no-op.
func (r *GormRepo) AttributeToken(ctx context.Context, value, userID string) error {
	res := r.DB.WithContext(ctx).Model(&models.Token{}).Where("token = ?", value).Update("userid", userID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) SetTokenStatus(ctx context.Context, value string, status models.TokenStatus) error {
	res := r.DB.WithContext(ctx).Model(&models.Token{}).Where("token = ?", value).Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) DeleteToken(ctx context.Context, id string) error {
	res := r.DB.WithContext(ctx).Where("id = ?", id).Delete(&models.Token{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) DeleteTokenByValue(ctx context.Context, value string) error {
	res := r.DB.WithContext(ctx).Where("token = ?", value).Delete(&models.Token{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTokens returns tokens newest first plus the total row count.
func (r *GormRepo) ListTokens(ctx context.Context, offset, limit int) ([]models.Token, int64, error) {
	var (
		out   []models.Token
		total int64
	)
	if err := r.DB.WithContext(ctx).Model(&models.Token{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := r.DB.WithContext(ctx).Order("createdat DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
