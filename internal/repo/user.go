package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/kicklock/internal/models"
)

func (r *GormRepo) CreateUserIfNotExists(ctx context.Context, u *models.User) error {
	tx := r.DB.WithContext(ctx).Where("username = ?", u.Username).FirstOrCreate(u)
	if tx.Error != nil {
		if isUniqueViolation(tx.Error) {
			return ErrUsernameTaken
		}
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrUsernameTaken
	}
	return nil
}

func (r *GormRepo) UserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *GormRepo) UserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *GormRepo) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.DB.WithContext(ctx).Order("username").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// SetSession overwrites the live session pair and bumps the login counter.
func (r *GormRepo) SetSession(ctx context.Context, userID, sessionToken, sessionID string, now time.Time) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"session_token":     sessionToken,
			"active_session_id": sessionID,
			"login_count":       gorm.Expr("login_count + ?", 1),
			"last_login":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) ClearSession(ctx context.Context, userID string, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"session_token":     nil,
			"active_session_id": nil,
			"last_logout":       now,
		}).Error
}

func (r *GormRepo) SetDeployment(ctx context.Context, userID string, formNumber int, runID int64, at time.Time) error {
	fields := map[string]any{
		"deploy_timestamp":   at,
		"active_form_number": formNumber,
		"active_run_id":      nil,
	}
	if runID != 0 {
		fields["active_run_id"] = runID
	}
	return r.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(fields).Error
}

func (r *GormRepo) ClearDeployment(ctx context.Context, userID string) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"deploy_timestamp":   nil,
			"active_form_number": nil,
			"active_run_id":      nil,
		}).Error
}

func (r *GormRepo) SetUserToken(ctx context.Context, userID, token string) error {
	res := r.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("token", token)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) DeleteUser(ctx context.Context, userID string) error {
	res := r.DB.WithContext(ctx).Where("id = ?", userID).Delete(&models.User{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
