package repo

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Skotchmaster/kicklock/internal/models"
)

func (r *GormRepo) InsertSecurityLog(ctx context.Context, entry *models.SecurityLog) error {
	return r.DB.WithContext(ctx).Create(entry).Error
}

// SearchSecurityLogs matches q as a substring of the event type or data.
// An empty q lists everything, newest first.
func (r *GormRepo) SearchSecurityLogs(ctx context.Context, q string, offset, limit int) ([]models.SecurityLog, int64, error) {
	var (
		out   []models.SecurityLog
		total int64
	)
	query := func() *gorm.DB {
		db := r.DB.WithContext(ctx).Model(&models.SecurityLog{})
		if q = strings.TrimSpace(q); q != "" {
			like := "%" + q + "%"
			db = db.Where("event_type LIKE ? OR event_data LIKE ?", like, like)
		}
		return db
	}
	if err := query().Count(&total).Error; err != nil {
		return nil, 0, err
	}
	err := query().
		Order(clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}, Desc: true}).
		Order("id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
