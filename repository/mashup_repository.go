package repository

import (
	"context"
	"errors"

	"musicmashup/model"

	"gorm.io/gorm"
)

// MashupRepository 混音记录数据访问接口
type MashupRepository interface {
	Create(ctx context.Context, m *model.Mashup) error
	GetByID(ctx context.Context, id int64) (*model.Mashup, error)
	List(ctx context.Context, limit int) ([]*model.Mashup, error)
}

// gormMashupRepository GORM 实现
type gormMashupRepository struct {
	db *gorm.DB
}

// NewGormMashupRepository 创建 GORM 混音仓库
func NewGormMashupRepository(db *gorm.DB) MashupRepository {
	return &gormMashupRepository{db: db}
}

func (r *gormMashupRepository) Create(ctx context.Context, m *model.Mashup) error {
	return r.db.WithContext(ctx).Create(m).Error
}

// GetByID 未找到时返回 nil, nil
func (r *gormMashupRepository) GetByID(ctx context.Context, id int64) (*model.Mashup, error) {
	var m model.Mashup
	err := r.db.WithContext(ctx).First(&m, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// List 按创建时间倒序
func (r *gormMashupRepository) List(ctx context.Context, limit int) ([]*model.Mashup, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*model.Mashup
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
