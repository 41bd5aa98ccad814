package db

import (
	"fmt"
	"time"

	"musicmashup/config"
	"musicmashup/logger"
	"musicmashup/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormDB 与 DB (*sql.DB) 并存，混音记录走 GORM
var GormDB *gorm.DB

// ConnectGormDB reuses the database/sql pool when ConnectDB already ran.
func ConnectGormDB(cfg *config.Config) error {
	dialector := mysql.Open(DSN(cfg))
	if DB != nil {
		dialector = mysql.New(mysql.Config{Conn: DB})
	}

	var err error
	GormDB, err = gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		// 禁用外键约束
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect database with GORM: %w", err)
	}

	if DB == nil {
		sqlDB, err := GormDB.DB()
		if err != nil {
			return fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	logger.Info("Successfully connected to the database with GORM.")
	return nil
}

// AutoMigrate migrates the GORM-owned models.
func AutoMigrate() error {
	if GormDB == nil {
		return fmt.Errorf("GORM database not initialized")
	}
	if err := GormDB.AutoMigrate(&model.Mashup{}); err != nil {
		return fmt.Errorf("failed to auto migrate models: %w", err)
	}
	logger.Info("Models migrated successfully with GORM.")
	return nil
}
