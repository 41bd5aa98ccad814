package db

import (
	"database/sql"
	"fmt"
	"time"

	"musicmashup/config"
	"musicmashup/logger"

	"github.com/go-sql-driver/mysql"
)

var DB *sql.DB

// DSN builds the MySQL data source name for cfg.
func DSN(cfg *config.Config) string {
	mc := mysql.NewConfig()
	mc.User = cfg.DBUser
	mc.Passwd = cfg.DBPassword
	mc.Net = "tcp"
	mc.Addr = cfg.DBHost + ":" + cfg.DBPort
	mc.DBName = cfg.DBName
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	var err error
	DB, err = sql.Open("mysql", DSN(cfg))
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	DB.SetMaxIdleConns(10)
	DB.SetMaxOpenConns(50)
	DB.SetConnMaxLifetime(time.Hour)

	logger.Info("Successfully connected to the database.", logger.String("addr", cfg.DBHost+":"+cfg.DBPort))
	return nil
}

// Schema holds the MySQL DDL for the tables owned by database/sql.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS audio_files (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		filename VARCHAR(255) NOT NULL,
		object_key VARCHAR(512) NOT NULL,
		content_type VARCHAR(100) NOT NULL,
		size BIGINT NOT NULL DEFAULT 0,
		content_hash CHAR(64) NOT NULL,
		bpm DOUBLE NULL,
		music_key VARCHAR(32) NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_audio_files_hash (content_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS stem_assets (
		track_id BIGINT NOT NULL,
		kind VARCHAR(32) NOT NULL,
		object_key VARCHAR(512) NOT NULL,
		content_type VARCHAR(100) NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (track_id, kind)
	)`,
}

// InitDB creates the tables if they don't exist.
func InitDB() error {
	for _, stmt := range Schema {
		if _, err := DB.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	logger.Info("Database initialization completed.")
	return nil
}

func CloseDB() error {
	if DB == nil {
		return nil
	}
	return DB.Close()
}
