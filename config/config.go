package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	Port    string
	DataDir string // scratch space for analysis, separation and renders

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int
	AnalysisTTL   time.Duration

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// 外部脚本
	PythonPath      string
	BPMScript       string
	StemScript      string
	RenderScript    string
	Renderer        string // "beep" or "script"
	RenderSkipMuted bool

	// 混音引擎
	TickInterval   time.Duration
	DriftTolerance float64

	LogLevel string
	LogFile  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("50ms") or a bare number of milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}
	return fromEnv()
}

func fromEnv() *Config {
	dataDir := getEnv("DATA_DIR", "data")
	scriptDir := getEnv("SCRIPT_DIR", "scripts")

	renderer := strings.ToLower(getEnv("RENDERER", "beep"))
	if renderer != "script" {
		renderer = "beep"
	}

	return &Config{
		Port:    getEnv("PORT", "5000"),
		DataDir: dataDir,

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // 密码不设默认值
		DBName:     getEnv("DB_NAME", "mashup"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		AnalysisTTL:   getEnvDuration("ANALYSIS_TTL", 7*24*time.Hour),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnv("MINIO_BUCKET", "mashup"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		PythonPath:      getEnv("PYTHON_PATH", "python3"),
		BPMScript:       getEnv("BPM_SCRIPT", filepath.Join(scriptDir, "bpm_detection.py")),
		StemScript:      getEnv("STEM_SCRIPT", filepath.Join(scriptDir, "stem_separation.py")),
		RenderScript:    getEnv("RENDER_SCRIPT", filepath.Join(scriptDir, "audio_processor.py")),
		Renderer:        renderer,
		RenderSkipMuted: getEnvBool("RENDER_SKIP_MUTED", false),

		TickInterval:   getEnvDuration("MIXER_TICK", 50*time.Millisecond),
		DriftTolerance: getEnvFloat("MIXER_DRIFT_TOLERANCE", 0.1),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", filepath.Join("logs", "mashup.log")),
	}
}

// RedisAddr joins host and port.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}
