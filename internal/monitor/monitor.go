// Package monitor implements the ops console external observer: a small
// gin + JWT + bcrypt + gorilla/websocket + gorm/sqlite service that nodes
// report their neighbor-table state to, directly adapted from the
// teacher's centralized controller (gin router, JWT auth, a websocket
// hub keyed by peer identity, gorm-backed persistence) with VPN
// network/member/peer concepts replaced by APKES node/neighbor concepts.
// It observes; it never participates in the handshake or holds key
// material.
package monitor

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Config configures a Monitor instance.
type Config struct {
	Listen       string `yaml:"listen"`
	Database     string `yaml:"database"`
	JWTSecret    string `yaml:"jwt_secret"`
	AdminUser    string `yaml:"admin_username"`
	AdminPass    string `yaml:"admin_password"`
	LogLevel     string `yaml:"log_level"`
}

// DefaultConfig returns sensible defaults for a local deployment.
func DefaultConfig() *Config {
	return &Config{
		Listen:    "0.0.0.0:9394",
		Database:  "sqlite://apkes-monitor.db",
		JWTSecret: "change-me-in-production",
		AdminUser: "admin",
		AdminPass: "admin",
		LogLevel:  "info",
	}
}

// Monitor is the ops console server.
type Monitor struct {
	config *Config
	db     *gorm.DB
	router *gin.Engine
	ws     *WSHandler
	log    *slog.Logger
}

// New builds a Monitor, opening its database and provisioning the default
// admin account if none exists yet.
func New(cfg *Config, log *slog.Logger) (*Monitor, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("monitor: init database: %w", err)
	}

	m := &Monitor{config: cfg, db: db, log: log.With("component", "monitor")}
	if err := m.ensureAdminUser(); err != nil {
		return nil, fmt.Errorf("monitor: create admin user: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	m.ws = newWSHandler(m, log)
	m.router = router
	m.setupRoutes(router)
	return m, nil
}

// Run starts the monitor's HTTP server. It blocks until the server exits.
func (m *Monitor) Run() error {
	m.log.Info("monitor starting", "listen", m.config.Listen)
	return m.router.Run(m.config.Listen)
}

func (m *Monitor) ensureAdminUser() error {
	var count int64
	m.db.Model(&AdminUser{}).Count(&count)
	if count > 0 {
		return nil
	}
	hash, err := HashPassword(m.config.AdminPass)
	if err != nil {
		return err
	}
	return m.db.Create(&AdminUser{Username: m.config.AdminUser, Password: hash}).Error
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
