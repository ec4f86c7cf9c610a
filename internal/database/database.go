package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dbharbor/dbharbor/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	if dbDir := filepath.Dir(dbPath); dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Cluster{}, &Connection{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Cluster helpers

func GetCluster(id uint) (*Cluster, error) {
	var c Cluster
	if err := DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func GetClusterByName(name string) (*Cluster, error) {
	var c Cluster
	if err := DB.Where("name = ?", name).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListClusters() ([]Cluster, error) {
	var clusters []Cluster
	if err := DB.Order("id").Find(&clusters).Error; err != nil {
		return nil, err
	}
	return clusters, nil
}

// Connection helpers

func GetConnection(id uint) (*Connection, error) {
	var c Connection
	if err := DB.First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListConnections() ([]Connection, error) {
	var conns []Connection
	if err := DB.Order("id").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, nil
}

// UpdateConnectionForwarding mirrors a live tunnel onto a connection record.
// Safe to call on every request.
func UpdateConnectionForwarding(connID uint, tunnelID string, localPort int, status string) error {
	return DB.Model(&Connection{}).Where("id = ?", connID).Updates(map[string]interface{}{
		"tunnel_id":     tunnelID,
		"local_port":    localPort,
		"tunnel_status": status,
	}).Error
}

// UpdateForwardingStatusByTunnelID mirrors a tunnel status flip onto every
// record referencing that tunnel.
func UpdateForwardingStatusByTunnelID(tunnelID, status string) error {
	if tunnelID == "" {
		return nil
	}
	return DB.Model(&Connection{}).Where("tunnel_id = ?", tunnelID).
		Update("tunnel_status", status).Error
}

// ClearForwardingByTunnelID detaches an evicted or stopped tunnel from the
// records that referenced it.
func ClearForwardingByTunnelID(tunnelID string) error {
	if tunnelID == "" {
		return nil
	}
	return DB.Model(&Connection{}).Where("tunnel_id = ?", tunnelID).Updates(map[string]interface{}{
		"tunnel_id":     "",
		"local_port":    0,
		"tunnel_status": "",
	}).Error
}
