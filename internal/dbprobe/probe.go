// Package dbprobe performs one-shot connectivity checks against a database
// endpoint. It is the only place the process speaks a database wire
// protocol; everything else hands it a resolved host and port.
package dbprobe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const dialTimeout = 5 * time.Second

// Target identifies one database endpoint to probe.
type Target struct {
	Type     string // mysql, postgres, redis
	Host     string
	Port     int
	Username string
	Password string
	DBName   string
}

// Probe opens a connection to the target, pings it once and closes it.
func Probe(ctx context.Context, tgt Target) error {
	switch tgt.Type {
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?timeout=%s",
			tgt.Username, tgt.Password, tgt.Host, tgt.Port, tgt.DBName, dialTimeout)
		return probeSQL(ctx, mysql.Open(dsn))

	case "postgres":
		dbname := tgt.DBName
		if dbname == "" {
			dbname = "postgres"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=5",
			tgt.Host, tgt.Port, tgt.Username, tgt.Password, dbname)
		return probeSQL(ctx, postgres.Open(dsn))

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:        fmt.Sprintf("%s:%d", tgt.Host, tgt.Port),
			Username:    tgt.Username,
			Password:    tgt.Password,
			DialTimeout: dialTimeout,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s:%d: %w", tgt.Host, tgt.Port, err)
		}
		return nil

	default:
		return fmt.Errorf("unsupported database type %q", tgt.Type)
	}
}

func probeSQL(ctx context.Context, dialector gorm.Dialector) error {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
