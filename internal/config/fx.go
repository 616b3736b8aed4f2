package config

import (
	"go.uber.org/fx"

	"github.com/storyloom/storyloom/pkg/db"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewEntitlementConfigHolder),
	fx.Provide(DBConfig),
)

// DBConfig derives the database settings consumed by pkg/db.
func DBConfig(cfg Config) db.Config {
	return db.Config{
		Type:            cfg.DBType,
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		Name:            cfg.DBName,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		SSLMode:         cfg.DBSSLMode,
		MaxIdleConn:     cfg.DBMaxIdleConn,
		MaxOpenConn:     cfg.DBMaxOpenConn,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	}
}
