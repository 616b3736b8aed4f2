package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	entitlementdomain "github.com/storyloom/storyloom/internal/entitlement/domain"
	paymentdomain "github.com/storyloom/storyloom/internal/payment/domain"
	"github.com/storyloom/storyloom/pkg/db"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg db.Config) error {
		if cfg.Type != "postgres" {
			// sqlite and mysql installs are dev setups; gorm's migrator
			// keeps them in sync without the versioned SQL.
			return conn.AutoMigrate(
				&entitlementdomain.Entitlement{},
				&entitlementdomain.CreditRefund{},
				&paymentdomain.EventRecord{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
