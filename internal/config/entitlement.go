package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EntitlementConfig carries the tunable knobs of the metering engine:
// per-action monthly allowances, credit grants per purchasable item, and the
// synchronous authorization timeout.
type EntitlementConfig struct {
	AuthorizeTimeoutMs int            `mapstructure:"authorizeTimeoutMs"`
	MonthlyAllowances  map[string]int `mapstructure:"monthlyAllowances"`
	CreditGrants       map[string]int `mapstructure:"creditGrants"`
}

func DefaultEntitlementConfig() EntitlementConfig {
	return EntitlementConfig{
		AuthorizeTimeoutMs: 250,
		MonthlyAllowances: map[string]int{
			"narration": 20,
			"story":     10,
		},
		CreditGrants: map[string]int{
			"credits_20": 20,
			"credits_50": 50,
		},
	}
}

// AuthorizeTimeout returns the synchronous authorization budget.
func (c EntitlementConfig) AuthorizeTimeout() time.Duration {
	if c.AuthorizeTimeoutMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.AuthorizeTimeoutMs) * time.Millisecond
}

// MonthlyAllowance returns the per-period limit for an action type, 0 when
// the action has no monthly tier.
func (c EntitlementConfig) MonthlyAllowance(action string) int {
	return c.MonthlyAllowances[strings.TrimSpace(action)]
}

// CreditGrant returns the credit amount attached to a purchasable item code.
func (c EntitlementConfig) CreditGrant(item string) int {
	return c.CreditGrants[strings.TrimSpace(item)]
}

type EntitlementConfigHolder struct {
	current atomic.Value // holds EntitlementConfig
}

// NewEntitlementConfigHolder loads entitlement.yml and hot-reloads it on
// change so limits can be tuned without a restart.
func NewEntitlementConfigHolder() (*EntitlementConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("entitlement")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/storyloom/config")
	v.AddConfigPath("/etc/storyloom")
	v.AddConfigPath(".")

	v.SetEnvPrefix("STORYLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultEntitlementConfig()
		v.SetDefault("entitlement.authorizeTimeoutMs", defaults.AuthorizeTimeoutMs)
		v.SetDefault("entitlement.monthlyAllowances", defaults.MonthlyAllowances)
		v.SetDefault("entitlement.creditGrants", defaults.CreditGrants)
	}

	var cfg EntitlementConfig
	if err := v.UnmarshalKey("entitlement", &cfg); err != nil {
		return nil, err
	}
	if err := validateEntitlementConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EntitlementConfig
		if err := v.UnmarshalKey("entitlement", &updated); err != nil {
			log.Printf("[entitlement-config] reload failed: %v", err)
			return
		}
		if err := validateEntitlementConfig(updated); err != nil {
			log.Printf("[entitlement-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[entitlement-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *EntitlementConfigHolder) Get() EntitlementConfig {
	return h.current.Load().(EntitlementConfig)
}

// NewStaticEntitlementConfigHolder wraps a fixed config, for tests and
// tooling that never reload.
func NewStaticEntitlementConfigHolder(cfg EntitlementConfig) *EntitlementConfigHolder {
	holder := &EntitlementConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateEntitlementConfig(cfg EntitlementConfig) error {
	if len(cfg.MonthlyAllowances) == 0 {
		return errors.New("entitlement.monthlyAllowances cannot be empty")
	}
	for action, limit := range cfg.MonthlyAllowances {
		if limit < 0 {
			return errors.New("entitlement.monthlyAllowances." + action + " cannot be negative")
		}
	}
	for item, grant := range cfg.CreditGrants {
		if grant <= 0 {
			return errors.New("entitlement.creditGrants." + item + " must be positive")
		}
	}
	return nil
}
