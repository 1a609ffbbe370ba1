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

// BillingPolicy holds the operator-tunable billing knobs: how often a
// failed invoice is retried, how long webhook lookups keep retrying
// before dead-lettering, and the churn scoring thresholds.
type BillingPolicy struct {
	MaxReportAttempts int           `mapstructure:"maxReportAttempts"`
	RetryBackoffBase  time.Duration `mapstructure:"retryBackoffBase"`
	RetryBackoffMax   time.Duration `mapstructure:"retryBackoffMax"`

	MaxLookupAttempts int `mapstructure:"maxLookupAttempts"`

	ChurnRisk ChurnRiskPolicy `mapstructure:"churnRisk"`
}

type ChurnRiskPolicy struct {
	IdleDaysMedium  int `mapstructure:"idleDaysMedium"`
	IdleDaysHigh    int `mapstructure:"idleDaysHigh"`
	FailedInvoices  int `mapstructure:"failedInvoices"`
	VolumeDropRatio int `mapstructure:"volumeDropRatio"`
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{
		MaxReportAttempts: 5,
		RetryBackoffBase:  time.Minute,
		RetryBackoffMax:   6 * time.Hour,
		MaxLookupAttempts: 10,
		ChurnRisk: ChurnRiskPolicy{
			IdleDaysMedium:  7,
			IdleDaysHigh:    21,
			FailedInvoices:  2,
			VolumeDropRatio: 50,
		},
	}
}

type BillingPolicyHolder struct {
	current atomic.Value // holds BillingPolicy
}

func NewBillingPolicyHolder() (*BillingPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/agentpay/config")
	v.AddConfigPath("/etc/agentpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AGENTPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingPolicy()
		v.SetDefault("billing.maxReportAttempts", defaults.MaxReportAttempts)
		v.SetDefault("billing.retryBackoffBase", defaults.RetryBackoffBase)
		v.SetDefault("billing.retryBackoffMax", defaults.RetryBackoffMax)
		v.SetDefault("billing.maxLookupAttempts", defaults.MaxLookupAttempts)
		v.SetDefault("billing.churnRisk", defaults.ChurnRisk)
	}

	var policy BillingPolicy
	if err := v.UnmarshalKey("billing", &policy); err != nil {
		return nil, err
	}
	if err := validateBillingPolicy(policy); err != nil {
		return nil, err
	}

	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingPolicy
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-policy] reload failed: %v", err)
			return
		}
		if err := validateBillingPolicy(updated); err != nil {
			log.Printf("[billing-policy] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-policy] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingPolicyHolder) Get() BillingPolicy {
	return h.current.Load().(BillingPolicy)
}

// StaticBillingPolicyHolder wraps a fixed policy, used in tests.
func StaticBillingPolicyHolder(policy BillingPolicy) *BillingPolicyHolder {
	holder := &BillingPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func validateBillingPolicy(policy BillingPolicy) error {
	if policy.MaxReportAttempts <= 0 {
		return errors.New("billing.maxReportAttempts must be positive")
	}
	if policy.RetryBackoffBase <= 0 || policy.RetryBackoffMax < policy.RetryBackoffBase {
		return errors.New("billing retry backoff window is invalid")
	}
	if policy.MaxLookupAttempts <= 0 {
		return errors.New("billing.maxLookupAttempts must be positive")
	}
	return nil
}
