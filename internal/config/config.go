// Package config loads the flag-based configuration for fnproxy, in the
// same style as harpoon-scheduler's main.go: one flag per tunable, assembled
// into a struct the rest of the program depends on.
package config

import (
	"flag"
	"time"
)

// Config collects every tunable enumerated in spec.md §6.
type Config struct {
	NodeID string
	Listen string

	MetastoreEndpoints    []string
	MetastoreDialTimeout  time.Duration
	MetastoreRequestTimeout time.Duration

	LeaderMode string // "standalone", "cas", "lease"

	RetryTimes      uint
	RetryCycle      time.Duration
	PingTimes       uint
	PingCycle       time.Duration
	GetAgentInfoRetry time.Duration
	InvalidAgentGC  time.Duration

	BundleReserveTimeout time.Duration

	EnableTenantAffinity bool
	EnableForceDeletePod bool
	TenantPodReuseWindow time.Duration

	QueryTimeout              time.Duration
	UpdateTokenTimeout        time.Duration
	MaxRetrySendCleanStatus   uint
	MaxForwardKillRetryTimes  uint
	MaxForwardKillRetryCycle  time.Duration

	AgentPollInterval time.Duration
}

// Default matches the defaults spec.md §6 enumerates.
func Default() Config {
	return Config{
		Listen:                  ":7070",
		MetastoreDialTimeout:    5 * time.Second,
		MetastoreRequestTimeout: 5 * time.Second,
		LeaderMode:              "standalone",
		RetryTimes:              6,
		RetryCycle:              10 * time.Second,
		PingTimes:               10,
		PingCycle:               1 * time.Second,
		GetAgentInfoRetry:       3 * time.Second,
		InvalidAgentGC:          15 * time.Minute,
		BundleReserveTimeout:    120 * time.Second,
		EnableTenantAffinity:    false,
		EnableForceDeletePod:    false,
		TenantPodReuseWindow:    0,
		QueryTimeout:            60 * time.Second,
		UpdateTokenTimeout:      60 * time.Second,
		MaxRetrySendCleanStatus: 3,
		MaxForwardKillRetryTimes: 3,
		MaxForwardKillRetryCycle: 1 * time.Second,
		AgentPollInterval:       250 * time.Millisecond,
	}
}

// multiString is a repeatable flag, exactly harpoon-scheduler/main.go's
// `multiagent` type, generalized to any repeated string flag.
type multiString []string

func (m *multiString) String() string { return "" }

func (m *multiString) Set(value string) error {
	*m = append(*m, value)
	return nil
}

// Parse builds a Config from command-line flags, overlaying Default().
func Parse(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("fnproxy", flag.ContinueOnError)

	var endpoints multiString
	fs.StringVar(&cfg.NodeID, "node.id", "", "stable identity of this proxy")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "upstream HTTP listen address")
	fs.Var(&endpoints, "metastore.endpoint", "repeatable list of metastore (etcd) endpoints")
	fs.DurationVar(&cfg.MetastoreDialTimeout, "metastore.dial-timeout", cfg.MetastoreDialTimeout, "metastore dial timeout")
	fs.DurationVar(&cfg.MetastoreRequestTimeout, "metastore.request-timeout", cfg.MetastoreRequestTimeout, "metastore request timeout")
	fs.StringVar(&cfg.LeaderMode, "leader.mode", cfg.LeaderMode, "standalone|cas|lease")
	fs.UintVar(&cfg.RetryTimes, "agent.retry-times", cfg.RetryTimes, "deploy/kill RPC retry budget")
	fs.DurationVar(&cfg.RetryCycle, "agent.retry-cycle", cfg.RetryCycle, "deploy/kill RPC retry cadence")
	fs.UintVar(&cfg.PingTimes, "agent.ping-times", cfg.PingTimes, "heartbeat miss count before TimeoutEvent")
	fs.DurationVar(&cfg.PingCycle, "agent.ping-cycle", cfg.PingCycle, "heartbeat interval")
	fs.DurationVar(&cfg.GetAgentInfoRetry, "agent.get-info-retry", cfg.GetAgentInfoRetry, "Sync retry pacing (not read; metastore Get retries at agent.retry-cycle)")
	fs.DurationVar(&cfg.InvalidAgentGC, "agent.invalid-gc-interval", cfg.InvalidAgentGC, "GC window for Failed agents")
	fs.DurationVar(&cfg.BundleReserveTimeout, "bundle.reserve-timeout", cfg.BundleReserveTimeout, "reserve-without-bind expiry")
	fs.BoolVar(&cfg.EnableTenantAffinity, "tenant.enable-affinity", cfg.EnableTenantAffinity, "enable network-isolation policy hooks")
	fs.BoolVar(&cfg.EnableForceDeletePod, "agent.enable-force-delete-pod", cfg.EnableForceDeletePod, "force pod deletion on agent-exit updates")
	fs.DurationVar(&cfg.TenantPodReuseWindow, "tenant.pod-reuse-window", cfg.TenantPodReuseWindow, "tenant pod reuse time window")
	fs.DurationVar(&cfg.QueryTimeout, "agent.query-timeout", cfg.QueryTimeout, "query-instance-status correlation timeout")
	fs.DurationVar(&cfg.UpdateTokenTimeout, "agent.update-token-timeout", cfg.UpdateTokenTimeout, "update-cred correlation timeout")
	fs.UintVar(&cfg.MaxRetrySendCleanStatus, "agent.max-retry-clean-status", cfg.MaxRetrySendCleanStatus, "max retries sending CleanStatus")
	fs.UintVar(&cfg.MaxForwardKillRetryTimes, "instance.max-forward-kill-retries", cfg.MaxForwardKillRetryTimes, "forward-kill retry budget")
	fs.DurationVar(&cfg.MaxForwardKillRetryCycle, "instance.max-forward-kill-cycle", cfg.MaxForwardKillRetryCycle, "forward-kill retry cadence")
	fs.DurationVar(&cfg.AgentPollInterval, "agent.poll-interval", cfg.AgentPollInterval, "agent poll interval (not read; no component polls agents)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.MetastoreEndpoints = endpoints
	return cfg, nil
}
