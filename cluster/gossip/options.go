package gossip

import (
	"log/slog"
	"time"

	"github.com/hashicorp/memberlist"
	"k8s.io/utils/clock"
)

const (
	// DefaultBindAddr is the default address the gossip listener binds to.
	DefaultBindAddr = "0.0.0.0"
	// DefaultBindPort is the default port for gossip.
	DefaultBindPort = 7946
	// DefaultJoinTimeout is the default maximum time for joining the seeds.
	DefaultJoinTimeout = 30 * time.Second
	// DefaultLeaveTimeout is the default time to wait for the leave message to propagate.
	DefaultLeaveTimeout = 5 * time.Second
	// DefaultTombstoneTTL is the default time deleted cache entries are retained for.
	DefaultTombstoneTTL = time.Hour
)

// Option is a function that configures the gossip Peer.
type Option func(*peerOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *peerOptions) { o.Logger = logger }
}

// WithBindAddress sets the address and port the gossip listener binds to.
// A port of 0 picks a random free port.
func WithBindAddress(addr string, port int) Option {
	return func(o *peerOptions) {
		o.BindAddr = addr
		o.BindPort = port
		o.bindSet = true
	}
}

// WithAdvertiseAddress sets the address and port other nodes use to reach this node, when it differs from the bind address.
func WithAdvertiseAddress(addr string, port int) Option {
	return func(o *peerOptions) {
		o.AdvertiseAddr = addr
		o.AdvertisePort = port
	}
}

// WithSeeds sets the addresses ("host:port") of existing members to join.
// If empty, the node starts a new cluster.
func WithSeeds(seeds ...string) Option {
	return func(o *peerOptions) { o.Seeds = seeds }
}

// WithJoinTimeout sets the maximum time spent retrying to join the seeds.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *peerOptions) { o.JoinTimeout = d }
}

// WithLeaveTimeout sets the time to wait for the leave message to propagate.
func WithLeaveTimeout(d time.Duration) Option {
	return func(o *peerOptions) { o.LeaveTimeout = d }
}

// WithSecretKey enables encryption of gossip traffic.
// The key must be 16, 24, or 32 bytes long.
func WithSecretKey(key []byte) Option {
	return func(o *peerOptions) { o.SecretKey = key }
}

// WithLANConfig uses memberlist's timings for a local network.
// This is the default.
func WithLANConfig() Option {
	return func(o *peerOptions) { o.baseConfig = memberlist.DefaultLANConfig }
}

// WithWANConfig uses memberlist's timings for a wide-area network.
func WithWANConfig() Option {
	return func(o *peerOptions) { o.baseConfig = memberlist.DefaultWANConfig }
}

// WithLocalConfig uses memberlist's timings for nodes on the same host, which is useful for testing.
func WithLocalConfig() Option {
	return func(o *peerOptions) { o.baseConfig = memberlist.DefaultLocalConfig }
}

// WithTombstoneTTL sets how long deleted cache entries are retained for, so deletions propagate to nodes that missed them.
func WithTombstoneTTL(d time.Duration) Option {
	return func(o *peerOptions) { o.TombstoneTTL = d }
}

// withClock sets the clock, for testing.
func withClock(cl clock.Clock) Option {
	return func(o *peerOptions) { o.clock = cl }
}

type peerOptions struct {
	Logger        *slog.Logger
	BindAddr      string
	BindPort      int
	AdvertiseAddr string
	AdvertisePort int
	Seeds         []string
	JoinTimeout   time.Duration
	LeaveTimeout  time.Duration
	SecretKey     []byte
	TombstoneTTL  time.Duration

	bindSet    bool
	baseConfig func() *memberlist.Config
	clock      clock.Clock
}

func (o *peerOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if !o.bindSet {
		o.BindAddr = DefaultBindAddr
		o.BindPort = DefaultBindPort
	}
	if o.BindAddr == "" {
		o.BindAddr = DefaultBindAddr
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.LeaveTimeout <= 0 {
		o.LeaveTimeout = DefaultLeaveTimeout
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = DefaultTombstoneTTL
	}
	if o.baseConfig == nil {
		o.baseConfig = memberlist.DefaultLANConfig
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
}

// memberlistConfig returns the configuration for memberlist.
func (o *peerOptions) memberlistConfig(clusterName string, name string) *memberlist.Config {
	conf := o.baseConfig()
	conf.Name = name
	conf.Label = clusterName
	conf.BindAddr = o.BindAddr
	conf.BindPort = o.BindPort
	conf.AdvertisePort = o.BindPort
	if o.AdvertiseAddr != "" {
		conf.AdvertiseAddr = o.AdvertiseAddr
		conf.AdvertisePort = o.AdvertisePort
	}
	if len(o.SecretKey) > 0 {
		conf.SecretKey = o.SecretKey
	}

	// Bridge memberlist's logs to slog
	conf.LogOutput = nil
	conf.Logger = slog.NewLogLogger(o.Logger.With(slog.String("component", "memberlist")).Handler(), slog.LevelDebug)

	return conf
}
