package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds the command line overrides registered by BindFlags.
type Flags struct {
	fs   *pflag.FlagSet
	path string

	address        string
	count          int
	uid            int64
	identityMode   string
	rampRate       float64
	rampBurst      int
	connectTimeout time.Duration
	writeTimeout   time.Duration
	readTimeout    time.Duration
	logLevel       string
	logDir         string
	redisAddr      string
	redisKey       string
	statsInterval  time.Duration
}

// BindFlags registers every setting on fs. Defaults shown in the usage text
// come from Default.
//
// Parameters:
//   - fs: The flag set to register on; parse it before calling Resolve
//
// Returns:
//   - The bound flags
func BindFlags(fs *pflag.FlagSet) *Flags {
	def := Default()
	f := &Flags{fs: fs}

	fs.StringVar(&f.path, "config", "", "YAML configuration file")
	fs.StringVarP(&f.address, "address", "a", def.Load.Address, "push server websocket address, e.g. ws://host:8080/push")
	fs.IntVarP(&f.count, "count", "c", 0, "number of concurrent clients (required)")
	fs.Int64VarP(&f.uid, "uid", "u", 0, "user id to log in with (required)")
	fs.StringVar(&f.identityMode, "identity-mode", def.Load.IdentityMode, "shared: every client uses uid; sequential: client i uses uid+i")
	fs.Float64Var(&f.rampRate, "ramp-rate", def.Load.RampRate, "client starts per second, 0 starts all at once")
	fs.IntVar(&f.rampBurst, "ramp-burst", def.Load.RampBurst, "clients that may start back to back under --ramp-rate")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", def.Load.ConnectTimeout, "websocket handshake timeout, 0 disables")
	fs.DurationVar(&f.writeTimeout, "write-timeout", def.Load.WriteTimeout, "login send timeout, 0 disables")
	fs.DurationVar(&f.readTimeout, "read-timeout", def.Load.ReadTimeout, "maximum wait for a push, 0 waits forever")
	fs.StringVar(&f.logLevel, "log-level", def.Logging.Level, "debug, info, warn or error")
	fs.StringVar(&f.logDir, "log-dir", def.Logging.Dir, "directory for daily rotated log files")
	fs.StringVar(&f.redisAddr, "redis-addr", def.Stats.RedisAddr, "publish stats to this Redis server")
	fs.StringVar(&f.redisKey, "redis-key", def.Stats.RedisKey, "key prefix for published stats")
	fs.DurationVar(&f.statsInterval, "stats-interval", def.Stats.Interval, "time between stats publishes")

	return f
}

// Resolve loads the --config file if one was given, applies every flag the
// user set explicitly and validates the result.
//
// Returns:
//   - The final configuration
//   - An error if loading or validation fails
func (f *Flags) Resolve() (*Config, error) {
	cfg := Default()
	if f.path != "" {
		loaded, err := Load(f.path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	f.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (f *Flags) apply(cfg *Config) {
	f.fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "address":
			cfg.Load.Address = f.address
		case "count":
			count := f.count
			cfg.Load.Count = &count
		case "uid":
			uid := f.uid
			cfg.Load.UID = &uid
		case "identity-mode":
			cfg.Load.IdentityMode = f.identityMode
		case "ramp-rate":
			cfg.Load.RampRate = f.rampRate
		case "ramp-burst":
			cfg.Load.RampBurst = f.rampBurst
		case "connect-timeout":
			cfg.Load.ConnectTimeout = f.connectTimeout
		case "write-timeout":
			cfg.Load.WriteTimeout = f.writeTimeout
		case "read-timeout":
			cfg.Load.ReadTimeout = f.readTimeout
		case "log-level":
			cfg.Logging.Level = f.logLevel
		case "log-dir":
			cfg.Logging.Dir = f.logDir
		case "redis-addr":
			cfg.Stats.RedisAddr = f.redisAddr
		case "redis-key":
			cfg.Stats.RedisKey = f.redisKey
		case "stats-interval":
			cfg.Stats.Interval = f.statsInterval
		}
	})
}
