package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"giftauction/api"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")
	pflag.String("log-level", "info", "debug, info, warn or error")
	pflag.String("store", api.StoreBackendPostgres, "ledger backend, postgres or memory")

	// db config
	pflag.String("db-user", "", "")
	pflag.String("db-password", "", "")
	pflag.String("db-host", "", "")
	pflag.Int("db-port", 5432, "")
	pflag.String("db-database", "", "")
	pflag.String("db-schema", "", "")

	// redis config
	pflag.String("redis-addr", "", "leave empty to keep ranking, locks and push in memory")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 15, "")
	pflag.String("redis-key-prefix", "", "")

	// redis stream keys
	pflag.String("redis-stream-key-for-sse", "giftauction-shared-sse-stream", "")

	// lock config
	pflag.Duration("lock-bid-expiry", 4*time.Second, "")
	pflag.Duration("lock-bid-wait", 2*time.Second, "")
	pflag.Duration("lock-process-expiry", 10*time.Second, "")

	// engine config
	pflag.Duration("snipe-window", 30*time.Second, "")
	pflag.Duration("snipe-extension", 30*time.Second, "")
	pflag.Int64("faucet-amount", 1000, "")
	pflag.Int("username-cache-size", 1024, "")

	// scheduler config
	pflag.Duration("scheduler-interval", time.Second, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("GIFTAUCTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		LogLevel:  viper.GetString("log-level"),
		ServerConfig: api.ServerConfig{
			Store: api.StoreConfig{
				Backend: viper.GetString("store"),
			},
			DB: api.DBConfig{
				User:     viper.GetString("db-user"),
				Password: viper.GetString("db-password"),
				Host:     viper.GetString("db-host"),
				Port:     viper.GetInt("db-port"),
				Database: viper.GetString("db-database"),
				Schema:   viper.GetString("db-schema"),
			},
			Redis: api.RedisConfig{
				Addr:      viper.GetString("redis-addr"),
				Password:  viper.GetString("redis-password"),
				DB:        viper.GetInt("redis-db"),
				KeyPrefix: viper.GetString("redis-key-prefix"),
				StreamKeys: api.RedisStreamKeys{
					SSE: viper.GetString("redis-stream-key-for-sse"),
				},
			},
			Lock: api.LockConfig{
				BidExpiry:     viper.GetDuration("lock-bid-expiry"),
				BidWait:       viper.GetDuration("lock-bid-wait"),
				ProcessExpiry: viper.GetDuration("lock-process-expiry"),
			},
			Engine: api.EngineConfig{
				SnipeWindow:       viper.GetDuration("snipe-window"),
				SnipeExtension:    viper.GetDuration("snipe-extension"),
				FaucetAmount:      viper.GetInt64("faucet-amount"),
				UsernameCacheSize: viper.GetInt("username-cache-size"),
			},
			Scheduler: api.SchedulerConfig{
				Interval: viper.GetDuration("scheduler-interval"),
			},
		},
	}
}

type Args struct {
	ServerURL    string
	LogLevel     string
	ServerConfig api.ServerConfig
}

func (args Args) Validate() bool {
	if args.ServerURL == "" {
		return false
	}
	switch args.ServerConfig.Store.Backend {
	case api.StoreBackendMemory:
		return true
	case api.StoreBackendPostgres:
		db := args.ServerConfig.DB
		return db.Host != "" && db.User != "" && db.Database != ""
	default:
		return false
	}
}

// Level 將 log-level 轉為 slog.Level，無法辨識時使用 info
func (args Args) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(args.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
