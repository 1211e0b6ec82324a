package api

import "time"

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type ServerConfig struct {
	Store     StoreConfig
	DB        DBConfig
	Redis     RedisConfig
	Lock      LockConfig
	Engine    EngineConfig
	Scheduler SchedulerConfig
}

// StoreConfig 選擇帳本後端，memory 只適合單一實例與測試
type StoreConfig struct {
	Backend string
}

type DBConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string
}

// RedisConfig 未設置 Addr 時排行榜、鎖與推播都改用本機記憶體實作
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	StreamKeys RedisStreamKeys
}

type RedisStreamKeys struct {
	SSE string
}

type LockConfig struct {
	BidExpiry     time.Duration
	BidWait       time.Duration
	ProcessExpiry time.Duration
}

type EngineConfig struct {
	SnipeWindow       time.Duration
	SnipeExtension    time.Duration
	FaucetAmount      int64
	UsernameCacheSize int
}

type SchedulerConfig struct {
	Interval time.Duration
}
