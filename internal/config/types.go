package config

// Config 为进程级配置, 单一 YAML 文件.
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Store     StoreConfig               `yaml:"store"`
	Dispatch  DispatchConfig            `yaml:"dispatch"`
	Reconcile ReconcileConfig           `yaml:"reconcile"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
}

type AppConfig struct {
	LogLevel string `yaml:"log_level"`
	LogPath  string `yaml:"log_path"`
	HTTPAddr string `yaml:"http_addr"`
}

type StoreConfig struct {
	Path         string `yaml:"path"`
	AuditLogPath string `yaml:"audit_log_path"`
}

type DispatchConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxParallel    int `yaml:"max_parallel"`
}

type ReconcileConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	MaxPages        int  `yaml:"max_pages"`
	BatchSize       int  `yaml:"batch_size"`
}

// ExchangeConfig carries the lead account's credentials plus transport
// overrides for one exchange.
type ExchangeConfig struct {
	APIKey   string `yaml:"api_key"`
	Secret   string `yaml:"secret"`
	Password string `yaml:"password"`
	BaseURL  string `yaml:"base_url"`
}
