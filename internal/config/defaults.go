package config

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9980"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/mirra.db"
	}
	if c.Store.AuditLogPath == "" {
		c.Store.AuditLogPath = "data/audit.db"
	}
	if c.Dispatch.TimeoutSeconds <= 0 {
		c.Dispatch.TimeoutSeconds = 30
	}
	if c.Dispatch.MaxParallel < 0 {
		c.Dispatch.MaxParallel = 0
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		c.Reconcile.IntervalSeconds = 60
	}
	if c.Reconcile.MaxPages <= 0 {
		c.Reconcile.MaxPages = 5
	}
	if c.Reconcile.BatchSize <= 0 {
		c.Reconcile.BatchSize = 20
	}
	if c.Exchanges == nil {
		c.Exchanges = map[string]ExchangeConfig{}
	}
}
