package store

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"mirra/internal/store/model"
)

type seedSubscriber struct {
	Name          string  `yaml:"name"`
	Exchange      string  `yaml:"exchange"`
	APIKey        string  `yaml:"api_key"`
	Secret        string  `yaml:"secret"`
	Password      string  `yaml:"password"`
	Active        *bool   `yaml:"active"`
	Margin        float64 `yaml:"margin"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	ExpiresAt     int64   `yaml:"subscription_expires_at"`
}

type seedFile struct {
	Subscribers []seedSubscriber `yaml:"subscribers"`
}

// ImportSubscriberSeed reads a YAML subscriber list and upserts it, keyed by
// name. Used by the -import flag for bootstrapping test and staging accounts.
func (s *Store) ImportSubscriberSeed(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("读取订阅者种子文件失败: %w", err)
	}
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return 0, fmt.Errorf("解析订阅者种子文件失败: %w", err)
	}

	subs := make([]model.SubscriberModel, 0, len(file.Subscribers))
	for i, entry := range file.Subscribers {
		if entry.Name == "" {
			return 0, fmt.Errorf("订阅者 #%d 缺少 name", i+1)
		}
		if entry.Exchange == "" {
			return 0, fmt.Errorf("订阅者 %s 缺少 exchange", entry.Name)
		}
		active := true
		if entry.Active != nil {
			active = *entry.Active
		}
		subs = append(subs, model.SubscriberModel{
			Name:                      entry.Name,
			Exchange:                  entry.Exchange,
			APIKey:                    entry.APIKey,
			Secret:                    entry.Secret,
			Password:                  entry.Password,
			Active:                    active,
			Margin:                    entry.Margin,
			TakeProfitPct:             entry.TakeProfitPct,
			StopLossPct:               entry.StopLossPct,
			SubscriptionExpiresAtUnix: entry.ExpiresAt,
		})
	}
	if err := s.UpsertSubscribers(ctx, subs); err != nil {
		return 0, err
	}
	return len(subs), nil
}
