package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", v))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Gateway  GatewayConfig  `json:"gateway"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Log      LogConfig      `json:"log"`
	mu       sync.RWMutex
}

type ChannelsConfig struct {
	DingTalk DingTalkConfig `json:"dingtalk"`
	WeCom    WeComConfig    `json:"wecom"`
	QQ       QQConfig       `json:"qq"`
	Feishu   FeishuConfig   `json:"feishu"`
}

type DingTalkConfig struct {
	Enabled      bool                `json:"enabled" env:"IMBRIDGE_CHANNELS_DINGTALK_ENABLED"`
	ClientID     string              `json:"client_id" env:"IMBRIDGE_CHANNELS_DINGTALK_CLIENT_ID"`
	ClientSecret string              `json:"client_secret" env:"IMBRIDGE_CHANNELS_DINGTALK_CLIENT_SECRET"`
	AllowFrom    FlexibleStringSlice `json:"allow_from" env:"IMBRIDGE_CHANNELS_DINGTALK_ALLOW_FROM"`
}

type QQConfig struct {
	Enabled     bool                `json:"enabled" env:"IMBRIDGE_CHANNELS_QQ_ENABLED"`
	AppID       string              `json:"app_id" env:"IMBRIDGE_CHANNELS_QQ_APP_ID"`
	AppSecret   string              `json:"app_secret" env:"IMBRIDGE_CHANNELS_QQ_APP_SECRET"`
	Sandbox     bool                `json:"sandbox" env:"IMBRIDGE_CHANNELS_QQ_SANDBOX"`
	AllowFrom   FlexibleStringSlice `json:"allow_from" env:"IMBRIDGE_CHANNELS_QQ_ALLOW_FROM"`
	AllowGroups FlexibleStringSlice `json:"allow_groups" env:"IMBRIDGE_CHANNELS_QQ_ALLOW_GROUPS"`
}

type WeComConfig struct {
	Enabled  bool                 `json:"enabled" env:"IMBRIDGE_CHANNELS_WECOM_ENABLED"`
	Host     string               `json:"host" env:"IMBRIDGE_CHANNELS_WECOM_HOST"`
	Port     int                  `json:"port" env:"IMBRIDGE_CHANNELS_WECOM_PORT"`
	Path     string               `json:"path" env:"IMBRIDGE_CHANNELS_WECOM_PATH"`
	Accounts []WeComAccountConfig `json:"accounts"`
}

// WeComAccountConfig is the raw per-bot configuration. Empty credential
// fields fall back to IMBRIDGE_CHANNELS_WECOM_* environment variables when
// the account is resolved.
type WeComAccountConfig struct {
	Name           string              `json:"name"`
	Token          string              `json:"token"`
	EncodingAESKey string              `json:"encoding_aes_key"`
	ReceiveID      string              `json:"receive_id"`
	AgentID        string              `json:"agent_id"`
	CorpID         string              `json:"corp_id"`
	CorpSecret     string              `json:"corp_secret"`
	WelcomeText    string              `json:"welcome_text"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
}

type FeishuConfig struct {
	Enabled   bool                `json:"enabled" env:"IMBRIDGE_CHANNELS_FEISHU_ENABLED"`
	AppID     string              `json:"app_id" env:"IMBRIDGE_CHANNELS_FEISHU_APP_ID"`
	AppSecret string              `json:"app_secret" env:"IMBRIDGE_CHANNELS_FEISHU_APP_SECRET"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"IMBRIDGE_CHANNELS_FEISHU_ALLOW_FROM"`
}

// RuntimeConfig points at the external message processor. An empty URL runs
// the gateway with a local echo runtime, useful for wiring checks.
type RuntimeConfig struct {
	URL            string `json:"url" env:"IMBRIDGE_RUNTIME_URL"`
	TimeoutSeconds int    `json:"timeout_seconds" env:"IMBRIDGE_RUNTIME_TIMEOUT_SECONDS"`
}

type GatewayConfig struct {
	Host string `json:"host" env:"IMBRIDGE_GATEWAY_HOST"`
	Port int    `json:"port" env:"IMBRIDGE_GATEWAY_PORT"`
}

type LogConfig struct {
	Level string `json:"level" env:"IMBRIDGE_LOG_LEVEL"`
}

func DefaultConfig() *Config {
	return &Config{
		Channels: ChannelsConfig{
			DingTalk: DingTalkConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
			WeCom: WeComConfig{
				Enabled: false,
				Host:    "0.0.0.0",
				Port:    18792,
				Path:    "/webhook/wecom",
			},
			QQ: QQConfig{
				Enabled:     false,
				AllowFrom:   FlexibleStringSlice{},
				AllowGroups: FlexibleStringSlice{},
			},
			Feishu: FeishuConfig{
				Enabled:   false,
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Runtime: RuntimeConfig{
			TimeoutSeconds: 120,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}
