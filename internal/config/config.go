package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Invoice    InvoiceConfig    `yaml:"invoice" json:"invoice"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	WebSocket  WebSocketConfig  `yaml:"websocket" json:"websocket"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL            string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs     []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID           int64    `yaml:"chain_id" json:"chain_id"`
	PollIntervalSec   int      `yaml:"poll_interval" json:"poll_interval"`
	ReconnectDelaySec int      `yaml:"reconnect_delay" json:"reconnect_delay"`
}

// PollInterval 轮询间隔
func (c *BlockchainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// ReconnectDelay 重连等待时长
func (c *BlockchainConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// InvoiceConfig 账单配置
type InvoiceConfig struct {
	ExpiryMinutes    int `yaml:"expiry_minutes" json:"expiry_minutes"`
	SweepIntervalSec int `yaml:"sweep_interval" json:"sweep_interval"`
}

// Expiry 账单有效期
func (c *InvoiceConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryMinutes) * time.Minute
}

// SweepInterval 过期扫描间隔
func (c *InvoiceConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// CheckpointConfig 区块游标检查点配置
// Path 为空时游标只保存在内存中，重启后从链上最新高度重新开始。
type CheckpointConfig struct {
	Path     string `yaml:"path" json:"path"`
	Interval int64  `yaml:"interval" json:"interval"` // 每多少个区块落盘一次
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	ReadBufferSize  int `yaml:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int `yaml:"write_buffer_size" json:"write_buffer_size"`
	PingIntervalSec int `yaml:"ping_interval" json:"ping_interval"`
	PongTimeoutSec  int `yaml:"pong_timeout" json:"pong_timeout"`
	WriteWaitSec    int `yaml:"write_wait" json:"write_wait"`
	MaxMessageSize  int `yaml:"max_message_size" json:"max_message_size"`
	MaxConnections  int `yaml:"max_connections" json:"max_connections"`
	SendBufferSize  int `yaml:"send_buffer_size" json:"send_buffer_size"`
}

// PingInterval 心跳间隔
func (c *WebSocketConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// PongTimeout Pong 超时
func (c *WebSocketConfig) PongTimeout() time.Duration {
	return time.Duration(c.PongTimeoutSec) * time.Second
}

// WriteWait 写超时
func (c *WebSocketConfig) WriteWait() time.Duration {
	return time.Duration(c.WriteWaitSec) * time.Second
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "stablepay"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 3001
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Blockchain.RPCURL == "" {
		cfg.Blockchain.RPCURL = "https://rpc.testnet.stable.xyz"
	}
	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 2201 // Stable Testnet
	}
	if cfg.Blockchain.PollIntervalSec == 0 {
		cfg.Blockchain.PollIntervalSec = 1
	}
	if cfg.Blockchain.ReconnectDelaySec == 0 {
		cfg.Blockchain.ReconnectDelaySec = 5
	}

	if cfg.Invoice.ExpiryMinutes == 0 {
		cfg.Invoice.ExpiryMinutes = 15
	}
	if cfg.Invoice.SweepIntervalSec == 0 {
		cfg.Invoice.SweepIntervalSec = 60
	}

	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = 1
	}

	if cfg.WebSocket.ReadBufferSize == 0 {
		cfg.WebSocket.ReadBufferSize = 1024
	}
	if cfg.WebSocket.WriteBufferSize == 0 {
		cfg.WebSocket.WriteBufferSize = 1024
	}
	if cfg.WebSocket.PingIntervalSec == 0 {
		cfg.WebSocket.PingIntervalSec = 30
	}
	if cfg.WebSocket.PongTimeoutSec == 0 {
		cfg.WebSocket.PongTimeoutSec = 75
	}
	if cfg.WebSocket.WriteWaitSec == 0 {
		cfg.WebSocket.WriteWaitSec = 10
	}
	if cfg.WebSocket.MaxMessageSize == 0 {
		cfg.WebSocket.MaxMessageSize = 4096
	}
	if cfg.WebSocket.MaxConnections == 0 {
		cfg.WebSocket.MaxConnections = 1000
	}
	if cfg.WebSocket.SendBufferSize == 0 {
		cfg.WebSocket.SendBufferSize = 256
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
