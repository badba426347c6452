package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Consul     ConsulConfig     `json:"consul"`
	Jaeger     JaegerConfig     `json:"jaeger"`
	Log        LogConfig        `json:"log"`
	Auth       AuthConfig       `json:"auth"`
	Payment    PaymentConfig    `json:"payment"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Deposit    DepositConfig    `json:"deposit"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Name     string `json:"name"`      // 服务名称
	Host     string `json:"host"`      // 服务地址
	Port     int    `json:"port"`      // 服务端口
	GRPCPort int    `json:"grpc_port"` // gRPC端口
	HTTPPort int    `json:"http_port"` // HTTP端口
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver   string `json:"driver"`   // 数据库驱动
	Host     string `json:"host"`     // 数据库地址
	Port     int    `json:"port"`     // 数据库端口
	User     string `json:"user"`     // 用户名
	Password string `json:"password"` // 密码
	Database string `json:"database"` // 数据库名
	MaxIdle  int    `json:"max_idle"` // 最大空闲连接
	MaxOpen  int    `json:"max_open"` // 最大打开连接
}

// ConsulConfig Consul配置
type ConsulConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// JaegerConfig Jaeger配置
type JaegerConfig struct {
	Endpoint string  `json:"endpoint"`
	Sampler  float64 `json:"sampler"` // 采样率 0.0-1.0
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stdout, file
	Path   string `json:"path"`   // 日志文件路径
}

// AuthConfig JWT 鉴权配置
type AuthConfig struct {
	Enabled       bool                `json:"enabled"`        // 是否启用鉴权
	JWTSecret     string              `json:"jwt_secret"`     // HS256 签名密钥
	Issuer        string              `json:"issuer"`         // iss 校验（空则不校验）
	Audience      string              `json:"audience"`       // aud 校验（空则不校验）
	PublicMethods []string            `json:"public_methods"` // 免鉴权的方法/路径
	RBAC          map[string][]string `json:"rbac"`           // 方法 -> 要求角色
}

// PaymentConfig 支付网关配置
type PaymentConfig struct {
	GatewayBaseURL string `json:"gateway_base_url"` // 网关地址
	TimeoutSeconds int    `json:"timeout_seconds"`  // 单次请求超时
	MaxFailures    int    `json:"max_failures"`     // 熔断阈值
	ResetSeconds   int    `json:"reset_seconds"`    // 熔断恢复窗口
	CallbackSecret string `json:"callback_secret"`  // 回调签名共享密钥，空则跳过校验
}

// ReconcilerConfig 合同对账任务配置
type ReconcilerConfig struct {
	IntervalSeconds       int `json:"interval_seconds"`        // 扫描周期
	GraceMinutes          int `json:"grace_minutes"`           // 签署后付押金的宽限期
	ReminderWindowMinutes int `json:"reminder_window_minutes"` // 截止前提醒窗口
}

// DepositConfig 押金计算配置
type DepositConfig struct {
	BaseAmount  int64   `json:"base_amount"`  // 最低押金（分）
	ValueRate   float64 `json:"value_rate"`   // 按车辆估值收取的比例
	CapacityFee float64 `json:"capacity_fee"` // 无估值时按人数上浮比例
}

// Interval 返回对账周期。
func (c ReconcilerConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// GracePeriod 返回押金缴纳宽限期。
func (c ReconcilerConfig) GracePeriod() time.Duration {
	if c.GraceMinutes <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.GraceMinutes) * time.Minute
}

// ReminderWindow 返回截止前提醒窗口。
func (c ReconcilerConfig) ReminderWindow() time.Duration {
	if c.ReminderWindowMinutes <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.ReminderWindowMinutes) * time.Minute
}

var (
	globalConfig *Config
	configOnce   sync.Once
)

// LoadConfig 加载配置
func LoadConfig(configPath string) (*Config, error) {
	var err error
	configOnce.Do(func() {
		globalConfig = &Config{}
		// 如果配置文件不存在，使用默认配置
		if _, err = os.Stat(configPath); os.IsNotExist(err) {
			logrus.Warnf("Config file not found: %s, using default config", configPath)
			globalConfig = defaultConfig()
			err = nil
			return
		}

		data, readErr := os.ReadFile(configPath)
		if readErr != nil {
			err = fmt.Errorf("failed to read config file: %w", readErr)
			return
		}

		if unmarshalErr := json.Unmarshal(data, globalConfig); unmarshalErr != nil {
			err = fmt.Errorf("failed to parse config file: %w", unmarshalErr)
			return
		}
	})

	if err != nil {
		return nil, err
	}

	return globalConfig, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	if globalConfig == nil {
		return defaultConfig()
	}
	return globalConfig
}

// defaultConfig 默认配置（开发环境）
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:     "coown-service",
			Host:     "0.0.0.0",
			Port:     8080,
			GRPCPort: 50051,
			HTTPPort: 8080,
		},
		Database: DatabaseConfig{
			Driver:   "mysql",
			Host:     "localhost",
			Port:     3306,
			User:     "root",
			Password: "root",
			Database: "wheelshare",
			MaxIdle:  10,
			MaxOpen:  100,
		},
		Consul: ConsulConfig{
			Host: "localhost",
			Port: 8500,
		},
		Jaeger: JaegerConfig{
			Endpoint: "http://localhost:14268/api/traces",
			Sampler:  1.0,
		},
		Log: LogConfig{
			Level:  "debug",
			Format: "text",
			Output: "stdout",
			Path:   "logs/app.log",
		},
		Auth: AuthConfig{
			Enabled:   false,
			JWTSecret: "",
			Issuer:    "wheelshare",
			Audience:  "wheelshare",
		},
		Payment: PaymentConfig{
			GatewayBaseURL: "http://localhost:9090",
			TimeoutSeconds: 5,
			MaxFailures:    5,
			ResetSeconds:   30,
		},
		Reconciler: ReconcilerConfig{
			IntervalSeconds:       60,
			GraceMinutes:          4320, // 3 天
			ReminderWindowMinutes: 2,
		},
		Deposit: DepositConfig{
			BaseAmount:  5_000_000,
			ValueRate:   0.10,
			CapacityFee: 0.1,
		},
	}
}
