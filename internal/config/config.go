package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"daq-plugin/internal/acquisition"
	"daq-plugin/internal/auth"
	"daq-plugin/internal/directory"
	xerrors "daq-plugin/internal/errors"
	"daq-plugin/internal/events"
	"daq-plugin/internal/observability/tracing"
	"daq-plugin/internal/store"
	"daq-plugin/pkg/logger"
)

// EnvPrefix 是环境变量前缀，例如 DAQ_SERVER_HTTP_ADDRESS 覆盖 server.http_address。
const EnvPrefix = "DAQ"

// Config 描述插件进程启动所需的全部配置。
type Config struct {
	Plugin      PluginConfig      `mapstructure:"plugin"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     logger.Config     `mapstructure:"logging"`
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Store       StoreConfig       `mapstructure:"store"`
	Directory   DirectoryConfig   `mapstructure:"directory"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Drivers     DriversConfig     `mapstructure:"drivers"`
	Events      EventsConfig      `mapstructure:"events"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Auth        auth.Config       `mapstructure:"auth"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
}

// PluginConfig 描述插件在目录中的身份。
type PluginConfig struct {
	Name    string            `mapstructure:"name" validate:"required,max=128"`
	Type    string            `mapstructure:"type"`
	Version string            `mapstructure:"version"`
	Labels  map[string]string `mapstructure:"labels"`
}

// ServerConfig 控制对外监听地址。
type ServerConfig struct {
	HTTPAddress string `mapstructure:"http_address" validate:"required"`
	GRPCAddress string `mapstructure:"grpc_address" validate:"required"`
	// MetricsAddress 为空时 /metrics 挂载在 HTTP 端口上。
	MetricsAddress string `mapstructure:"metrics_address"`
	// AdvertiseAddress 是写入目录的 gRPC 地址，默认取 GRPCAddress。
	AdvertiseAddress string        `mapstructure:"advertise_address"`
	AdvertiseHTTP    string        `mapstructure:"advertise_http"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// AcquisitionConfig 控制作业调度。
type AcquisitionConfig struct {
	Workers         int           `mapstructure:"workers" validate:"gte=1,lte=256"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	Retention       time.Duration `mapstructure:"retention" validate:"gt=0"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" validate:"gte=0"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval" validate:"gt=0"`
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst       int           `mapstructure:"rate_burst" validate:"gte=0"`
}

// QueueConfig 选择分发队列实现。
type QueueConfig struct {
	Driver   string                       `mapstructure:"driver" validate:"oneof=memory redis rabbitmq"`
	Size     int                          `mapstructure:"size" validate:"gte=1"`
	Redis    acquisition.RedisQueueConfig `mapstructure:"redis"`
	RabbitMQ acquisition.RabbitMQConfig   `mapstructure:"rabbitmq"`
}

// StoreConfig 选择采集结果存储。backend 为 sql 时按 sql.driver 选择方言。
type StoreConfig struct {
	Backend string          `mapstructure:"backend" validate:"oneof=memory sql"`
	SQL     store.SQLConfig `mapstructure:"sql"`
}

// DirectoryConfig 控制目录注册与保活。
type DirectoryConfig struct {
	Enabled   bool                      `mapstructure:"enabled"`
	Backend   string                    `mapstructure:"backend" validate:"oneof=memory redis"`
	Redis     directory.RedisConfig     `mapstructure:"redis"`
	KeepAlive directory.KeepAliveConfig `mapstructure:"keepalive"`
}

// CredentialsConfig 提供目录注册使用的凭据，File 优先于内联的 GUID/Secret。
type CredentialsConfig struct {
	File   string `mapstructure:"file"`
	GUID   string `mapstructure:"guid"`
	Secret string `mapstructure:"secret"`
}

// DriversConfig 指向驱动清单。
type DriversConfig struct {
	Manifest string `mapstructure:"manifest"`
}

// EventsConfig 控制作业事件发布。
type EventsConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	Kafka   events.KafkaConfig `mapstructure:"kafka"`
}

// AlertingConfig 配置告警渠道，日志渠道默认开启。
type AlertingConfig struct {
	Log             bool   `mapstructure:"log"`
	DingTalkWebhook string `mapstructure:"dingtalk_webhook" validate:"omitempty,url"`
	SlackWebhook    string `mapstructure:"slack_webhook" validate:"omitempty,url"`
	SlackChannel    string `mapstructure:"slack_channel"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load 读取配置文件并叠加环境变量。path 为空时只使用默认值与环境变量。
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("alerting.log", true)
	v.SetDefault("directory.keepalive.reset_on_start", true)
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	baseDir := "."
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("打开配置文件失败: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindEnvs 为每个叶子字段注册环境变量，使文件中未出现的键也能被覆盖。
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		ft := field.Type
		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Time{}) {
			bindEnvs(v, ft, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Plugin.Type == "" {
		c.Plugin.Type = "daq-plugin"
	}
	if c.Plugin.Version == "" {
		c.Plugin.Version = "dev"
	}

	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = ":8080"
	}
	if c.Server.GRPCAddress == "" {
		c.Server.GRPCAddress = ":50051"
	}
	if c.Server.AdvertiseAddress == "" {
		c.Server.AdvertiseAddress = c.Server.GRPCAddress
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	c.Logging.Audit.Path = resolvePath(baseDir, c.Logging.Audit.Path)
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.Acquisition.Workers <= 0 {
		c.Acquisition.Workers = 2
	}
	if c.Acquisition.RequestTimeout <= 0 {
		c.Acquisition.RequestTimeout = 5 * time.Minute
	}
	if c.Acquisition.Retention <= 0 {
		c.Acquisition.Retention = 30 * time.Second
	}
	if c.Acquisition.RetryDelay == 0 {
		c.Acquisition.RetryDelay = 200 * time.Millisecond
	}
	if c.Acquisition.JanitorInterval <= 0 {
		c.Acquisition.JanitorInterval = 10 * time.Second
	}
	if c.Acquisition.RateLimit > 0 && c.Acquisition.RateBurst <= 0 {
		c.Acquisition.RateBurst = int(c.Acquisition.RateLimit)
		if c.Acquisition.RateBurst < 1 {
			c.Acquisition.RateBurst = 1
		}
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}
	// 作业表在进程内，共用 broker 的插件各自消费自己的队列。
	if c.Queue.Redis.Queue == "" {
		c.Queue.Redis.Queue = acquisition.DefaultRedisQueueName(c.Plugin.Name)
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = acquisition.DefaultRabbitMQQueueName(c.Plugin.Name)
	}

	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
		if c.Store.SQL.DSN != "" {
			c.Store.Backend = "sql"
		}
	}
	if c.Store.Backend == "sql" && c.Store.SQL.Driver == "" {
		c.Store.SQL.Driver = "sqlite"
	}
	if strings.EqualFold(c.Store.SQL.Driver, "sqlite") && c.Store.SQL.DSN != "" &&
		!strings.HasPrefix(c.Store.SQL.DSN, "file:") && c.Store.SQL.DSN != ":memory:" {
		c.Store.SQL.DSN = resolvePath(baseDir, c.Store.SQL.DSN)
	}

	if c.Directory.Backend == "" {
		c.Directory.Backend = "memory"
	}
	if c.Directory.KeepAlive.Interval <= 0 {
		c.Directory.KeepAlive.Interval = 30 * time.Second
	}
	if c.Directory.Redis.TTL <= 0 {
		c.Directory.Redis.TTL = directory.LivenessTTL(c.Directory.KeepAlive.Interval)
	}

	c.Credentials.File = resolvePath(baseDir, c.Credentials.File)
	c.Drivers.Manifest = resolvePath(baseDir, c.Drivers.Manifest)

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Plugin.Name
	}
}

// Validate 校验字段取值与跨字段约束，错误码为 CONFIG_ERROR。
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return xerrors.Wrap(xerrors.CodeConfigError, err, "配置校验失败")
	}
	var problems []string
	if c.Store.Backend == "sql" && strings.TrimSpace(c.Store.SQL.DSN) == "" {
		problems = append(problems, "store.sql.dsn 不能为空")
	}
	if c.Queue.Driver == "redis" && c.Queue.Redis.Address == "" {
		problems = append(problems, "queue.redis.address 不能为空")
	}
	if c.Queue.Driver == "rabbitmq" && c.Queue.RabbitMQ.URL == "" {
		problems = append(problems, "queue.rabbitmq.url 不能为空")
	}
	if c.Directory.Enabled {
		if c.Directory.Backend == "redis" && c.Directory.Redis.Address == "" {
			problems = append(problems, "directory.redis.address 不能为空")
		}
		if c.Credentials.File == "" && (c.Credentials.GUID == "" || c.Credentials.Secret == "") {
			problems = append(problems, "启用目录注册时需要 credentials.file 或 credentials.guid/secret")
		}
	}
	if c.Events.Enabled && len(c.Events.Kafka.Brokers) == 0 {
		problems = append(problems, "events.kafka.brokers 不能为空")
	}
	if c.Alerting.SlackWebhook != "" && c.Alerting.SlackChannel == "" {
		problems = append(problems, "alerting.slack_channel 不能为空")
	}
	if c.Auth.Mode == auth.ModeToken && len(c.Auth.Tokens) == 0 {
		problems = append(problems, "auth.mode=token 时至少配置一个令牌")
	}
	if len(problems) > 0 {
		return xerrors.Wrap(xerrors.CodeConfigError, errors.New(strings.Join(problems, "; ")), "配置校验失败")
	}
	return nil
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
