// Package config loads service configuration from an optional YAML file
// followed by environment overrides. Secrets not set either way can be
// resolved from the parameter store.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	InvokerOpenAI = "openai"
	InvokerEcho   = "echo"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the public address the runtime calls back on.
	BaseURL string `yaml:"base_url"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type WeChatConfig struct {
	AppID          string `yaml:"app_id"`
	AppSecret      string `yaml:"app_secret"`
	Token          string `yaml:"token"`
	EncodingAESKey string `yaml:"encoding_aes_key"`
	APIBaseURL     string `yaml:"api_base_url"`
}

type StoreConfig struct {
	Backend       string `yaml:"backend"`
	DynamoDBTable string `yaml:"dynamodb_table"`
	RedisURL      string `yaml:"redis_url"`
}

type DeliveryConfig struct {
	ChunkLimit    int           `yaml:"chunk_limit"`
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	CallbackAuth  bool          `yaml:"callback_auth"`
}

type Bridge struct {
	Server          ServerConfig   `yaml:"server"`
	WeChat          WeChatConfig   `yaml:"wechat"`
	Store           StoreConfig    `yaml:"store"`
	Delivery        DeliveryConfig `yaml:"delivery"`
	DispatchTimeout time.Duration  `yaml:"dispatch_timeout"`
	ParamPrefix     string         `yaml:"param_prefix"`
	Log             LogConfig      `yaml:"log"`
}

type OpenAIConfig struct {
	BaseURL      string `yaml:"base_url"`
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	Moderation   bool   `yaml:"moderation"`
}

type Plugin struct {
	Server          ServerConfig  `yaml:"server"`
	WebhookToken    string        `yaml:"webhook_token"`
	Invoker         string        `yaml:"invoker"`
	OpenAI          OpenAIConfig  `yaml:"openai"`
	TaskTimeout     time.Duration `yaml:"task_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	ParamPrefix     string        `yaml:"param_prefix"`
	Log             LogConfig     `yaml:"log"`
}

// SecretReader batch-reads parameters; missing names are absent from the map.
type SecretReader interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

func defaultBridge() *Bridge {
	return &Bridge{
		Server:          ServerConfig{Host: "0.0.0.0", Port: 8000},
		Store:           StoreConfig{Backend: BackendMemory},
		Delivery:        DeliveryConfig{ChunkLimit: 600, ChunkInterval: 100 * time.Millisecond},
		DispatchTimeout: 10 * time.Second,
		Log:             LogConfig{Format: "json", Level: "info"},
	}
}

func defaultPlugin() *Plugin {
	return &Plugin{
		Server:          ServerConfig{Host: "0.0.0.0", Port: 8001},
		Invoker:         InvokerEcho,
		TaskTimeout:     5 * time.Minute,
		CallbackTimeout: 30 * time.Second,
		Log:             LogConfig{Format: "json", Level: "info"},
	}
}

// LoadBridge reads the bridge configuration. path may be empty.
func LoadBridge(path string) (*Bridge, error) {
	cfg := defaultBridge()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}
	env := envReader{}
	env.setString("HOST", &cfg.Server.Host)
	env.setInt("PORT", &cfg.Server.Port)
	env.setString("SERVER_BASE_URL", &cfg.Server.BaseURL)
	env.setString("WECHAT_APPID", &cfg.WeChat.AppID)
	env.setString("WECHAT_APPSECRET", &cfg.WeChat.AppSecret)
	env.setString("WECHAT_TOKEN", &cfg.WeChat.Token)
	env.setString("WECHAT_ENCODING_AES_KEY", &cfg.WeChat.EncodingAESKey)
	env.setString("WECHAT_API_BASE_URL", &cfg.WeChat.APIBaseURL)
	env.setString("STORE_BACKEND", &cfg.Store.Backend)
	env.setString("DYNAMODB_TABLE", &cfg.Store.DynamoDBTable)
	env.setString("REDIS_URL", &cfg.Store.RedisURL)
	env.setInt("CHUNK_LIMIT", &cfg.Delivery.ChunkLimit)
	env.setDuration("CHUNK_INTERVAL", &cfg.Delivery.ChunkInterval)
	env.setBool("CALLBACK_AUTH", &cfg.Delivery.CallbackAuth)
	env.setDuration("DISPATCH_TIMEOUT", &cfg.DispatchTimeout)
	env.setString("PARAM_PREFIX", &cfg.ParamPrefix)
	env.setString("LOG_FORMAT", &cfg.Log.Format)
	env.setString("LOG_LEVEL", &cfg.Log.Level)
	if err := env.err(); err != nil {
		return nil, err
	}
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	cfg.Server.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Server.BaseURL), "/")
	return cfg, nil
}

// LoadPlugin reads the plugin configuration. path may be empty.
func LoadPlugin(path string) (*Plugin, error) {
	cfg := defaultPlugin()
	if err := readFile(path, cfg); err != nil {
		return nil, err
	}
	env := envReader{}
	env.setString("HOST", &cfg.Server.Host)
	env.setInt("PORT", &cfg.Server.Port)
	env.setString("WEBHOOK_TOKEN", &cfg.WebhookToken)
	env.setString("INVOKER", &cfg.Invoker)
	env.setString("OPENAI_BASE_URL", &cfg.OpenAI.BaseURL)
	env.setString("OPENAI_MODEL", &cfg.OpenAI.Model)
	env.setString("OPENAI_SYSTEM_PROMPT", &cfg.OpenAI.SystemPrompt)
	env.setBool("OPENAI_MODERATION", &cfg.OpenAI.Moderation)
	env.setDuration("TASK_TIMEOUT", &cfg.TaskTimeout)
	env.setDuration("CALLBACK_TIMEOUT", &cfg.CallbackTimeout)
	env.setString("PARAM_PREFIX", &cfg.ParamPrefix)
	env.setString("LOG_FORMAT", &cfg.Log.Format)
	env.setString("LOG_LEVEL", &cfg.Log.Level)
	if err := env.err(); err != nil {
		return nil, err
	}
	cfg.Invoker = strings.ToLower(strings.TrimSpace(cfg.Invoker))
	return cfg, nil
}

func readFile(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// ResolveSecrets fills WeChat secrets left empty from the parameter store.
// It does nothing without a ParamPrefix.
func (c *Bridge) ResolveSecrets(ctx context.Context, r SecretReader) error {
	return resolveSecrets(ctx, r, c.ParamPrefix, map[string]*string{
		"wechat-appsecret":        &c.WeChat.AppSecret,
		"wechat-token":            &c.WeChat.Token,
		"wechat-encoding-aes-key": &c.WeChat.EncodingAESKey,
	})
}

// ResolveSecrets fills the webhook token from the parameter store when empty.
func (c *Plugin) ResolveSecrets(ctx context.Context, r SecretReader) error {
	return resolveSecrets(ctx, r, c.ParamPrefix, map[string]*string{
		"webhook-token": &c.WebhookToken,
	})
}

func resolveSecrets(ctx context.Context, r SecretReader, prefix string, fields map[string]*string) error {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), "/")
	if prefix == "" || r == nil {
		return nil
	}
	var names []string
	for suffix, dst := range fields {
		if *dst == "" {
			names = append(names, prefix+"/"+suffix)
		}
	}
	if len(names) == 0 {
		return nil
	}
	values, err := r.GetParameters(ctx, names...)
	if err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	for suffix, dst := range fields {
		if v, ok := values[prefix+"/"+suffix]; ok && *dst == "" {
			*dst = strings.TrimSpace(v)
		}
	}
	return nil
}

// Validate reports every problem with the bridge configuration at once.
func (c *Bridge) Validate() error {
	var errs []error
	if c.WeChat.AppID == "" {
		errs = append(errs, errors.New("wechat.app_id is required"))
	}
	if c.WeChat.AppSecret == "" {
		errs = append(errs, errors.New("wechat.app_secret is required"))
	}
	if c.WeChat.Token == "" {
		errs = append(errs, errors.New("wechat.token is required"))
	}
	if k := c.WeChat.EncodingAESKey; k != "" && len(k) != 43 {
		errs = append(errs, fmt.Errorf("wechat.encoding_aes_key must be 43 characters, got %d", len(k)))
	}
	if err := validateHTTPURL(c.Server.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("server.base_url: %w", err))
	}
	errs = append(errs, validatePort(c.Server.Port)...)
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.DynamoDBTable == "" {
			errs = append(errs, errors.New("store.dynamodb_table is required for the dynamodb backend"))
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of dynamodb, redis, memory", c.Store.Backend))
	}
	if c.Delivery.ChunkLimit < 20 {
		errs = append(errs, errors.New("delivery.chunk_limit must be at least 20"))
	}
	if c.Delivery.ChunkInterval < 0 || c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("delivery.chunk_interval and dispatch_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c *Plugin) Validate() error {
	var errs []error
	errs = append(errs, validatePort(c.Server.Port)...)
	switch c.Invoker {
	case InvokerEcho:
	case InvokerOpenAI:
		if strings.TrimSpace(c.ParamPrefix) == "" {
			errs = append(errs, errors.New("param_prefix is required for the openai invoker"))
		}
	default:
		errs = append(errs, fmt.Errorf("invoker %q is not one of openai, echo", c.Invoker))
	}
	if c.TaskTimeout <= 0 || c.CallbackTimeout <= 0 {
		errs = append(errs, errors.New("task_timeout and callback_timeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func validatePort(port int) []error {
	if port <= 0 || port > 65535 {
		return []error{fmt.Errorf("server.port %d is out of range", port)}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// envReader applies non-empty environment variables and collects parse
// errors.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.lookup(key); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.lookup(key); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: environment: %w", errors.Join(e.errs...))
}
