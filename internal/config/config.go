package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// 支持的对话后端。
const (
	ProviderWatson = "watson"
	ProviderArk    = "ark"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server        ServerConfig
	Provider      string
	Assistant     AssistantConfig
	Ark           ArkConfig
	Orchestration OrchestrationConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	provider := strings.ToLower(getEnvOrDefault("ASSISTANT_PROVIDER", ProviderWatson))
	if provider != ProviderWatson && provider != ProviderArk {
		return nil, fmt.Errorf("invalid ASSISTANT_PROVIDER value: %q", provider)
	}

	assistant, err := loadAssistantConfig()
	if err != nil {
		return nil, err
	}

	arkCfg, err := loadArkConfig()
	if err != nil {
		return nil, err
	}

	orchestration, err := loadOrchestrationConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:        server,
		Provider:      provider,
		Assistant:     assistant,
		Ark:           arkCfg,
		Orchestration: orchestration,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr     string
	CertFile string
	KeyFile  string
}

// TLSEnabled 表示是否同时提供了证书与私钥。
func (c ServerConfig) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	cfg := ServerConfig{
		CertFile: strings.TrimSpace(os.Getenv("TLS_CERT_FILE")),
		KeyFile:  strings.TrimSpace(os.Getenv("TLS_KEY_FILE")),
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		cfg.Addr = port
		return cfg, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	cfg.Addr = ":" + port
	return cfg, nil
}

// AssistantConfig 描述 Watson Assistant 连接配置。
type AssistantConfig struct {
	Version       string
	APIKey        string
	ServiceURL    string
	EnvironmentID string
	Username      string
	Password      string
	CP4DURL       string
	CP4D          bool
	DisableSSL    bool
	Timeout       time.Duration
}

// Enabled 表示是否提供了必需的连接信息。
func (c AssistantConfig) Enabled() bool {
	if c.ServiceURL == "" || c.EnvironmentID == "" {
		return false
	}
	if c.CP4D {
		return c.CP4DURL != "" && c.Username != "" && c.Password != ""
	}
	return c.APIKey != ""
}

func loadAssistantConfig() (AssistantConfig, error) {
	cp4d, err := parseBoolEnv("WATSON_ASSISTANT_CP4D", false)
	if err != nil {
		return AssistantConfig{}, err
	}

	disableSSL, err := parseBoolEnv("WATSON_ASSISTANT_DISABLE_SSL_VERIFICATION", false)
	if err != nil {
		return AssistantConfig{}, err
	}

	timeoutSeconds := 30
	if override, err := parseOptionalIntEnv("WATSON_ASSISTANT_TIMEOUT"); err != nil {
		return AssistantConfig{}, err
	} else if override != nil && *override > 0 {
		timeoutSeconds = *override
	}

	return AssistantConfig{
		Version:       getEnvOrDefault("WATSON_ASSISTANT_VERSION", "2021-11-27"),
		APIKey:        strings.TrimSpace(os.Getenv("WATSON_ASSISTANT_APIKEY")),
		ServiceURL:    strings.TrimRight(strings.TrimSpace(os.Getenv("WATSON_ASSISTANT_SERVICEURL")), "/"),
		EnvironmentID: strings.TrimSpace(os.Getenv("WATSON_ASSISTANT_DRAFT_ENVIRONMENT_ID")),
		Username:      strings.TrimSpace(os.Getenv("WATSON_ASSISTANT_USERNAME")),
		Password:      strings.TrimSpace(os.Getenv("WATSON_ASSISTANT_PASSWORD")),
		CP4DURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("WATSON_ASSISTANT_CP4D_URL")), "/"),
		CP4D:          cp4d,
		DisableSSL:    disableSSL,
		Timeout:       time.Duration(timeoutSeconds) * time.Second,
	}, nil
}

// ArkConfig 描述大模型相关配置。
type ArkConfig struct {
	APIKey       string
	AccessKey    string
	SecretKey    string
	Model        string
	BaseURL      string
	Region       string
	Temperature  *float64
	TopP         *float64
	MaxTokens    *int
	HistoryLimit int
	SystemPrompt string
}

// Enabled 表示是否提供了必需的密钥。
func (c ArkConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c ArkConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadArkConfig() (ArkConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return ArkConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return ArkConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return ArkConfig{}, err
	}

	historyLimit := 10
	if override, err := parseOptionalIntEnv("ARK_HISTORY_LIMIT"); err != nil {
		return ArkConfig{}, err
	} else if override != nil {
		if *override < 0 {
			historyLimit = 0
		} else {
			historyLimit = *override
		}
	}

	return ArkConfig{
		APIKey:       strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:    strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:    strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:        strings.TrimSpace(os.Getenv("Model")),
		BaseURL:      getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:       getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:  temperature,
		TopP:         topP,
		MaxTokens:    maxTokens,
		HistoryLimit: historyLimit,
		SystemPrompt: getEnvOrDefault("ARK_SYSTEM_PROMPT", defaultArkSystemPrompt),
	}, nil
}

const defaultArkSystemPrompt = "You are a friendly digital human assistant. Answer in one or two short spoken sentences without markdown."

// OrchestrationConfig 描述对话编排相关配置。
type OrchestrationConfig struct {
	WordsPerMinute      int
	DelayEnabled        bool
	MaxRetries          int
	ErrorAckEnabled     bool
	FallbackSpeech      string
	GreeterTopics       []string
	TextTablesFile      string
	CustomExtensionName string
}

func loadOrchestrationConfig() (OrchestrationConfig, error) {
	wpm := 150
	if override, err := parseOptionalIntEnv("WORDS_PER_MINUTE_DELAY"); err != nil {
		return OrchestrationConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return OrchestrationConfig{}, fmt.Errorf("invalid WORDS_PER_MINUTE_DELAY value: %d", *override)
		}
		wpm = *override
	}

	delayEnabled, err := parseBoolEnv("ADD_DELAY_TO_NS_RESPONSE", false)
	if err != nil {
		return OrchestrationConfig{}, err
	}

	retries := 0
	if override, err := parseOptionalIntEnv("TURN_MAX_RETRIES"); err != nil {
		return OrchestrationConfig{}, err
	} else if override != nil {
		if *override < 0 {
			retries = 0
		} else {
			retries = *override
		}
	}

	errorAck, err := parseBoolEnv("ERROR_ACK_ENABLED", false)
	if err != nil {
		return OrchestrationConfig{}, err
	}

	return OrchestrationConfig{
		WordsPerMinute:      wpm,
		DelayEnabled:        delayEnabled,
		MaxRetries:          retries,
		ErrorAckEnabled:     errorAck,
		FallbackSpeech:      getEnvOrDefault("FALLBACK_SPEECH", "Sorry, I am having trouble answering right now. Please try again."),
		GreeterTopics:       parseListEnv("GREETER_TOPICS"),
		TextTablesFile:      strings.TrimSpace(os.Getenv("TEXT_TABLES_FILE")),
		CustomExtensionName: getEnvOrDefault("CUSTOM_EXTENSION_NAME", "Generative AI"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
