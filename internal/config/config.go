// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
)

// ContextSettings 上下文窗口构建参数，可在运行时调整
type ContextSettings struct {
	MemorySize  int    `json:"memory_size"`  // 历史行数上限，先于令牌计数生效
	TokenBudget int    `json:"token_budget"` // 模型上下文令牌预算
	TokenOffset int    `json:"token_offset"` // 附加在令牌总数上的固定偏移
	ScanDepth   int    `json:"scan_depth"`   // 记忆关键词扫描的最近轮数 (1-3)
	Template    string `json:"template"`     // 提示词模板名称
}

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	Port                string          `json:"port"`
	LogDir              string          `json:"log_dir"`
	LogLevel            string          `json:"log_level"`
	DebugMode           bool            `json:"debug_mode"`
	CatalogFile         string          `json:"catalog_file"`
	PromptTemplatesFile string          `json:"prompt_templates_file,omitempty"`
	SessionIdleTTL      time.Duration   `json:"session_idle_ttl"`
	LLMTransport        string          `json:"llm_transport,omitempty"` // 为空时由外部传输通过 WebSocket 推送
	Context             ContextSettings `json:"context"`
}

// Load 从环境变量加载配置
func Load() (*AppConfig, error) {
	// .env 文件是可选的
	_ = godotenv.Load()

	cfg := &AppConfig{
		Port:                getEnv("PORT", "8080"),
		LogDir:              getEnv("LOG_DIR", "logs"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DebugMode:           getEnvBool("DEBUG_MODE", true),
		CatalogFile:         getEnv("CATALOG_FILE", ""),
		PromptTemplatesFile: getEnv("PROMPT_TEMPLATES_FILE", ""),
		SessionIdleTTL:      getEnvDuration("SESSION_IDLE_TTL", 30*time.Minute),
		LLMTransport:        getEnv("LLM_TRANSPORT", ""),
		Context: ContextSettings{
			MemorySize:  getEnvInt("CONTEXT_MEMORY_SIZE", 30),
			TokenBudget: getEnvInt("CONTEXT_TOKEN_BUDGET", 2048),
			TokenOffset: getEnvInt("CONTEXT_TOKEN_OFFSET", 10),
			ScanDepth:   getEnvInt("CONTEXT_SCAN_DEPTH", 3),
			Template:    getEnv("PROMPT_TEMPLATE", "alpaca"),
		},
	}

	if err := cfg.Context.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查上下文参数是否合法
func (s ContextSettings) Validate() error {
	if s.MemorySize <= 0 {
		return fmt.Errorf("memory_size 必须大于 0，当前为 %d", s.MemorySize)
	}
	if s.TokenBudget <= 0 {
		return fmt.Errorf("token_budget 必须大于 0，当前为 %d", s.TokenBudget)
	}
	if s.TokenOffset < 0 {
		return fmt.Errorf("token_offset 不能为负数")
	}
	if s.ScanDepth < 1 || s.ScanDepth > 3 {
		return fmt.Errorf("scan_depth 必须在 1 到 3 之间，当前为 %d", s.ScanDepth)
	}
	if strings.TrimSpace(s.Template) == "" {
		return fmt.Errorf("template 不能为空")
	}
	return nil
}

// InitConfig 设置当前配置
func InitConfig(cfg *AppConfig) {
	configMutex.Lock()
	defer configMutex.Unlock()
	copied := *cfg
	currentConfig = &copied
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	if currentConfig != nil {
		configCopy := *currentConfig
		configMutex.RUnlock()
		return &configCopy
	}
	configMutex.RUnlock()

	// 未初始化时退回到环境变量配置
	cfg, err := Load()
	if err != nil {
		cfg = &AppConfig{Port: "8080", Context: DefaultContextSettings()}
	}
	return cfg
}

// DefaultContextSettings 返回默认的上下文参数
func DefaultContextSettings() ContextSettings {
	return ContextSettings{
		MemorySize:  30,
		TokenBudget: 2048,
		TokenOffset: 10,
		ScanDepth:   3,
		Template:    "alpaca",
	}
}

// UpdateContextSettings 在运行时更新上下文参数
func UpdateContextSettings(settings ContextSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}
	currentConfig.Context = settings
	return nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		fmt.Printf("警告: 环境变量 %s=%q 不是整数，使用默认值 %d\n", key, value, defaultValue)
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Printf("警告: 环境变量 %s=%q 不是有效时长，使用默认值 %s\n", key, value, defaultValue)
		return defaultValue
	}
	return d
}
