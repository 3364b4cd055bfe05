package models

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Task types the dispatcher routes. Every compiled default and every
// assignment is keyed by one of these.
const (
	TaskText   = "text"
	TaskImage  = "image"
	TaskSpeech = "speech"
	TaskAgent  = "agent"
)

// Strategy values stored on a TaskAssignment.
const (
	StrategyFallback   = "fallback"
	StrategyRoundRobin = "round_robin"
)

// ServiceSettings 服务全局设置
type ServiceSettings struct {
	gorm.Model
	Port         int    `gorm:"default:8000" json:"port"`
	SMTPPassword string `json:"-"` // encrypted at rest, never serialized
}

// AdminKey 管理员密钥
type AdminKey struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Key       string    `gorm:"uniqueIndex:idx_admin_key_deleted" json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// Tenant 租户（组织隔离边界）
type Tenant struct {
	gorm.Model
	Slug string `gorm:"uniqueIndex:idx_tenant_slug_deleted;not null" json:"slug"`
	Name string `json:"name"`

	Providers   []Provider       `gorm:"foreignKey:TenantID" json:"providers,omitempty"`
	Assignments []TaskAssignment `gorm:"foreignKey:TenantID" json:"assignments,omitempty"`
}

// Provider 外部 AI 后端配置
// Credential holds the encrypted value (enc:<nonce>:<cipher>); legacy rows may
// still carry plaintext until the lazy migration touches them.
type Provider struct {
	gorm.Model
	TenantID    uint   `gorm:"index;not null" json:"tenant_id"`
	BackendType string `gorm:"not null" json:"backend_type"` // e.g. "openai", "stability", "elevenlabs"
	DisplayName string `json:"display_name"`
	Credential  string `gorm:"type:text" json:"-"`
	BaseURL     string `json:"base_url,omitempty"`
	Models      string `gorm:"type:text" json:"models,omitempty"` // JSON array of model names
	// No gorm default tags here: a default would silently override an
	// explicit false on create.
	Enabled   bool `json:"enabled"`
	IsDefault bool `json:"is_default"`

	Tenant Tenant `gorm:"foreignKey:TenantID" json:"-"`
}

// ModelList 解析 Models 字段；坏数据按空列表处理
func (p *Provider) ModelList() []string {
	if p.Models == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(p.Models), &list); err != nil {
		return nil
	}
	return list
}

// RotationEntry 轮询列表中的一项
type RotationEntry struct {
	ProviderID uint   `json:"provider_id"`
	Model      string `json:"model"`
}

// TaskAssignment 任务类型到后端的映射，每个 (tenant, task_type) 唯一
type TaskAssignment struct {
	gorm.Model
	TenantID uint   `gorm:"uniqueIndex:idx_tenant_task;not null" json:"tenant_id"`
	TaskType string `gorm:"uniqueIndex:idx_tenant_task;not null" json:"task_type"`
	Strategy string `gorm:"default:fallback" json:"strategy"`

	ProviderID *uint `json:"provider_id,omitempty"`
	// 内嵌的 gorm.Model 占用了 Model 这个字段名，列名保持 model 不变
	ModelName          string `gorm:"column:model" json:"model,omitempty"`
	FallbackProviderID *uint  `json:"fallback_provider_id,omitempty"`
	FallbackModel      string `json:"fallback_model,omitempty"`

	// Rotation is the ordered round-robin list, JSON-encoded RotationEntry
	// slice. Must be non-empty when Strategy is round_robin; enforced at the
	// admin write boundary, not by the resolver.
	Rotation string `gorm:"type:text" json:"rotation,omitempty"`

	Tenant Tenant `gorm:"foreignKey:TenantID" json:"-"`
}

// RotationList 解析 Rotation 字段
func (a *TaskAssignment) RotationList() ([]RotationEntry, error) {
	if a.Rotation == "" {
		return nil, nil
	}
	var list []RotationEntry
	if err := json.Unmarshal([]byte(a.Rotation), &list); err != nil {
		return nil, err
	}
	return list, nil
}

// SetRotationList 序列化轮询列表
func (a *TaskAssignment) SetRotationList(list []RotationEntry) error {
	if len(list) == 0 {
		a.Rotation = ""
		return nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	a.Rotation = string(data)
	return nil
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&ServiceSettings{},
		&AdminKey{},
		&Tenant{},
		&Provider{},
		&TaskAssignment{},
	)
}

// GenerateAdminKey 生成管理员密钥
func GenerateAdminKey() string {
	bytes := make([]byte, 16)
	rand.Read(bytes)
	return "sk-admin-" + hex.EncodeToString(bytes)
}

// InitializeDefaultData 初始化默认数据；返回新生成的管理员密钥（仅首次）
func InitializeDefaultData(db *gorm.DB) (string, error) {
	var count int64
	db.Model(&ServiceSettings{}).Count(&count)
	if count == 0 {
		settings := ServiceSettings{
			Port: 8000,
		}
		if err := db.Create(&settings).Error; err != nil {
			return "", err
		}
	}

	var adminCount int64
	db.Model(&AdminKey{}).Count(&adminCount)
	if adminCount == 0 {
		adminKey := AdminKey{
			Name: "Initial Root Key",
			Key:  GenerateAdminKey(),
		}
		if err := db.Create(&adminKey).Error; err != nil {
			return "", err
		}
		return adminKey.Key, nil
	}

	return "", nil
}
