package core

import (
	"errors"
	"time"

	"ai-dispatch/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// failureTTL Store 故障时默认配置的缓存时长，过期后自动重试加载
const failureTTL = 30 * time.Second

// Route 一次解析的结果：选中的后端与模型
type Route struct {
	Provider *models.Provider
	Model    string
	Strategy string
}

// Resolver 任务类型到后端的配置解析器
// Owns the per-tenant config cache and the two selection strategies. Lookups
// that miss return nil, never an error: "nothing configured" is a steady
// state, not an exception.
type Resolver struct {
	db     *gorm.DB
	logger *logrus.Logger

	cache    ConfigCache
	defaults map[string]TaskConfig
	ttl      time.Duration
}

// NewResolver 构造函数强制依赖注入
func NewResolver(db *gorm.DB, logger *logrus.Logger, cache ConfigCache) *Resolver {
	return &Resolver{
		db:       db,
		logger:   logger,
		cache:    cache,
		defaults: compiledDefaults(),
		ttl:      failureTTL,
	}
}

// defaultFor 返回任务类型的编译期默认配置
func (r *Resolver) defaultFor(taskType string) TaskConfig {
	if cfg, ok := r.defaults[taskType]; ok {
		return cfg
	}
	// 未知任务类型：空配置，类型查找自然落空
	return TaskConfig{TaskType: taskType, Strategy: models.StrategyFallback}
}

// GetTaskConfig 返回 (task, tenant) 的合并配置
// tenantID 0 means "no tenant": the compiled default applies.
func (r *Resolver) GetTaskConfig(taskType string, tenantID uint) TaskConfig {
	if tenantID == 0 {
		return r.defaultFor(taskType)
	}

	configs, ok := r.cache.Get(tenantID)
	if !ok {
		configs = r.LoadTenantConfig(tenantID)
	}
	if cfg, ok := configs[taskType]; ok {
		return cfg
	}
	return r.defaultFor(taskType)
}

// LoadTenantConfig 幂等地填充租户缓存
// Queries all assignments for the tenant and merges each onto a copy of the
// compiled defaults, so every task type always resolves to something. A Store
// failure installs the defaults with a short TTL instead of leaving the
// tenant unresolvable; the TTL lets a transient outage self-heal.
func (r *Resolver) LoadTenantConfig(tenantID uint) map[string]TaskConfig {
	if configs, ok := r.cache.Get(tenantID); ok {
		return configs
	}

	var assignments []models.TaskAssignment
	if err := r.db.Where("tenant_id = ?", tenantID).Find(&assignments).Error; err != nil {
		r.logger.Errorf("resolver: failed to load assignments for tenant %d: %v", tenantID, err)
		defaults := cloneConfigs(r.defaults)
		r.cache.SetWithTTL(tenantID, defaults, r.ttl)
		return defaults
	}

	merged := cloneConfigs(r.defaults)
	for i := range assignments {
		cfg, err := r.assignmentConfig(&assignments[i])
		if err != nil {
			// 坏数据只影响该任务类型，保留默认值
			r.logger.Warnf("resolver: bad assignment for tenant %d task %s: %v",
				tenantID, assignments[i].TaskType, err)
			continue
		}
		merged[assignments[i].TaskType] = cfg
	}

	r.cache.Set(tenantID, merged)
	return merged
}

// assignmentConfig 将存储的分配记录翻译为解析器内部形态
func (r *Resolver) assignmentConfig(a *models.TaskAssignment) (TaskConfig, error) {
	rotation, err := a.RotationList()
	if err != nil {
		return TaskConfig{}, err
	}

	base := r.defaultFor(a.TaskType)
	cfg := TaskConfig{
		TaskType: a.TaskType,
		Strategy: a.Strategy,
		// 类型查找仍使用默认配置声明的后端类型
		BackendType:   base.BackendType,
		Model:         a.ModelName,
		FallbackModel: a.FallbackModel,
		Rotation:      rotation,
	}
	if cfg.Strategy == "" {
		cfg.Strategy = models.StrategyFallback
	}
	if cfg.Model == "" {
		cfg.Model = base.Model
	}
	if a.ProviderID != nil {
		cfg.ProviderID = *a.ProviderID
	}
	if a.FallbackProviderID != nil {
		cfg.FallbackProviderID = *a.FallbackProviderID
	}
	return cfg, nil
}

// Invalidate 清除租户缓存与轮询游标
// Contract: every admin write touching a tenant's providers or assignments
// must call this immediately after the write; the resolver never observes
// writes itself.
func (r *Resolver) Invalidate(tenantID uint) {
	r.cache.Invalidate(tenantID)
	r.logger.Debugf("resolver: invalidated tenant %d", tenantID)
}

// ResolvePrimary 按分配策略解析主后端；无可用后端返回 nil
func (r *Resolver) ResolvePrimary(taskType string, tenantID uint) *Route {
	cfg := r.GetTaskConfig(taskType, tenantID)
	if cfg.Strategy == models.StrategyRoundRobin && len(cfg.Rotation) > 0 {
		return r.resolveRotation(cfg, tenantID)
	}
	return r.resolveSelection(tenantID, cfg.ProviderID, cfg.BackendType, cfg.Model)
}

// ResolveFallback 对配置的备用后端应用同一算法
func (r *Resolver) ResolveFallback(taskType string, tenantID uint) *Route {
	cfg := r.GetTaskConfig(taskType, tenantID)
	model := cfg.FallbackModel
	if model == "" {
		model = cfg.Model
	}
	return r.resolveSelection(tenantID, cfg.FallbackProviderID, cfg.BackendType, model)
}

// ResolveRoundRobin 轮询解析；策略不是轮询或列表为空时退化为主算法
func (r *Resolver) ResolveRoundRobin(taskType string, tenantID uint) *Route {
	cfg := r.GetTaskConfig(taskType, tenantID)
	if cfg.Strategy != models.StrategyRoundRobin || len(cfg.Rotation) == 0 {
		return r.resolveSelection(tenantID, cfg.ProviderID, cfg.BackendType, cfg.Model)
	}
	return r.resolveRotation(cfg, tenantID)
}

// resolveRotation 推进轮询游标并跳过已禁用的条目
// Bounded to one full pass over the list: if every entry is disabled the
// cursor has wrapped exactly once and we degrade to the type-based lookup
// instead of spinning.
func (r *Resolver) resolveRotation(cfg TaskConfig, tenantID uint) *Route {
	n := len(cfg.Rotation)
	for attempt := 0; attempt < n; attempt++ {
		i := r.cache.NextIndex(tenantID, cfg.TaskType, n)
		entry := cfg.Rotation[i]

		var provider models.Provider
		err := r.db.
			Where("id = ? AND tenant_id = ? AND enabled = ?", entry.ProviderID, tenantID, true).
			First(&provider).Error
		if err == nil {
			return &Route{Provider: &provider, Model: entry.Model, Strategy: models.StrategyRoundRobin}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Errorf("resolver: rotation lookup failed for tenant %d provider %d: %v",
				tenantID, entry.ProviderID, err)
		}
	}

	r.logger.Warnf("resolver: no usable rotation entry for tenant %d task %s", tenantID, cfg.TaskType)
	return r.resolveSelection(tenantID, cfg.ProviderID, cfg.BackendType, cfg.Model)
}

// resolveSelection 故障转移算法：先按显式 id 查找，再按后端类型查找
// Id lookups are tenant-scoped and require enabled, non-deleted records. When
// the id lookup misses, the type lookup uses the *assigned* provider's backend
// type (read unscoped, so disabled and soft-deleted records still tell us
// their type); the compiled default type applies only when no id was
// configured. The type lookup prefers the admin-marked default, then the most
// recently added. Nothing found means nil; callers decide what that becomes.
func (r *Resolver) resolveSelection(tenantID uint, providerID uint, backendType, model string) *Route {
	if providerID != 0 {
		var provider models.Provider
		err := r.db.
			Where("id = ? AND tenant_id = ? AND enabled = ?", providerID, tenantID, true).
			First(&provider).Error
		if err == nil {
			return r.route(&provider, model)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Errorf("resolver: provider %d lookup failed for tenant %d: %v", providerID, tenantID, err)
		}

		var assigned models.Provider
		err = r.db.Unscoped().
			Select("backend_type").
			Where("id = ? AND tenant_id = ?", providerID, tenantID).
			First(&assigned).Error
		if err == nil && assigned.BackendType != "" {
			backendType = assigned.BackendType
		} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Errorf("resolver: provider %d type probe failed for tenant %d: %v", providerID, tenantID, err)
		}
	}

	if backendType == "" {
		return nil
	}

	var provider models.Provider
	err := r.db.
		Where("tenant_id = ? AND backend_type = ? AND enabled = ?", tenantID, backendType, true).
		Order("is_default DESC, created_at DESC").
		First(&provider).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Errorf("resolver: type lookup (%s) failed for tenant %d: %v", backendType, tenantID, err)
		}
		return nil
	}
	return r.route(&provider, model)
}

// route 统一出口；Strategy 记录实际使用的算法，轮询命中由 resolveRotation 标记
func (r *Resolver) route(provider *models.Provider, model string) *Route {
	if model == "" {
		// 未指定模型时取后端目录的第一个
		if list := provider.ModelList(); len(list) > 0 {
			model = list[0]
		}
	}
	return &Route{Provider: provider, Model: model, Strategy: models.StrategyFallback}
}
