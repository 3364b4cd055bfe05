package core

import (
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"ai-dispatch/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func newTestResolver(t *testing.T, db *gorm.DB) *Resolver {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewResolver(db, logger, NewMemoryConfigCache())
}

func createTenant(t *testing.T, db *gorm.DB, slug string) *models.Tenant {
	tenant := &models.Tenant{Slug: slug, Name: slug}
	require.NoError(t, db.Create(tenant).Error)
	return tenant
}

func createProvider(t *testing.T, db *gorm.DB, tenantID uint, backendType string, enabled bool) *models.Provider {
	p := &models.Provider{
		TenantID:    tenantID,
		BackendType: backendType,
		DisplayName: fmt.Sprintf("%s-%d", backendType, tenantID),
		Credential:  "enc:00:00",
		Enabled:     enabled,
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func rotationJSON(t *testing.T, entries []models.RotationEntry) string {
	a := models.TaskAssignment{}
	require.NoError(t, a.SetRotationList(entries))
	return a.Rotation
}

func TestDefaultConfigWhenUnassigned(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)

	// 无租户：编译期默认
	cfg := r.GetTaskConfig(models.TaskText, 0)
	assert.Equal(t, models.StrategyFallback, cfg.Strategy)
	assert.Equal(t, "openai", cfg.BackendType)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)

	// 有租户但无分配：仍是默认
	tenant := createTenant(t, db, "acme")
	cfg = r.GetTaskConfig(models.TaskSpeech, tenant.ID)
	assert.Equal(t, "elevenlabs", cfg.BackendType)
	assert.Equal(t, "eleven_multilingual_v2", cfg.Model)

	// 未知任务类型不会崩溃，类型查找自然落空
	assert.Nil(t, r.ResolvePrimary("video", tenant.ID))
}

func TestTypeLookupPrefersDefaultThenNewest(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	older := createProvider(t, db, tenant.ID, "openai", true)
	newest := createProvider(t, db, tenant.ID, "openai", true)
	marked := createProvider(t, db, tenant.ID, "openai", true)
	require.NoError(t, db.Model(marked).Update("is_default", true).Error)

	// 固定创建时间，避免同毫秒创建导致排序歧义
	base := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(older).Update("created_at", base).Error)
	require.NoError(t, db.Model(newest).Update("created_at", base.Add(time.Minute)).Error)
	require.NoError(t, db.Model(marked).Update("created_at", base.Add(2*time.Minute)).Error)

	// 管理员标记的默认后端优先
	route := r.ResolvePrimary(models.TaskText, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, marked.ID, route.Provider.ID)
	assert.Equal(t, "gpt-4o-mini", route.Model)

	// 取消标记后优先最新创建的
	require.NoError(t, db.Model(marked).Updates(map[string]interface{}{"is_default": false, "enabled": false}).Error)
	r.Invalidate(tenant.ID)

	route = r.ResolvePrimary(models.TaskText, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, newest.ID, route.Provider.ID)
	_ = older
}

func TestRoundRobinRotation(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p1 := createProvider(t, db, tenant.ID, "openai", true)
	p2 := createProvider(t, db, tenant.ID, "anthropic", true)
	p3 := createProvider(t, db, tenant.ID, "mistral", true)

	assignment := models.TaskAssignment{
		TenantID: tenant.ID,
		TaskType: models.TaskText,
		Strategy: models.StrategyRoundRobin,
		Rotation: rotationJSON(t, []models.RotationEntry{
			{ProviderID: p1.ID, Model: "m1"},
			{ProviderID: p2.ID, Model: "m2"},
			{ProviderID: p3.ID, Model: "m3"},
		}),
	}
	require.NoError(t, db.Create(&assignment).Error)

	// N 次调用按列表顺序各返回一次，第 N+1 次回到开头
	expected := []struct {
		id    uint
		model string
	}{
		{p1.ID, "m1"}, {p2.ID, "m2"}, {p3.ID, "m3"}, {p1.ID, "m1"},
	}
	for i, want := range expected {
		route := r.ResolvePrimary(models.TaskText, tenant.ID)
		require.NotNil(t, route, "call %d", i)
		assert.Equal(t, want.id, route.Provider.ID, "call %d", i)
		assert.Equal(t, want.model, route.Model, "call %d", i)
		assert.Equal(t, models.StrategyRoundRobin, route.Strategy)
	}
}

func TestRoundRobinSkipsDisabled(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p1 := createProvider(t, db, tenant.ID, "openai", true)
	p2 := createProvider(t, db, tenant.ID, "anthropic", false)
	p3 := createProvider(t, db, tenant.ID, "mistral", true)

	assignment := models.TaskAssignment{
		TenantID: tenant.ID,
		TaskType: models.TaskText,
		Strategy: models.StrategyRoundRobin,
		Rotation: rotationJSON(t, []models.RotationEntry{
			{ProviderID: p1.ID, Model: "m1"},
			{ProviderID: p2.ID, Model: "m2"},
			{ProviderID: p3.ID, Model: "m3"},
		}),
	}
	require.NoError(t, db.Create(&assignment).Error)

	// 禁用的条目被跳过且游标继续推进：p1, p3, p1, p3 ...
	expected := []uint{p1.ID, p3.ID, p1.ID, p3.ID, p1.ID, p3.ID}
	for i, want := range expected {
		route := r.ResolvePrimary(models.TaskText, tenant.ID)
		require.NotNil(t, route, "call %d", i)
		assert.Equal(t, want, route.Provider.ID, "call %d", i)
		assert.NotEqual(t, p2.ID, route.Provider.ID)
	}
}

func TestRoundRobinAllDisabledDegrades(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p1 := createProvider(t, db, tenant.ID, "openai", false)
	p2 := createProvider(t, db, tenant.ID, "anthropic", false)

	assignment := models.TaskAssignment{
		TenantID: tenant.ID,
		TaskType: models.TaskText,
		Strategy: models.StrategyRoundRobin,
		Rotation: rotationJSON(t, []models.RotationEntry{
			{ProviderID: p1.ID, Model: "m1"},
			{ProviderID: p2.ID, Model: "m2"},
		}),
	}
	require.NoError(t, db.Create(&assignment).Error)

	// 整个列表不可用时不允许无限重试：退化为类型查找，落空返回 nil
	assert.Nil(t, r.ResolvePrimary(models.TaskText, tenant.ID))

	// 出现同类型的可用后端后，退化路径能救回来
	rescue := createProvider(t, db, tenant.ID, "openai", true)
	r.Invalidate(tenant.ID)

	route := r.ResolvePrimary(models.TaskText, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, rescue.ID, route.Provider.ID)
	// 退化路径用的是故障转移算法，结果如实标记
	assert.Equal(t, models.StrategyFallback, route.Strategy)
}

func TestFallbackTypeRescue(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	// Scenario: primary disabled, no explicit fallback id, but the tenant owns
	// an enabled provider of the *same backend type as the primary*. The type
	// here deliberately differs from the compiled default for image (openai),
	// so the rescue must follow the assigned provider's type.
	primary := createProvider(t, db, tenant.ID, "stability", false)
	rescue := createProvider(t, db, tenant.ID, "stability", true)

	assignment := models.TaskAssignment{
		TenantID:           tenant.ID,
		TaskType:           models.TaskImage,
		Strategy:           models.StrategyFallback,
		ProviderID:         &primary.ID,
		ModelName:          "sd3-large",
		FallbackProviderID: &primary.ID,
	}
	require.NoError(t, db.Create(&assignment).Error)

	route := r.ResolvePrimary(models.TaskImage, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, rescue.ID, route.Provider.ID)
	assert.Equal(t, "sd3-large", route.Model)
	assert.Equal(t, models.StrategyFallback, route.Strategy)

	// 备用目标同样按其所指后端的类型救回
	fallback := r.ResolveFallback(models.TaskImage, tenant.ID)
	require.NotNil(t, fallback)
	assert.Equal(t, rescue.ID, fallback.Provider.ID)
}

func TestTypeRescueFollowsSoftDeletedPrimaryType(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	// 主后端被软删除后，类型查找仍沿用它的后端类型
	primary := createProvider(t, db, tenant.ID, "stability", true)
	rescue := createProvider(t, db, tenant.ID, "stability", true)

	assignment := models.TaskAssignment{
		TenantID:   tenant.ID,
		TaskType:   models.TaskImage,
		Strategy:   models.StrategyFallback,
		ProviderID: &primary.ID,
	}
	require.NoError(t, db.Create(&assignment).Error)
	require.NoError(t, db.Delete(primary).Error)
	r.Invalidate(tenant.ID)

	route := r.ResolvePrimary(models.TaskImage, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, rescue.ID, route.Provider.ID)
}

func TestSoftDeletedProviderIneligible(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p := createProvider(t, db, tenant.ID, "openai", true)
	require.NoError(t, db.Delete(p).Error)
	r.Invalidate(tenant.ID)

	assert.Nil(t, r.ResolvePrimary(models.TaskText, tenant.ID))
}

func TestCachePopulationIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p := createProvider(t, db, tenant.ID, "openai", true)
	assignment := models.TaskAssignment{
		TenantID:   tenant.ID,
		TaskType:   models.TaskText,
		Strategy:   models.StrategyFallback,
		ProviderID: &p.ID,
		ModelName:  "custom-model",
	}
	require.NoError(t, db.Create(&assignment).Error)

	cfg := r.GetTaskConfig(models.TaskText, tenant.ID)
	assert.Equal(t, "custom-model", cfg.Model)

	// 直接改库但不失效：缓存继续生效，不会回源
	require.NoError(t, db.Unscoped().Delete(&assignment).Error)
	cfg = r.GetTaskConfig(models.TaskText, tenant.ID)
	assert.Equal(t, "custom-model", cfg.Model)

	// 显式失效后必然回源，读到新状态
	r.Invalidate(tenant.ID)
	cfg = r.GetTaskConfig(models.TaskText, tenant.ID)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}

func TestInvalidateResetsRotationCursor(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p1 := createProvider(t, db, tenant.ID, "openai", true)
	p2 := createProvider(t, db, tenant.ID, "anthropic", true)

	assignment := models.TaskAssignment{
		TenantID: tenant.ID,
		TaskType: models.TaskText,
		Strategy: models.StrategyRoundRobin,
		Rotation: rotationJSON(t, []models.RotationEntry{
			{ProviderID: p1.ID, Model: "m1"},
			{ProviderID: p2.ID, Model: "m2"},
		}),
	}
	require.NoError(t, db.Create(&assignment).Error)

	route := r.ResolvePrimary(models.TaskText, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, p1.ID, route.Provider.ID)

	// 失效同时清配置和游标：下一次又从列表头开始
	r.Invalidate(tenant.ID)

	route = r.ResolvePrimary(models.TaskText, tenant.ID)
	require.NotNil(t, route)
	assert.Equal(t, p1.ID, route.Provider.ID)
}

func TestMalformedRotationFallsBackPerTask(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	p := createProvider(t, db, tenant.ID, "openai", true)

	bad := models.TaskAssignment{
		TenantID: tenant.ID,
		TaskType: models.TaskText,
		Strategy: models.StrategyRoundRobin,
		Rotation: "{not valid json",
	}
	require.NoError(t, db.Create(&bad).Error)

	good := models.TaskAssignment{
		TenantID:   tenant.ID,
		TaskType:   models.TaskImage,
		Strategy:   models.StrategyFallback,
		ProviderID: &p.ID,
		ModelName:  "dall-e-3",
	}
	require.NoError(t, db.Create(&good).Error)

	// 坏数据只影响 text：退回编译期默认
	cfg := r.GetTaskConfig(models.TaskText, tenant.ID)
	assert.Equal(t, models.StrategyFallback, cfg.Strategy)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Empty(t, cfg.Rotation)

	// image 的覆盖不受影响
	cfg = r.GetTaskConfig(models.TaskImage, tenant.ID)
	assert.Equal(t, p.ID, cfg.ProviderID)
	assert.Equal(t, "dall-e-3", cfg.Model)
}

func TestStoreFailureInstallsDefaults(t *testing.T) {
	db := setupTestDB(t)
	r := newTestResolver(t, db)
	tenant := createTenant(t, db, "acme")

	// 模拟 Store 故障
	require.NoError(t, db.Migrator().DropTable(&models.TaskAssignment{}))

	cfg := r.GetTaskConfig(models.TaskText, tenant.ID)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, models.StrategyFallback, cfg.Strategy)
}
