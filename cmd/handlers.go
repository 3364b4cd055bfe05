package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"ai-dispatch/core"
	"ai-dispatch/core/security"
	"ai-dispatch/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// parseAndValidateID 解析并验证字符串ID为uint
func parseAndValidateID(idStr string, paramName string) (uint, error) {
	if idStr == "" {
		return 0, fmt.Errorf("missing %s parameter", paramName)
	}

	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: must be a number", paramName)
	}

	return uint(id), nil
}

// invalidateTenant 写路径契约：每次租户数据变更后清缓存并广播
func invalidateTenant(resolver *core.Resolver, hub *core.EventHub, tenantID uint) {
	resolver.Invalidate(tenantID)
	if hub != nil {
		hub.NotifyInvalidate(tenantID)
	}
}

// providerView 构造凭证脱敏后的对外投影
func providerView(vault *security.Vault, p *models.Provider) models.ProviderView {
	return models.ProviderView{
		ID:               p.ID,
		TenantID:         p.TenantID,
		BackendType:      p.BackendType,
		DisplayName:      p.DisplayName,
		MaskedCredential: vault.Mask(p.Credential),
		BaseURL:          p.BaseURL,
		Models:           p.ModelList(),
		Enabled:          p.Enabled,
		IsDefault:        p.IsDefault,
	}
}

// handleRoot 处理根路径请求
func handleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    "AI Dispatch Gateway",
			"version": "1.0.0",
			"endpoints": gin.H{
				"route":   "/v1/route/:task_type",
				"health":  "/health",
				"tenants": "/admin/tenants",
				"events":  "/admin/events",
			},
			"task_types": []string{models.TaskText, models.TaskImage, models.TaskSpeech, models.TaskAgent},
			"timestamp":  time.Now().Unix(),
		})
	}
}

// handleHealth 处理健康检查，附带加密自检结果
func handleHealth(vault *security.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		vaultStatus := "ok"
		status := "healthy"
		code := 200
		if err := vault.SelfTest(); err != nil {
			vaultStatus = "failed"
			status = "degraded"
			code = 503
		}
		c.JSON(code, models.HealthResponse{
			Status:    status,
			Service:   "AI Dispatch Gateway",
			Vault:     vaultStatus,
			Timestamp: time.Now().Unix(),
		})
	}
}

// handleResolveRoute 解析 (task_type, tenant) 对应的后端
// ?fallback=true applies the assignment's fallback target instead.
func handleResolveRoute(resolver *core.Resolver, vault *security.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskType := c.Param("task_type")

		var tenantID uint
		if raw := c.Query("tenant_id"); raw != "" {
			id, err := parseAndValidateID(raw, "tenant_id")
			if err != nil {
				c.JSON(400, models.NewErrorResponse(err.Error()))
				return
			}
			tenantID = id
		}

		var route *core.Route
		if c.Query("fallback") == "true" {
			route = resolver.ResolveFallback(taskType, tenantID)
		} else {
			route = resolver.ResolvePrimary(taskType, tenantID)
		}
		if route == nil {
			c.JSON(404, models.NewErrorResponse("No usable backend for task type "+taskType))
			return
		}

		c.JSON(200, models.RouteResponse{
			TaskType:         taskType,
			TenantID:         tenantID,
			Strategy:         route.Strategy,
			ProviderID:       route.Provider.ID,
			BackendType:      route.Provider.BackendType,
			DisplayName:      route.Provider.DisplayName,
			Model:            route.Model,
			BaseURL:          route.Provider.BaseURL,
			MaskedCredential: vault.Mask(route.Provider.Credential),
		})
	}
}

// handleListTenants 处理获取租户列表
func handleListTenants(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var tenants []models.Tenant
		if err := db.Find(&tenants).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query tenants: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Tenants retrieved successfully", tenants))
	}
}

// handleCreateTenant 处理创建租户，软删除的同名租户会被复活
func handleCreateTenant(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.CreateTenantRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}

		var existing models.Tenant
		err := db.Unscoped().Where("slug = ?", req.Slug).First(&existing).Error
		if err == nil {
			if existing.DeletedAt.Valid {
				existing.Name = req.Name
				existing.DeletedAt = gorm.DeletedAt{}
				if err := db.Unscoped().Save(&existing).Error; err != nil {
					c.JSON(500, models.NewErrorResponse("Failed to restore tenant: "+err.Error()))
					return
				}
				c.JSON(200, models.NewSuccessResponse("Tenant restored successfully", existing))
				return
			}
			c.JSON(400, models.NewErrorResponse("Tenant slug already exists"))
			return
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(500, models.NewErrorResponse("Failed to check tenant: "+err.Error()))
			return
		}

		tenant := models.Tenant{Slug: req.Slug, Name: req.Name}
		if err := db.Create(&tenant).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to create tenant: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Tenant created successfully", tenant))
	}
}

// handleDeleteTenant 处理删除租户（软删除）
func handleDeleteTenant(db *gorm.DB, resolver *core.Resolver, hub *core.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := parseAndValidateID(c.Param("tenant_id"), "tenant_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		if err := db.Delete(&models.Tenant{}, tenantID).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to delete tenant: "+err.Error()))
			return
		}

		invalidateTenant(resolver, hub, tenantID)
		c.JSON(200, models.NewSuccessResponse("Tenant deleted successfully", nil))
	}
}

// handleListProviders 处理获取租户的后端列表，凭证脱敏
func handleListProviders(db *gorm.DB, vault *security.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := parseAndValidateID(c.Param("tenant_id"), "tenant_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var providers []models.Provider
		if err := db.Where("tenant_id = ?", tenantID).Find(&providers).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query providers: "+err.Error()))
			return
		}

		views := make([]models.ProviderView, 0, len(providers))
		for i := range providers {
			views = append(views, providerView(vault, &providers[i]))
		}
		c.JSON(200, models.NewSuccessResponse("Providers retrieved successfully", views))
	}
}

// handleCreateProvider 处理创建后端，凭证入库前加密
func handleCreateProvider(db *gorm.DB, resolver *core.Resolver, hub *core.EventHub, vault *security.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := parseAndValidateID(c.Param("tenant_id"), "tenant_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var req models.CreateProviderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}

		var tenant models.Tenant
		if err := db.First(&tenant, tenantID).Error; err != nil {
			c.JSON(404, models.NewErrorResponse("Tenant not found"))
			return
		}

		provider := models.Provider{
			TenantID:    tenantID,
			BackendType: req.BackendType,
			DisplayName: req.DisplayName,
			BaseURL:     req.BaseURL,
			Enabled:     true,
		}
		if req.Enabled != nil {
			provider.Enabled = *req.Enabled
		}
		if req.IsDefault != nil {
			provider.IsDefault = *req.IsDefault
		}
		if len(req.Models) > 0 {
			data, err := json.Marshal(req.Models)
			if err != nil {
				c.JSON(400, models.NewErrorResponse("Invalid models list"))
				return
			}
			provider.Models = string(data)
		}
		if req.Credential != "" {
			enc, err := vault.Encrypt(req.Credential)
			if err != nil {
				c.JSON(500, models.NewErrorResponse("Failed to encrypt credential"))
				return
			}
			provider.Credential = enc
		}

		if err := db.Create(&provider).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to create provider: "+err.Error()))
			return
		}

		invalidateTenant(resolver, hub, tenantID)
		c.JSON(200, models.NewSuccessResponse("Provider created successfully", providerView(vault, &provider)))
	}
}

// handleUpdateProvider 处理更新后端；未提交凭证时保留原值
func handleUpdateProvider(db *gorm.DB, resolver *core.Resolver, hub *core.EventHub, vault *security.Vault) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerID, err := parseAndValidateID(c.Param("provider_id"), "provider_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var provider models.Provider
		if err := db.First(&provider, providerID).Error; err != nil {
			c.JSON(404, models.NewErrorResponse("Provider not found"))
			return
		}

		var req models.CreateProviderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}

		provider.BackendType = req.BackendType
		provider.DisplayName = req.DisplayName
		provider.BaseURL = req.BaseURL
		if req.Enabled != nil {
			provider.Enabled = *req.Enabled
		}
		if req.IsDefault != nil {
			provider.IsDefault = *req.IsDefault
		}
		if len(req.Models) > 0 {
			data, err := json.Marshal(req.Models)
			if err != nil {
				c.JSON(400, models.NewErrorResponse("Invalid models list"))
				return
			}
			provider.Models = string(data)
		}
		if req.Credential != "" {
			enc, err := vault.Encrypt(req.Credential)
			if err != nil {
				c.JSON(500, models.NewErrorResponse("Failed to encrypt credential"))
				return
			}
			provider.Credential = enc
		}

		if err := db.Save(&provider).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to update provider: "+err.Error()))
			return
		}

		invalidateTenant(resolver, hub, provider.TenantID)
		c.JSON(200, models.NewSuccessResponse("Provider updated successfully", providerView(vault, &provider)))
	}
}

// handleDeleteProvider 处理删除后端（软删除）
func handleDeleteProvider(db *gorm.DB, resolver *core.Resolver, hub *core.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerID, err := parseAndValidateID(c.Param("provider_id"), "provider_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var provider models.Provider
		if err := db.First(&provider, providerID).Error; err != nil {
			c.JSON(404, models.NewErrorResponse("Provider not found"))
			return
		}

		if err := db.Delete(&provider).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to delete provider: "+err.Error()))
			return
		}

		invalidateTenant(resolver, hub, provider.TenantID)
		c.JSON(200, models.NewSuccessResponse("Provider deleted successfully", nil))
	}
}

// handleListAssignments 处理获取租户的任务分配列表
func handleListAssignments(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := parseAndValidateID(c.Param("tenant_id"), "tenant_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var assignments []models.TaskAssignment
		if err := db.Where("tenant_id = ?", tenantID).Find(&assignments).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to query assignments: "+err.Error()))
			return
		}
		c.JSON(200, models.NewSuccessResponse("Assignments retrieved successfully", assignments))
	}
}

// handlePutAssignment 创建或更新 (tenant, task_type) 的任务分配
// Round-robin assignments must carry a non-empty rotation whose providers all
// belong to the tenant; this is the write boundary the resolver relies on.
func handlePutAssignment(db *gorm.DB, resolver *core.Resolver, hub *core.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := parseAndValidateID(c.Param("tenant_id"), "tenant_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var req models.AssignmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid request format: "+err.Error()))
			return
		}

		var tenant models.Tenant
		if err := db.First(&tenant, tenantID).Error; err != nil {
			c.JSON(404, models.NewErrorResponse("Tenant not found"))
			return
		}

		strategy := req.Strategy
		if strategy == "" {
			strategy = models.StrategyFallback
		}

		if strategy == models.StrategyRoundRobin {
			if len(req.Rotation) == 0 {
				c.JSON(400, models.NewErrorResponse("Round-robin strategy requires a non-empty rotation list"))
				return
			}
			for _, entry := range req.Rotation {
				var count int64
				db.Model(&models.Provider{}).
					Where("id = ? AND tenant_id = ?", entry.ProviderID, tenantID).
					Count(&count)
				if count == 0 {
					c.JSON(400, models.NewErrorResponse(
						fmt.Sprintf("Rotation provider %d does not belong to tenant", entry.ProviderID)))
					return
				}
			}
		}

		var assignment models.TaskAssignment
		err = db.Where("tenant_id = ? AND task_type = ?", tenantID, req.TaskType).First(&assignment).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(500, models.NewErrorResponse("Failed to check assignment: "+err.Error()))
			return
		}

		assignment.TenantID = tenantID
		assignment.TaskType = req.TaskType
		assignment.Strategy = strategy
		assignment.ProviderID = req.ProviderID
		assignment.ModelName = req.Model
		assignment.FallbackProviderID = req.FallbackProviderID
		assignment.FallbackModel = req.FallbackModel
		if err := assignment.SetRotationList(req.Rotation); err != nil {
			c.JSON(400, models.NewErrorResponse("Invalid rotation list"))
			return
		}

		if err := db.Save(&assignment).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to save assignment: "+err.Error()))
			return
		}

		invalidateTenant(resolver, hub, tenantID)
		c.JSON(200, models.NewSuccessResponse("Assignment saved successfully", assignment))
	}
}

// handleDeleteAssignment 处理删除任务分配
func handleDeleteAssignment(db *gorm.DB, resolver *core.Resolver, hub *core.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		assignmentID, err := parseAndValidateID(c.Param("assignment_id"), "assignment_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		var assignment models.TaskAssignment
		if err := db.First(&assignment, assignmentID).Error; err != nil {
			c.JSON(404, models.NewErrorResponse("Assignment not found"))
			return
		}

		if err := db.Delete(&assignment).Error; err != nil {
			c.JSON(500, models.NewErrorResponse("Failed to delete assignment: "+err.Error()))
			return
		}

		invalidateTenant(resolver, hub, assignment.TenantID)
		c.JSON(200, models.NewSuccessResponse("Assignment deleted successfully", nil))
	}
}

// handleReload 手动清除某个租户的缓存
func handleReload(resolver *core.Resolver, hub *core.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID, err := parseAndValidateID(c.Param("tenant_id"), "tenant_id")
		if err != nil {
			c.JSON(400, models.NewErrorResponse(err.Error()))
			return
		}

		invalidateTenant(resolver, hub, tenantID)
		c.JSON(200, models.NewSuccessResponse("Tenant cache invalidated", nil))
	}
}

var wsUpgrader = websocket.Upgrader{
	// 管理接口已有鉴权，跨域检查交给 CORS 层
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents 升级为 websocket 并订阅配置变更事件
func handleEvents(hub *core.EventHub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			c.JSON(400, models.NewErrorResponse("Failed to upgrade connection: "+err.Error()))
			return
		}
		hub.Add(conn)
	}
}
