package models

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// APIResponse 统一管理接口响应
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewSuccessResponse 构造成功响应
func NewSuccessResponse(message string, data interface{}) APIResponse {
	return APIResponse{Success: true, Message: message, Data: data}
}

// NewErrorResponse 构造失败响应
func NewErrorResponse(message string) APIResponse {
	return APIResponse{Success: false, Message: message}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Vault     string `json:"vault"`
	Timestamp int64  `json:"timestamp"`
}

// CreateTenantRequest 创建租户请求
type CreateTenantRequest struct {
	Slug string `json:"slug" binding:"required"`
	Name string `json:"name"`
}

// CreateProviderRequest 创建/更新后端请求
// Credential arrives in plaintext over the admin channel and is encrypted
// before it is stored; it is never echoed back.
type CreateProviderRequest struct {
	BackendType string   `json:"backend_type" binding:"required"`
	DisplayName string   `json:"display_name"`
	Credential  string   `json:"credential"`
	BaseURL     string   `json:"base_url"`
	Models      []string `json:"models"`
	Enabled     *bool    `json:"enabled"`
	IsDefault   *bool    `json:"is_default"`
}

// AssignmentRequest 创建/更新任务分配请求
type AssignmentRequest struct {
	TaskType string `json:"task_type" binding:"required,oneof=text image speech agent"`
	Strategy string `json:"strategy" binding:"omitempty,oneof=fallback round_robin"`

	ProviderID         *uint  `json:"provider_id"`
	Model              string `json:"model"`
	FallbackProviderID *uint  `json:"fallback_provider_id"`
	FallbackModel      string `json:"fallback_model"`

	Rotation []RotationEntry `json:"rotation"`
}

// ProviderView 后端的对外投影，凭证永远脱敏
type ProviderView struct {
	ID               uint     `json:"id"`
	TenantID         uint     `json:"tenant_id"`
	BackendType      string   `json:"backend_type"`
	DisplayName      string   `json:"display_name"`
	MaskedCredential string   `json:"masked_credential"`
	BaseURL          string   `json:"base_url,omitempty"`
	Models           []string `json:"models,omitempty"`
	Enabled          bool     `json:"enabled"`
	IsDefault        bool     `json:"is_default"`
}

// RouteResponse 路由解析结果
type RouteResponse struct {
	TaskType         string `json:"task_type"`
	TenantID         uint   `json:"tenant_id"`
	Strategy         string `json:"strategy"`
	ProviderID       uint   `json:"provider_id"`
	BackendType      string `json:"backend_type"`
	DisplayName      string `json:"display_name"`
	Model            string `json:"model"`
	BaseURL          string `json:"base_url,omitempty"`
	MaskedCredential string `json:"masked_credential"`
}
