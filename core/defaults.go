package core

import "ai-dispatch/models"

// TaskConfig 某个 (tenant, task) 的运行时合并视图
// Either a tenant assignment translated into this shape, or a compiled
// default when no override exists. BackendType is the required backend type
// used by the type-based lookup when no explicit provider id matches.
type TaskConfig struct {
	TaskType    string
	Strategy    string
	BackendType string

	ProviderID uint // 0 表示未指定
	Model      string

	FallbackProviderID uint
	FallbackModel      string

	Rotation []models.RotationEntry
}

// compiledDefaults 编译期默认配置：每个任务类型都必须可解析
func compiledDefaults() map[string]TaskConfig {
	return map[string]TaskConfig{
		models.TaskText: {
			TaskType:    models.TaskText,
			Strategy:    models.StrategyFallback,
			BackendType: "openai",
			Model:       "gpt-4o-mini",
		},
		models.TaskImage: {
			TaskType:    models.TaskImage,
			Strategy:    models.StrategyFallback,
			BackendType: "openai",
			Model:       "dall-e-3",
		},
		models.TaskSpeech: {
			TaskType:    models.TaskSpeech,
			Strategy:    models.StrategyFallback,
			BackendType: "elevenlabs",
			Model:       "eleven_multilingual_v2",
		},
		models.TaskAgent: {
			TaskType:    models.TaskAgent,
			Strategy:    models.StrategyFallback,
			BackendType: "openai",
			Model:       "gpt-4o",
		},
	}
}

// cloneConfigs 深拷贝配置表，避免缓存条目间共享轮询切片
func cloneConfigs(src map[string]TaskConfig) map[string]TaskConfig {
	out := make(map[string]TaskConfig, len(src))
	for k, cfg := range src {
		if len(cfg.Rotation) > 0 {
			rotation := make([]models.RotationEntry, len(cfg.Rotation))
			copy(rotation, cfg.Rotation)
			cfg.Rotation = rotation
		}
		out[k] = cfg
	}
	return out
}
