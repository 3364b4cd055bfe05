package core

import (
	"io"
	"testing"

	"ai-dispatch/core/security"
	"ai-dispatch/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateCredentials(t *testing.T) {
	db := setupTestDB(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	vault, err := security.NewVault("migration-test-secret")
	require.NoError(t, err)

	tenant := createTenant(t, db, "acme")

	plain := &models.Provider{TenantID: tenant.ID, BackendType: "openai", Credential: "sk-legacy-plain", Enabled: true}
	require.NoError(t, db.Create(plain).Error)

	alreadyEnc, err := vault.Encrypt("sk-already-encrypted")
	require.NoError(t, err)
	encrypted := &models.Provider{TenantID: tenant.ID, BackendType: "anthropic", Credential: alreadyEnc, Enabled: true}
	require.NoError(t, db.Create(encrypted).Error)

	// 软删除的后端也要迁移，复活后不能暴露明文
	deleted := &models.Provider{TenantID: tenant.ID, BackendType: "mistral", Credential: "sk-deleted-plain", Enabled: true}
	require.NoError(t, db.Create(deleted).Error)
	require.NoError(t, db.Delete(deleted).Error)

	require.NoError(t, db.Create(&models.ServiceSettings{Port: 8000, SMTPPassword: "smtp-plain-password"}).Error)

	require.NoError(t, MigrateCredentials(db, vault, logger))

	// 查询目标每次用新结构体，避免已填充字段被折进查询条件
	var gotPlain models.Provider
	require.NoError(t, db.First(&gotPlain, plain.ID).Error)
	assert.True(t, security.IsEncrypted(gotPlain.Credential))
	dec, err := vault.Decrypt(gotPlain.Credential)
	require.NoError(t, err)
	assert.Equal(t, "sk-legacy-plain", dec)

	// 已加密的值保持原样，不被二次加密
	var gotEncrypted models.Provider
	require.NoError(t, db.First(&gotEncrypted, encrypted.ID).Error)
	assert.Equal(t, alreadyEnc, gotEncrypted.Credential)

	var gotDeleted models.Provider
	require.NoError(t, db.Unscoped().First(&gotDeleted, deleted.ID).Error)
	assert.True(t, security.IsEncrypted(gotDeleted.Credential))

	var settings models.ServiceSettings
	require.NoError(t, db.First(&settings).Error)
	assert.True(t, security.IsEncrypted(settings.SMTPPassword))
	dec, err = vault.Decrypt(settings.SMTPPassword)
	require.NoError(t, err)
	assert.Equal(t, "smtp-plain-password", dec)

	// 迁移是幂等的
	var before models.Provider
	require.NoError(t, db.First(&before, plain.ID).Error)
	require.NoError(t, MigrateCredentials(db, vault, logger))
	var after models.Provider
	require.NoError(t, db.First(&after, plain.ID).Error)
	assert.Equal(t, before.Credential, after.Credential)
}
