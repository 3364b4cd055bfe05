package core

import (
	"fmt"

	"ai-dispatch/core/security"
	"ai-dispatch/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MigrateCredentials 惰性迁移：把仍以明文存储的凭证补加密
// Runs at startup. Soft-deleted providers are included so a later revival
// never resurfaces a plaintext credential.
func MigrateCredentials(db *gorm.DB, vault *security.Vault, logger *logrus.Logger) error {
	var providers []models.Provider
	if err := db.Unscoped().Where("credential <> ''").Find(&providers).Error; err != nil {
		return fmt.Errorf("credential migration: %w", err)
	}

	migrated := 0
	for i := range providers {
		p := &providers[i]
		if security.IsEncrypted(p.Credential) {
			continue
		}
		enc, err := vault.Encrypt(p.Credential)
		if err != nil {
			return fmt.Errorf("credential migration: provider %d: %w", p.ID, err)
		}
		if err := db.Unscoped().Model(p).Update("credential", enc).Error; err != nil {
			return fmt.Errorf("credential migration: provider %d: %w", p.ID, err)
		}
		migrated++
	}

	var settings models.ServiceSettings
	if err := db.First(&settings).Error; err == nil {
		if settings.SMTPPassword != "" && !security.IsEncrypted(settings.SMTPPassword) {
			enc, err := vault.Encrypt(settings.SMTPPassword)
			if err != nil {
				return fmt.Errorf("credential migration: smtp password: %w", err)
			}
			if err := db.Model(&settings).Update("smtp_password", enc).Error; err != nil {
				return fmt.Errorf("credential migration: smtp password: %w", err)
			}
			migrated++
		}
	}

	if migrated > 0 {
		logger.Infof("Migrated %d plaintext credentials to encrypted storage", migrated)
	}
	return nil
}
