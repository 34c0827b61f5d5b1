package app

import (
	"errors"
	"strings"

	"github.com/talkincode/whatsdash/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// checkGatewayConfig makes sure the default operator owns a gateway row.
// The row starts empty so every field falls back to the gateway section of
// the configuration until an administrator edits it.
func (a *Application) checkGatewayConfig() {
	owner := strings.TrimSpace(a.appConfig.Gateway.DefaultOwner)
	if owner == "" {
		return
	}
	var row domain.GatewayConfig
	err := a.gormDB.Where("owner_id = ?", owner).First(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := a.gormDB.Create(&domain.GatewayConfig{OwnerID: owner}).Error; err != nil {
			zap.L().Error("failed to create default gateway config", zap.Error(err))
			return
		}
		zap.L().Info("initialized default gateway config", zap.String("owner", owner))
	case err != nil:
		zap.L().Error("failed to query default gateway config", zap.Error(err))
	}
}
