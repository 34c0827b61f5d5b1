package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/whatsdash/internal/domain"
	"github.com/talkincode/whatsdash/internal/webserver"
	"github.com/talkincode/whatsdash/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func registerOprLogRoutes() {
	webserver.ApiGET("/system/oprlogs", listOprLogs)
}

// writeOprLog records an operator action. Failures are logged only.
func writeOprLog(c echo.Context, action, desc string) {
	entry := &domain.SysOprLog{
		ID:        common.UUIDint64(),
		OprName:   GetOperatorID(c),
		OprIp:     c.RealIP(),
		OptAction: action,
		OptDesc:   desc,
		OptTime:   time.Now(),
	}
	if err := GetDB(c).Create(entry).Error; err != nil {
		zap.L().Warn("adminapi: write operation log failed", zap.String("action", action), zap.Error(err))
	}
}

// listOprLogs lists the calling operator's audit entries, newest first.
func listOprLogs(c echo.Context) error {
	page, pageSize := parsePagination(c)
	action := strings.TrimSpace(c.QueryParam("action"))
	query := func() *gorm.DB {
		db := GetDB(c).Model(&domain.SysOprLog{}).Where("opr_name = ?", GetOperatorID(c))
		if action != "" {
			db = db.Where("opt_action = ?", action)
		}
		return db
	}

	var total int64
	if err := query().Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count operation logs", err.Error())
	}
	var logs []domain.SysOprLog
	if err := query().Order("opt_time DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&logs).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query operation logs", err.Error())
	}
	return paged(c, logs, total, page, pageSize)
}
