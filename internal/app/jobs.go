package app

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/talkincode/whatsdash/internal/domain"
	"go.uber.org/zap"
)

const oprLogRetention = 365 * 24 * time.Hour

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, err := time.LoadLocation(a.appConfig.System.Location)
	if err != nil {
		loc = time.Local
	}
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	_, err = a.sched.AddFunc("@daily", a.pruneOprLogs)
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}
}

// pruneOprLogs deletes audit entries older than one year.
func (a *Application) pruneOprLogs() {
	res := a.gormDB.
		Where("opt_time < ?", time.Now().Add(-oprLogRetention)).
		Delete(&domain.SysOprLog{})
	if res.Error != nil {
		zap.L().Error("prune operation logs failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		zap.L().Info("pruned operation logs", zap.Int64("count", res.RowsAffected))
	}
}
