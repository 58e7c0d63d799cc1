package application

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
)

// RenewalService 無人值守續期入口（cron / systemd timer 觸發）。
//
// 與交互式 renew 的差別只在運行紀律：整輪運行掐總時限、
// 從不提問（一律保守分支）、每個結果都落歷史、任一失敗以非零退出
// 讓 cron 郵件能報警。失敗絕不就地重試，ACME 的頻率限制專治重試狂。
type RenewalService struct {
	lifecycle *LifecycleService
	runCap    time.Duration
	log       *zap.Logger
}

// NewRenewalService 創建無人值守續期服務。
// runCap 為零時按 certbot 時限推一個寬鬆上限。
func NewRenewalService(lifecycle *LifecycleService, runCap time.Duration, log *zap.Logger) *RenewalService {
	if runCap <= 0 {
		// 單域名的流水線以 certbot 時限為大頭，留足清理餘量
		runCap = 15 * time.Minute
	}
	return &RenewalService{
		lifecycle: lifecycle,
		runCap:    runCap,
		log:       log,
	}
}

// Run 執行一輪無人值守續期。
// 返回非 nil 錯誤表示本輪至少有一個譜系沒續成，調用方應以非零退出。
func (s *RenewalService) Run(ctx context.Context) error {
	start := time.Now()
	s.log.Info("無人值守續期開始", zap.Duration("run_cap", s.runCap))

	ctx, cancel := context.WithTimeout(ctx, s.runCap)
	defer cancel()

	results, err := s.lifecycle.Renew(ctx)
	elapsed := time.Since(start)

	var failed []string
	for _, r := range results {
		field := zap.String("detail", r.Detail)
		switch {
		case r.Kind == certificate.ResultAlreadyValid:
			s.log.Info("未到續期窗口", zap.String("domain", r.Domain), field)
		case r.Kind.IsSuccess():
			s.log.Info("續期成功", zap.String("domain", r.Domain), field)
		default:
			s.log.Error("續期失敗",
				zap.String("domain", r.Domain),
				zap.String("result", r.Kind.String()),
				field)
			failed = append(failed, r.Domain)
		}
	}

	if err != nil {
		s.log.Error("無人值守續期異常結束",
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return err
	}
	if len(failed) > 0 {
		s.log.Error("無人值守續期部分失敗",
			zap.Strings("failed", failed),
			zap.Duration("elapsed", elapsed))
		return fmt.Errorf("%d 個證書續期失敗: %v", len(failed), failed)
	}

	s.log.Info("無人值守續期完成",
		zap.Int("processed", len(results)),
		zap.Duration("elapsed", elapsed))
	return nil
}
