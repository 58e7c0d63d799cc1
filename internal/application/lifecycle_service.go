package application

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/infra/certbot"
	"github.com/Yat-Muk/certflow/internal/infra/certstore"
	"github.com/Yat-Muk/certflow/internal/infra/history"
	"github.com/Yat-Muk/certflow/internal/infra/nginx"
	"github.com/Yat-Muk/certflow/internal/infra/portlease"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
	"github.com/Yat-Muk/certflow/internal/pkg/lockfile"
	"github.com/Yat-Muk/certflow/internal/pkg/sanitizer"
)

// PortLeaser 端口租約管理
type PortLeaser interface {
	Acquire(ctx context.Context, ports []int) (*portlease.Lease, error)
	Release(lease *portlease.Lease)
}

// ChallengeServer HTTP-01 驗證應答
type ChallengeServer interface {
	Start() error
	Stop() error
}

// CertbotRunner 外部 ACME 客戶端調用
type CertbotRunner interface {
	Run(ctx context.Context, req certbot.Request) (*certbot.Outcome, error)
	Timeout() time.Duration
}

// CertStore 磁盤證書讀取與校驗
type CertStore interface {
	Status(domain string) (certificate.Status, error)
	Verify(domain string) error
	NormalizePermissions(domain string) error
	CheckRevocation(ctx context.Context, domain string) (certstore.RevocationStatus, error)
	Domains() ([]string, error)
	FullchainPath(domain string) string
	PrivkeyPath(domain string) string
}

// ProxyCoordinator 反向代理模式切換
type ProxyCoordinator interface {
	Mode() (proxy.Mode, error)
	SwitchTo(ctx context.Context, mode proxy.Mode, data nginx.TemplateData) error
	// IsRunning 與 EnsureRunning 服務於站點配置不歸本程序管的主機：
	// 騰空端口前記下代理是否在跑，清理時按原樣拉回，配置一概不碰
	IsRunning(ctx context.Context) (bool, error)
	EnsureRunning(ctx context.Context) error
}

// HistoryWriter 操作歷史寫入
type HistoryWriter interface {
	Append(ctx context.Context, e history.Entry) error
}

// Confirmer 交互確認。無人值守運行時為 nil，所有詢問都走保守分支。
type Confirmer interface {
	Confirm(prompt string) bool
}

// pipelineState 流水線狀態，只用於日誌與故障定位
type pipelineState int

const (
	stateIdle pipelineState = iota
	stateLeaseAcquired
	stateChallenging
	stateClientRunning
	stateVerifying
	stateReloading
)

func (s pipelineState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLeaseAcquired:
		return "lease_acquired"
	case stateChallenging:
		return "challenging"
	case stateClientRunning:
		return "client_running"
	case stateVerifying:
		return "verifying"
	case stateReloading:
		return "reloading"
	default:
		return "unknown"
	}
}

// restoreTimeout 清理階段恢復代理的時限。
// 主流程超時後清理仍要走完，所以用獨立的後台上下文。
const restoreTimeout = 30 * time.Second

// LifecycleService 證書生命週期編排。
//
// 流水線嚴格串行：租約 → 驗證應答 → certbot → 覆核 → 切換代理。
// 80 端口同一時刻只能被一個 ACME 驗證佔用，任何並行都是自相殘殺，
// 所以每個改動型操作先拿全局文件鎖，拿不到立即失敗。
// 失敗發生在哪個狀態都一樣：先停應答、釋放租約、恢復代理，再上報錯誤。
type LifecycleService struct {
	cfgRepo   config.Repository
	lock      *lockfile.Lock
	leaser    PortLeaser
	responder ChallengeServer
	acme      CertbotRunner
	store     CertStore
	coord     ProxyCoordinator
	history   HistoryWriter
	confirmer Confirmer
	log       *zap.Logger
}

// NewLifecycleService 創建編排服務。
// confirmer 為 nil 表示無人值守：不提問，一律走保守分支。
// historyW 為 nil 時跳過歷史記錄（僅測試場景）。
func NewLifecycleService(
	cfgRepo config.Repository,
	lock *lockfile.Lock,
	leaser PortLeaser,
	responder ChallengeServer,
	acme CertbotRunner,
	store CertStore,
	coord ProxyCoordinator,
	historyW HistoryWriter,
	confirmer Confirmer,
	log *zap.Logger,
) *LifecycleService {
	return &LifecycleService{
		cfgRepo:   cfgRepo,
		lock:      lock,
		leaser:    leaser,
		responder: responder,
		acme:      acme,
		store:     store,
		coord:     coord,
		history:   historyW,
		confirmer: confirmer,
		log:       log,
	}
}

// unattended 是否處於無人值守模式
func (s *LifecycleService) unattended() bool {
	return s.confirmer == nil
}

// Obtain 為域名走完整簽發流水線。
// 證書仍然遠未到期時：交互模式下詢問是否強制重簽，
// 無人值守或拒絕時返回 Skipped（命令以非零退出，因為沒做成要求的事）。
func (s *LifecycleService) Obtain(ctx context.Context, domain string, force bool) (*certificate.OperationResult, error) {
	if err := s.lock.TryAcquire(); err != nil {
		return nil, err
	}
	defer s.lock.Release()

	cfg, err := s.cfgRepo.Load(ctx)
	if err != nil {
		return nil, err
	}

	domains, err := resolveDomains(cfg, domain)
	if err != nil {
		return nil, err
	}
	primary := domains[0]

	// 證書還遠未到期就重簽會白白消耗簽發配額
	status, err := s.store.Status(primary)
	if err != nil {
		return nil, err
	}
	if status.Kind == certificate.StatusValid && !status.RenewalDue(cfg.Renewal.ThresholdDays) && !force {
		prompt := fmt.Sprintf("域名 %s 的證書仍有效（剩 %d 天），確認強制重簽？", primary, status.DaysRemaining)
		if s.unattended() || !s.confirmer.Confirm(prompt) {
			result := &certificate.OperationResult{
				RunID:  uuid.New().String(),
				Domain: primary,
				Kind:   certificate.ResultSkipped,
				Detail: fmt.Sprintf("證書仍有效，剩 %d 天；未強制重簽", status.DaysRemaining),
				Bundle: status.Bundle,
			}
			s.recordHistory(ctx, "obtain", result)
			return result, nil
		}
		force = true
	}

	result, err := s.runPipeline(ctx, cfg, domains, force, false)
	if result != nil {
		s.recordHistory(ctx, "obtain", result)
	}
	return result, err
}

// Renew 續期所有到了續期窗口的證書譜系。
// 未到窗口的譜系不調用任何子進程，直接記為 AlreadyValid。
func (s *LifecycleService) Renew(ctx context.Context) ([]*certificate.OperationResult, error) {
	if err := s.lock.TryAcquire(); err != nil {
		return nil, err
	}
	defer s.lock.Release()

	cfg, err := s.cfgRepo.Load(ctx)
	if err != nil {
		return nil, err
	}

	lineages, err := s.store.Domains()
	if err != nil {
		return nil, err
	}
	if len(lineages) == 0 {
		s.log.Info("沒有已簽發的證書，無可續期")
		return nil, nil
	}
	if len(lineages) > cfg.Renewal.MaxPerRun {
		s.log.Warn("證書數量超出單次處理上限，餘下的留待下次運行",
			zap.Int("total", len(lineages)),
			zap.Int("max_per_run", cfg.Renewal.MaxPerRun))
		lineages = lineages[:cfg.Renewal.MaxPerRun]
	}

	var results []*certificate.OperationResult
	var firstErr error
	for _, lineage := range lineages {
		result, renewErr := s.renewOne(ctx, cfg, lineage)
		if result != nil {
			s.recordHistory(ctx, "renew", result)
			results = append(results, result)
		}
		if renewErr != nil && firstErr == nil {
			firstErr = renewErr
		}
		if renewErr != nil {
			s.log.Error("續期失敗",
				zap.String("domain", lineage),
				zap.Error(renewErr))
		}
	}
	return results, firstErr
}

// renewOne 處理單個證書譜系
func (s *LifecycleService) renewOne(ctx context.Context, cfg *config.Config, lineage string) (*certificate.OperationResult, error) {
	status, err := s.store.Status(lineage)
	if err != nil {
		return nil, err
	}

	// 閾值含等於：剩 30 天整也要續
	if status.Kind == certificate.StatusValid && !status.RenewalDue(cfg.Renewal.ThresholdDays) {
		s.log.Info("證書未到續期窗口",
			zap.String("domain", lineage),
			zap.Int("days_remaining", status.DaysRemaining),
			zap.Int("threshold", cfg.Renewal.ThresholdDays))
		return &certificate.OperationResult{
			RunID:  uuid.New().String(),
			Domain: lineage,
			Kind:   certificate.ResultAlreadyValid,
			Detail: fmt.Sprintf("剩 %d 天，閾值 %d 天", status.DaysRemaining, cfg.Renewal.ThresholdDays),
			Bundle: status.Bundle,
		}, nil
	}

	domains := lineageDomains(cfg, lineage)
	return s.runPipeline(ctx, cfg, domains, false, false)
}

// TestRenewal 續期演練：走測試環境的完整流水線，不簽發真證書。
// 演練本來就是為了預檢配置，不受續期窗口限制。
func (s *LifecycleService) TestRenewal(ctx context.Context, domain string) (*certificate.OperationResult, error) {
	if err := s.lock.TryAcquire(); err != nil {
		return nil, err
	}
	defer s.lock.Release()

	cfg, err := s.cfgRepo.Load(ctx)
	if err != nil {
		return nil, err
	}

	domains, err := resolveDomains(cfg, domain)
	if err != nil {
		return nil, err
	}

	result, err := s.runPipeline(ctx, cfg, domains, false, true)
	if result != nil {
		s.recordHistory(ctx, "test-renewal", result)
	}
	return result, err
}

// SwitchMode 手動切換代理模式。
// full_tls 的證書前提由協調器把關，這裡不重複檢查。
func (s *LifecycleService) SwitchMode(ctx context.Context, mode proxy.Mode) error {
	if err := s.lock.TryAcquire(); err != nil {
		return err
	}
	defer s.lock.Release()

	cfg, err := s.cfgRepo.Load(ctx)
	if err != nil {
		return err
	}
	domains, err := resolveDomains(cfg, "")
	if err != nil {
		return err
	}
	return s.coord.SwitchTo(ctx, mode, s.templateData(cfg, domains, domains[0]))
}

// DomainReport 單個域名的狀態報告
type DomainReport struct {
	Domain     string
	Status     certificate.Status
	Revocation certstore.RevocationStatus
	Err        error
}

// CheckReport check 命令的只讀報告
type CheckReport struct {
	Mode    proxy.Mode
	Domains []DomainReport
}

// Check 只讀狀態報告：代理模式、每個譜系的證書狀態與吊銷查詢。
// 不拿鎖、不改任何東西，永遠安全。
func (s *LifecycleService) Check(ctx context.Context) (*CheckReport, error) {
	mode, err := s.coord.Mode()
	if err != nil {
		s.log.Warn("讀取代理模式失敗", zap.Error(err))
	}
	report := &CheckReport{Mode: mode}

	cfg, err := s.cfgRepo.Load(ctx)
	if err != nil {
		return nil, err
	}

	lineages, err := s.store.Domains()
	if err != nil {
		return nil, err
	}
	// 配置了但還沒簽發的主域名也要出現在報告裡
	if primary := cfg.PrimaryDomain(); primary != "" && !containsString(lineages, primary) {
		lineages = append([]string{primary}, lineages...)
	}

	for _, d := range lineages {
		dr := DomainReport{Domain: d}
		dr.Status, dr.Err = s.store.Status(d)
		if dr.Err == nil && dr.Status.Kind == certificate.StatusValid {
			// 盡力而為，查不到不影響報告
			dr.Revocation, _ = s.store.CheckRevocation(ctx, d)
		}
		report.Domains = append(report.Domains, dr)
	}
	return report, nil
}

// runPipeline 執行一次完整的取證流水線。
//
// 成功路徑：idle → lease_acquired → challenging → client_running →
// verifying → reloading → idle。任何一步失敗都經同一個清理出口：
// 停應答、釋放租約、恢復代理，順序不能亂（應答不停，80 端口讓不出來）。
func (s *LifecycleService) runPipeline(ctx context.Context, cfg *config.Config, domains []string, force, dryRun bool) (*certificate.OperationResult, error) {
	primary := domains[0]
	runID := uuid.New().String()
	log := s.log.With(zap.String("run_id", runID), zap.String("domain", primary))

	result := &certificate.OperationResult{RunID: runID, Domain: primary}

	// 整條流水線掐總時限，cron 觸發的任務絕不能無限掛住
	ctx, cancel := context.WithTimeout(ctx, s.acme.Timeout()+2*time.Minute)
	defer cancel()

	prevMode, err := s.coord.Mode()
	if err != nil {
		return nil, err
	}

	// 站點配置未託管時騰空端口照樣會殺掉正在跑的代理，
	// 先記下它的運行狀態，清理階段才知道要不要拉回來
	prevRunning := false
	if prevMode == "" {
		if running, runErr := s.coord.IsRunning(ctx); runErr == nil {
			prevRunning = running
		}
	}

	var lease *portlease.Lease
	needRestore := true
	state := stateIdle

	defer func() {
		// 清理順序固定：應答 → 租約 → 代理
		if stopErr := s.responder.Stop(); stopErr != nil {
			log.Warn("停止驗證應答失敗", zap.Error(stopErr))
		}
		s.leaser.Release(lease)
		if needRestore {
			s.restoreProxy(cfg, domains, prevMode, prevRunning, log)
		}
		log.Info("流水線結束",
			zap.String("last_state", state.String()),
			zap.String("result", result.Kind.String()))
	}()

	// 1. 騰空端口
	lease, err = s.leaser.Acquire(ctx, cfg.Lease.Ports)
	if err != nil {
		return nil, err
	}
	state = stateLeaseAcquired
	log.Info("端口租約就緒", zap.String("lease_id", lease.ID))

	// 2. 啟動驗證應答
	state = stateChallenging
	if err := s.responder.Start(); err != nil {
		return nil, err
	}

	// 3. 調用 certbot
	state = stateClientRunning
	outcome, err := s.acme.Run(ctx, certbot.Request{
		Domains:      domains,
		Email:        cfg.Email,
		Webroot:      cfg.Certbot.Webroot,
		DryRun:       dryRun,
		ForceRenewal: force,
	})
	if err != nil {
		return nil, err
	}

	// 應答服務的使命到此為止，成敗都立即關掉
	if stopErr := s.responder.Stop(); stopErr != nil {
		log.Warn("停止驗證應答失敗", zap.Error(stopErr))
	}

	result.Kind = outcome.Kind
	result.Detail = outcomeDetail(outcome)

	// 演練不落盤、不切模式，恢復原狀直接收工
	if dryRun {
		return result, nil
	}

	if !outcome.Kind.IsSuccess() {
		return s.handleFailure(ctx, cfg, domains, prevMode, result, &needRestore, log)
	}

	// 4. 覆核磁盤上的證書，certbot 的「成功」必須經得起驗證
	state = stateVerifying
	if err := s.store.Verify(primary); err != nil {
		result.Kind = certificate.ResultUnknown
		result.Detail = err.Error()
		return result, errors.Wrap(err, "LIFE001",
			"certbot 聲稱成功但磁盤上的證書未通過覆核，外部工具狀態已失同步")
	}
	if err := s.store.NormalizePermissions(primary); err != nil {
		return result, err
	}
	status, err := s.store.Status(primary)
	if err != nil {
		return result, err
	}
	result.Bundle = status.Bundle

	// 5. 切換代理到 TLS 模式
	state = stateReloading
	if err := s.coord.SwitchTo(ctx, proxy.ModeFullTLS, s.templateData(cfg, domains, primary)); err != nil {
		return result, err
	}

	needRestore = false
	log.Info("證書流水線完成",
		zap.String("result", result.Kind.String()),
		zap.Int("days_remaining", status.DaysRemaining))
	return result, nil
}

// handleFailure 簽發失敗的收尾：默認恢復原模式；
// 交互模式下可選擇降級到 http_only，讓站點先以純 HTTP 活著。
func (s *LifecycleService) handleFailure(ctx context.Context, cfg *config.Config, domains []string, prevMode proxy.Mode, result *certificate.OperationResult, needRestore *bool, log *zap.Logger) (*certificate.OperationResult, error) {
	log.Warn("證書簽發未成功",
		zap.String("result", result.Kind.String()),
		zap.String("detail", result.Detail))

	if result.Kind == certificate.ResultRateLimited {
		// 頻率限制絕不自動重試，重試只會把封鎖期拖得更長
		log.Warn("已觸發簽發頻率限制，請等待限制解除後再試")
	}

	if s.unattended() || prevMode == proxy.ModeFullTLS {
		return result, nil
	}

	if s.confirmer.Confirm("簽發失敗。將代理降級到 http_only 模式讓站點保持可達？") {
		data := s.templateData(cfg, domains, result.Domain)
		if err := s.coord.SwitchTo(ctx, proxy.ModeHTTPOnly, data); err != nil {
			log.Error("降級到 http_only 失敗", zap.Error(err))
			return result, nil
		}
		result.FellBack = true
		*needRestore = false
	}
	return result, nil
}

// restoreProxy 把代理恢復到流水線開始前的模式。
// 主上下文可能已超時，恢復必須照常執行，所以另起後台上下文。
func (s *LifecycleService) restoreProxy(cfg *config.Config, domains []string, prevMode proxy.Mode, prevRunning bool, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	if prevMode == "" {
		// 站點配置不歸本程序管：配置一概不碰，
		// 但騰空端口殺掉的代理要按開工前的狀態拉回來
		if !prevRunning {
			return
		}
		if err := s.coord.EnsureRunning(ctx); err != nil {
			log.Error("恢復未託管的代理失敗，站點可能已下線", zap.Error(err))
			return
		}
		log.Info("未託管的代理已按原樣拉起")
		return
	}

	primary := domains[0]
	if err := s.coord.SwitchTo(ctx, prevMode, s.templateData(cfg, domains, primary)); err != nil {
		log.Error("恢復代理模式失敗，代理可能停留在非預期狀態",
			zap.String("mode", prevMode.String()),
			zap.Error(err))
		return
	}
	log.Info("代理已恢復原模式", zap.String("mode", prevMode.String()))
}

// templateData 構造站點配置的渲染參數
func (s *LifecycleService) templateData(cfg *config.Config, domains []string, primary string) nginx.TemplateData {
	return nginx.TemplateData{
		ServerNames:   strings.Join(domains, " "),
		Webroot:       cfg.Certbot.Webroot,
		Upstream:      cfg.Upstream,
		FullchainPath: s.store.FullchainPath(primary),
		PrivkeyPath:   s.store.PrivkeyPath(primary),
	}
}

// recordHistory 寫入操作歷史，失敗只記日誌不影響主流程
func (s *LifecycleService) recordHistory(ctx context.Context, command string, result *certificate.OperationResult) {
	if s.history == nil {
		return
	}
	err := s.history.Append(ctx, history.Entry{
		RunID:   result.RunID,
		Time:    time.Now(),
		Command: command,
		Domain:  result.Domain,
		Kind:    result.Kind,
		Detail:  result.Detail,
	})
	if err != nil {
		s.log.Warn("寫入操作歷史失敗", zap.Error(err))
	}
}

// resolveDomains 確定本次操作覆蓋的域名列表。
// 指定主域名或不指定時用配置的完整列表（一張證書覆蓋全部），
// 指定其他域名時只簽它自己。
func resolveDomains(cfg *config.Config, domain string) ([]string, error) {
	if domain == "" {
		domain = cfg.PrimaryDomain()
	}
	if domain == "" {
		return nil, errors.New("LIFE002", "未指定域名，請用 -domain 傳入或寫進配置文件")
	}
	if domain == cfg.PrimaryDomain() {
		return append([]string(nil), cfg.Domains...), nil
	}
	return []string{domain}, nil
}

// lineageDomains 續期時某個譜系要覆蓋的域名
func lineageDomains(cfg *config.Config, lineage string) []string {
	if lineage == cfg.PrimaryDomain() {
		return append([]string(nil), cfg.Domains...)
	}
	return []string{lineage}
}

// outcomeDetail 把 certbot 結果濃縮成一條適合入庫的說明
func outcomeDetail(outcome *certbot.Outcome) string {
	if outcome.Kind.IsSuccess() {
		if outcome.Phrase != "" {
			return outcome.Phrase
		}
		return outcome.Kind.String()
	}
	detail := sanitizer.Tail(outcome.Output, 8)
	if outcome.Phrase != "" && detail == "" {
		return outcome.Phrase
	}
	return detail
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
