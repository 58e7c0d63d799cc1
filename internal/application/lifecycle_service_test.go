package application

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/infra/certbot"
	"github.com/Yat-Muk/certflow/internal/infra/certstore"
	"github.com/Yat-Muk/certflow/internal/infra/nginx"
	"github.com/Yat-Muk/certflow/internal/infra/portlease"
	pkgerrors "github.com/Yat-Muk/certflow/internal/pkg/errors"
	"github.com/Yat-Muk/certflow/internal/pkg/lockfile"
)

// — 測試替身 —

type mockCfgRepo struct {
	cfg *config.Config
}

func (m *mockCfgRepo) Load(context.Context) (*config.Config, error) {
	return m.cfg.DeepCopy(), nil
}

func (m *mockCfgRepo) Save(_ context.Context, c *config.Config) error {
	m.cfg = c.DeepCopy()
	return nil
}

type mockLeaser struct {
	acquireErr error
	acquired   int
	released   int
}

func (m *mockLeaser) Acquire(_ context.Context, ports []int) (*portlease.Lease, error) {
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	m.acquired++
	return &portlease.Lease{ID: "lease-test", Ports: ports}, nil
}

func (m *mockLeaser) Release(lease *portlease.Lease) {
	if lease == nil {
		return
	}
	m.released++
}

type mockResponder struct {
	startErr error
	started  int
	stopped  int
}

func (m *mockResponder) Start() error {
	if m.startErr != nil {
		return m.startErr
	}
	m.started++
	return nil
}

func (m *mockResponder) Stop() error {
	m.stopped++
	return nil
}

type mockRunner struct {
	outcome *certbot.Outcome
	runs    int
	lastReq certbot.Request
}

func (m *mockRunner) Run(_ context.Context, req certbot.Request) (*certbot.Outcome, error) {
	m.runs++
	m.lastReq = req
	return m.outcome, nil
}

func (m *mockRunner) Timeout() time.Duration { return 2 * time.Minute }

type mockStore struct {
	statuses   map[string]certificate.Status
	lineages   []string
	verifyErr  error
	verified   int
	normalized int
}

func (m *mockStore) Status(domain string) (certificate.Status, error) {
	if st, ok := m.statuses[domain]; ok {
		return st, nil
	}
	return certificate.Status{Kind: certificate.StatusMissing}, nil
}

func (m *mockStore) Verify(string) error {
	m.verified++
	return m.verifyErr
}

func (m *mockStore) NormalizePermissions(string) error {
	m.normalized++
	return nil
}

func (m *mockStore) CheckRevocation(context.Context, string) (certstore.RevocationStatus, error) {
	return certstore.RevocationGood, nil
}

func (m *mockStore) Domains() ([]string, error) { return m.lineages, nil }

func (m *mockStore) FullchainPath(domain string) string {
	return "/etc/letsencrypt/live/" + domain + "/fullchain.pem"
}

func (m *mockStore) PrivkeyPath(domain string) string {
	return "/etc/letsencrypt/live/" + domain + "/privkey.pem"
}

type mockCoordinator struct {
	mode     proxy.Mode
	running  bool
	switched []proxy.Mode
	ensured  int
}

func (m *mockCoordinator) Mode() (proxy.Mode, error) { return m.mode, nil }

func (m *mockCoordinator) SwitchTo(_ context.Context, mode proxy.Mode, _ nginx.TemplateData) error {
	m.switched = append(m.switched, mode)
	m.mode = mode
	return nil
}

func (m *mockCoordinator) IsRunning(context.Context) (bool, error) { return m.running, nil }

func (m *mockCoordinator) EnsureRunning(context.Context) error {
	m.ensured++
	m.running = true
	return nil
}

type yesConfirmer struct{ asked []string }

func (c *yesConfirmer) Confirm(prompt string) bool {
	c.asked = append(c.asked, prompt)
	return true
}

type noConfirmer struct{}

func (noConfirmer) Confirm(string) bool { return false }

// — 測試固件 —

type fixture struct {
	svc       *LifecycleService
	leaser    *mockLeaser
	responder *mockResponder
	runner    *mockRunner
	store     *mockStore
	coord     *mockCoordinator
}

func newFixture(t *testing.T, confirmer Confirmer) *fixture {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Domains = []string{"example.com", "www.example.com"}
	cfg.Email = "ops@example.com"

	f := &fixture{
		leaser:    &mockLeaser{},
		responder: &mockResponder{},
		runner: &mockRunner{outcome: &certbot.Outcome{
			Kind:   certificate.ResultObtained,
			Phrase: "successfully received certificate",
		}},
		store: &mockStore{statuses: map[string]certificate.Status{}},
		coord: &mockCoordinator{mode: proxy.ModeValidationOnly},
	}

	lock := lockfile.New(filepath.Join(t.TempDir(), "certflow.lock"))
	f.svc = NewLifecycleService(&mockCfgRepo{cfg: cfg}, lock,
		f.leaser, f.responder, f.runner, f.store, f.coord, nil, confirmer, zap.NewNop())
	return f
}

func validStatus(days int) certificate.Status {
	return certificate.Status{
		Kind:          certificate.StatusValid,
		DaysRemaining: days,
		Bundle:        &certificate.Bundle{Domain: "example.com"},
	}
}

// — 測試 —

func TestObtainSuccessEndsInFullTLS(t *testing.T) {
	f := newFixture(t, nil)
	// 簽發成功後 Status 要能讀到新證書
	f.store.statuses["example.com"] = validStatus(89)

	result, err := f.svc.Obtain(context.Background(), "", true)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if result.Kind != certificate.ResultObtained {
		t.Errorf("結果類型錯誤: %s", result.Kind)
	}

	// 覆核與權限歸位必須發生
	if f.store.verified != 1 || f.store.normalized != 1 {
		t.Errorf("覆核/權限歸位次數錯誤: verified=%d normalized=%d", f.store.verified, f.store.normalized)
	}

	// 終態是 full_tls
	if f.coord.mode != proxy.ModeFullTLS {
		t.Errorf("終態代理模式錯誤: %s", f.coord.mode)
	}

	// 清理照常執行：應答停了、租約放了
	if f.responder.stopped == 0 {
		t.Error("驗證應答未停止")
	}
	if f.leaser.released != 1 {
		t.Errorf("租約釋放次數錯誤: %d", f.leaser.released)
	}

	// 域名列表完整傳給 certbot
	if len(f.runner.lastReq.Domains) != 2 {
		t.Errorf("certbot 域名列表錯誤: %v", f.runner.lastReq.Domains)
	}
}

func TestObtainStillValidUnattendedSkips(t *testing.T) {
	f := newFixture(t, nil)
	f.store.statuses["example.com"] = validStatus(61)

	result, err := f.svc.Obtain(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if result.Kind != certificate.ResultSkipped {
		t.Errorf("結果類型錯誤: %s", result.Kind)
	}
	if f.runner.runs != 0 {
		t.Errorf("不應調用 certbot，實際調用 %d 次", f.runner.runs)
	}
	if result.ExitSuccess() {
		t.Error("Skipped 不應算作成功退出")
	}
}

func TestObtainStillValidDeclinedSkips(t *testing.T) {
	f := newFixture(t, noConfirmer{})
	f.store.statuses["example.com"] = validStatus(61)

	result, err := f.svc.Obtain(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if result.Kind != certificate.ResultSkipped {
		t.Errorf("結果類型錯誤: %s", result.Kind)
	}
}

func TestObtainStillValidConfirmedForces(t *testing.T) {
	confirmer := &yesConfirmer{}
	f := newFixture(t, confirmer)
	f.store.statuses["example.com"] = validStatus(61)

	_, err := f.svc.Obtain(context.Background(), "", false)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if f.runner.runs != 1 {
		t.Errorf("certbot 調用次數錯誤: %d", f.runner.runs)
	}
	if !f.runner.lastReq.ForceRenewal {
		t.Error("確認後應帶 --force-renewal")
	}
	if len(confirmer.asked) == 0 {
		t.Error("未向操作者確認")
	}
}

func TestRateLimitedRestoresPriorMode(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.mode = proxy.ModeHTTPOnly
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultRateLimited,
		Phrase: "too many certificates",
		Output: "Error creating new order :: too many certificates",
	}

	result, err := f.svc.Obtain(context.Background(), "", true)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if result.Kind != certificate.ResultRateLimited {
		t.Errorf("結果類型錯誤: %s", result.Kind)
	}
	if result.ExitSuccess() {
		t.Error("RateLimited 不應算作成功退出")
	}

	// 代理模式與調用前一致
	if f.coord.mode != proxy.ModeHTTPOnly {
		t.Errorf("代理模式應保持 http_only，實際: %s", f.coord.mode)
	}
	// 不應切過 full_tls
	for _, m := range f.coord.switched {
		if m == proxy.ModeFullTLS {
			t.Error("失敗流程不應切換到 full_tls")
		}
	}
}

func TestValidationFailedAcceptedFallback(t *testing.T) {
	confirmer := &yesConfirmer{}
	f := newFixture(t, confirmer)
	f.coord.mode = proxy.ModeValidationOnly
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultValidationFailed,
		Phrase: "some challenges have failed",
		Output: "Some challenges have failed.",
	}

	result, err := f.svc.Obtain(context.Background(), "", true)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if !result.FellBack {
		t.Error("接受降級後 FellBack 應為 true")
	}
	if !result.ExitSuccess() {
		t.Error("接受降級後應算作成功退出")
	}
	if f.coord.mode != proxy.ModeHTTPOnly {
		t.Errorf("降級後代理模式錯誤: %s", f.coord.mode)
	}
}

func TestDryRunNeverTouchesStore(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.mode = proxy.ModeValidationOnly
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultObtained,
		Phrase: "the dry run was successful",
	}

	result, err := f.svc.TestRenewal(context.Background(), "")
	if err != nil {
		t.Fatalf("TestRenewal failed: %v", err)
	}
	if !f.runner.lastReq.DryRun {
		t.Error("演練應帶 --dry-run")
	}
	if f.store.verified != 0 || f.store.normalized != 0 {
		t.Error("演練不應觸碰證書存儲")
	}
	if !result.Kind.IsSuccess() {
		t.Errorf("演練結果錯誤: %s", result.Kind)
	}
	// 演練結束恢復原模式，不切 full_tls
	if f.coord.mode != proxy.ModeValidationOnly {
		t.Errorf("演練後代理模式錯誤: %s", f.coord.mode)
	}
}

func TestRenewNotDueSkipsSubprocess(t *testing.T) {
	f := newFixture(t, nil)
	f.store.lineages = []string{"example.com"}
	f.store.statuses["example.com"] = validStatus(31)

	results, err := f.svc.Renew(context.Background())
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("結果數量錯誤: %d", len(results))
	}
	if results[0].Kind != certificate.ResultAlreadyValid {
		t.Errorf("結果類型錯誤: %s", results[0].Kind)
	}
	if f.runner.runs != 0 {
		t.Errorf("未到期不應調用 certbot，實際 %d 次", f.runner.runs)
	}
}

// 閾值含等於：剩 30 天整也要續
func TestRenewDueAtExactThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.store.lineages = []string{"example.com"}
	f.store.statuses["example.com"] = validStatus(30)
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultRenewed,
		Phrase: "renewing an existing certificate",
	}

	results, err := f.svc.Renew(context.Background())
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if f.runner.runs != 1 {
		t.Errorf("剩 30 天整應觸發續期，certbot 調用 %d 次", f.runner.runs)
	}
	if results[0].Kind != certificate.ResultRenewed {
		t.Errorf("結果類型錯誤: %s", results[0].Kind)
	}
}

func TestRenewExpiredIsDue(t *testing.T) {
	f := newFixture(t, nil)
	f.store.lineages = []string{"example.com"}
	f.store.statuses["example.com"] = certificate.Status{
		Kind:          certificate.StatusExpired,
		DaysRemaining: -3,
		Bundle:        &certificate.Bundle{Domain: "example.com"},
	}
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultRenewed,
		Phrase: "renewing an existing certificate",
	}

	if _, err := f.svc.Renew(context.Background()); err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if f.runner.runs != 1 {
		t.Errorf("過期證書應觸發續期，certbot 調用 %d 次", f.runner.runs)
	}
}

func TestRenewNothingIssuedIsNoop(t *testing.T) {
	f := newFixture(t, nil)

	results, err := f.svc.Renew(context.Background())
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if len(results) != 0 || f.runner.runs != 0 {
		t.Error("沒有證書時續期應是空操作")
	}
}

// 同一時刻只允許一次證書操作：第二個調用者快速失敗
func TestConcurrentInvocationFailsFast(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "certflow.lock")

	holder := lockfile.New(lockPath)
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("預佔鎖失敗: %v", err)
	}
	defer holder.Release()

	cfg := config.DefaultConfig()
	cfg.Domains = []string{"example.com"}
	svc := NewLifecycleService(&mockCfgRepo{cfg: cfg}, lockfile.New(lockPath),
		&mockLeaser{}, &mockResponder{}, &mockRunner{}, &mockStore{statuses: map[string]certificate.Status{}},
		&mockCoordinator{}, nil, nil, zap.NewNop())

	_, err := svc.Renew(context.Background())
	if !errors.Is(err, pkgerrors.ErrLockHeld) {
		t.Errorf("期望 ErrLockHeld，實際: %v", err)
	}
}

func TestLeaseFailureCleansUpWithoutMutation(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.mode = proxy.ModeHTTPOnly
	f.leaser.acquireErr = pkgerrors.Wrap(pkgerrors.ErrPortBusy, "PORT002", "端口 80 仍被佔用")

	_, err := f.svc.Obtain(context.Background(), "", true)
	if !errors.Is(err, pkgerrors.ErrPortBusy) {
		t.Errorf("期望 ErrPortBusy，實際: %v", err)
	}
	if f.runner.runs != 0 {
		t.Error("租約失敗後不應調用 certbot")
	}
}

func TestChallengeBindFailureReleasesLease(t *testing.T) {
	f := newFixture(t, nil)
	f.responder.startErr = pkgerrors.Wrap(pkgerrors.ErrChallengeBindFailed, "CHAL001", "綁定 :80 失敗")

	_, err := f.svc.Obtain(context.Background(), "", true)
	if !errors.Is(err, pkgerrors.ErrChallengeBindFailed) {
		t.Errorf("期望 ErrChallengeBindFailed，實際: %v", err)
	}
	if f.leaser.released != 1 {
		t.Errorf("租約釋放次數錯誤: %d", f.leaser.released)
	}
	if f.runner.runs != 0 {
		t.Error("綁定失敗後不應調用 certbot")
	}
}

func TestVerifyFailureIsLoud(t *testing.T) {
	f := newFixture(t, nil)
	f.store.verifyErr = pkgerrors.Wrap(pkgerrors.ErrBundleIncomplete, "STORE001", "證書文件組殘缺")

	_, err := f.svc.Obtain(context.Background(), "", true)
	if err == nil {
		t.Fatal("覆核失敗必須上報錯誤")
	}
	if !errors.Is(err, pkgerrors.ErrBundleIncomplete) {
		t.Errorf("期望 ErrBundleIncomplete，實際: %v", err)
	}
	// 壞證書絕不能切 full_tls
	for _, m := range f.coord.switched {
		if m == proxy.ModeFullTLS {
			t.Error("覆核失敗不應切換到 full_tls")
		}
	}
}

func TestCheckReportsModeAndStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.mode = proxy.ModeFullTLS
	f.store.lineages = []string{"example.com"}
	f.store.statuses["example.com"] = validStatus(45)

	report, err := f.svc.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if report.Mode != proxy.ModeFullTLS {
		t.Errorf("報告的代理模式錯誤: %s", report.Mode)
	}
	if len(report.Domains) != 1 {
		t.Fatalf("報告的域名數量錯誤: %d", len(report.Domains))
	}
	if report.Domains[0].Status.Kind != certificate.StatusValid {
		t.Errorf("報告的證書狀態錯誤: %s", report.Domains[0].Status.Kind)
	}
}

func TestCheckIncludesConfiguredButUnissuedDomain(t *testing.T) {
	f := newFixture(t, nil)

	report, err := f.svc.Check(context.Background())
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if len(report.Domains) != 1 || report.Domains[0].Domain != "example.com" {
		t.Fatalf("報告應包含已配置未簽發的主域名: %+v", report.Domains)
	}
	if report.Domains[0].Status.Kind != certificate.StatusMissing {
		t.Errorf("未簽發域名的狀態錯誤: %s", report.Domains[0].Status.Kind)
	}
}

func TestSwitchModeDelegatesToCoordinator(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.svc.SwitchMode(context.Background(), proxy.ModeHTTPOnly); err != nil {
		t.Fatalf("SwitchMode failed: %v", err)
	}
	if len(f.coord.switched) != 1 || f.coord.switched[0] != proxy.ModeHTTPOnly {
		t.Errorf("協調器收到的切換序列錯誤: %v", f.coord.switched)
	}
}

func TestSwitchModeRespectsGlobalLock(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "certflow.lock")

	holder := lockfile.New(lockPath)
	if err := holder.TryAcquire(); err != nil {
		t.Fatalf("預佔鎖失敗: %v", err)
	}
	defer holder.Release()

	cfg := config.DefaultConfig()
	cfg.Domains = []string{"example.com"}
	svc := NewLifecycleService(&mockCfgRepo{cfg: cfg}, lockfile.New(lockPath),
		&mockLeaser{}, &mockResponder{}, &mockRunner{}, &mockStore{statuses: map[string]certificate.Status{}},
		&mockCoordinator{}, nil, nil, zap.NewNop())

	if err := svc.SwitchMode(context.Background(), proxy.ModeFullTLS); !errors.Is(err, pkgerrors.ErrLockHeld) {
		t.Errorf("期望 ErrLockHeld，實際: %v", err)
	}
}

// 站點配置不歸本程序管時，騰空端口殺掉的代理要在清理階段按原樣拉回
func TestUnmanagedProxyResurrectedAfterFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.mode = ""
	f.coord.running = true
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultValidationFailed,
		Phrase: "Some challenges have failed.",
	}

	result, err := f.svc.Obtain(context.Background(), "", true)
	if err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if result.Kind != certificate.ResultValidationFailed {
		t.Fatalf("結果類型錯誤: %s", result.Kind)
	}
	if f.coord.ensured != 1 {
		t.Errorf("未託管的代理應被拉起一次，實際 %d 次", f.coord.ensured)
	}
	if len(f.coord.switched) != 0 {
		t.Errorf("未託管的站點配置不應被觸碰: %v", f.coord.switched)
	}
}

// 開工前代理本來就沒在跑，清理階段不畫蛇添足把它啟動
func TestUnmanagedStoppedProxyLeftAlone(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.mode = ""
	f.coord.running = false
	f.runner.outcome = &certbot.Outcome{
		Kind:   certificate.ResultValidationFailed,
		Phrase: "Some challenges have failed.",
	}

	if _, err := f.svc.Obtain(context.Background(), "", true); err != nil {
		t.Fatalf("Obtain failed: %v", err)
	}
	if f.coord.ensured != 0 {
		t.Errorf("本來沒在跑的代理不應被啟動，實際啟動 %d 次", f.coord.ensured)
	}
}
