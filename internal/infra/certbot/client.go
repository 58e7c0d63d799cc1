package certbot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/domain/config"
	"github.com/Yat-Muk/certflow/internal/infra/system"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
	"github.com/Yat-Muk/certflow/internal/pkg/logger"
)

// Request 一次 certbot 調用的參數
type Request struct {
	Domains      []string // 第一個為主域名，全部以 -d 傳入
	Email        string
	Webroot      string // 令牌文件根目錄
	DryRun       bool   // 走測試環境，不簽發真證書、不計入頻率限制
	ForceRenewal bool   // 證書仍有效也強制重簽
}

// Outcome certbot 調用的結果
type Outcome struct {
	Kind    certificate.ResultKind
	Phrase  string        // 命中的結果短語，未命中為空
	Output  string        // 合併輸出
	Elapsed time.Duration // 實際耗時
}

// Client 包裝 certbot 命令行。
// 證書的申請、續期、存放全部交給 certbot 本體，
// 這裡只負責拼參數、掐時限、把輸出翻譯成結果類型。
type Client struct {
	binary  string
	timeout time.Duration
	execr   system.Executor
	log     *zap.Logger
}

// NewClient 創建 certbot 客戶端
func NewClient(cfg *config.CertbotConfig, execr system.Executor, log *zap.Logger) *Client {
	return &Client{
		binary:  cfg.Binary,
		timeout: cfg.Timeout(),
		execr:   execr,
		log:     log,
	}
}

// buildArgs 構造 certonly 的參數列表
func (c *Client) buildArgs(req Request) []string {
	args := []string{
		"certonly",
		"--webroot",
		"--webroot-path=" + req.Webroot,
		"--email", req.Email,
		"--agree-tos",
		"--non-interactive",
		// 域名列表變更時在原證書上擴展，不另起爐灶
		"--expand",
	}
	if req.DryRun {
		args = append(args, "--dry-run")
	}
	if req.ForceRenewal {
		args = append(args, "--force-renewal")
	}
	for _, d := range req.Domains {
		args = append(args, "-d", d)
	}
	return args
}

// Run 調用 certbot 並分類結果。
//
// 只有調用本身發不出去（參數非法、命令不在白名單）才返回 error；
// certbot 跑完了就總有 Outcome，哪怕是非零退出，成敗由 Kind 說了算。
// 超過時限的子進程會被強制終止，按 Unknown failure 處理。
func (c *Client) Run(ctx context.Context, req Request) (*Outcome, error) {
	if len(req.Domains) == 0 {
		return nil, errors.New("CERTBOT001", "域名列表為空")
	}
	if req.Webroot == "" {
		return nil, errors.New("CERTBOT002", "未指定 webroot 目錄")
	}

	args := c.buildArgs(req)
	c.log.Info("調用 certbot",
		zap.String("binary", c.binary),
		zap.Strings("domains", req.Domains),
		logger.SanitizedEmail("email", req.Email),
		zap.Bool("dry_run", req.DryRun),
		zap.Bool("force_renewal", req.ForceRenewal),
		zap.Duration("timeout", c.timeout))

	// 自己派生超時上下文，事後才分得清「殺於超時」和「自己退出」
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	output, err := c.execr.Execute(runCtx, c.binary, args...)
	elapsed := time.Since(start)

	outcome := &Outcome{
		Output:  output,
		Elapsed: elapsed,
	}

	if err != nil && runCtx.Err() == context.DeadlineExceeded {
		outcome.Kind = certificate.ResultUnknown
		outcome.Phrase = fmt.Sprintf("超過 %s 時限，子進程已被終止", c.timeout)
		c.log.Error("certbot 執行超時",
			zap.Duration("timeout", c.timeout),
			zap.Duration("elapsed", elapsed))
		return outcome, nil
	}

	kind, phrase := Classify(output)
	outcome.Kind = kind
	outcome.Phrase = phrase

	if err != nil && kind.IsSuccess() {
		// 退出碼和文案打架時寧信退出碼，別把失敗當成功
		c.log.Warn("certbot 非零退出但輸出像是成功，按未知結果處理",
			zap.String("phrase", phrase),
			logger.SanitizedOutput("output", output, 5))
		outcome.Kind = certificate.ResultUnknown
		outcome.Phrase = ""
	}

	c.log.Info("certbot 執行完畢",
		zap.String("result", outcome.Kind.String()),
		zap.String("phrase", outcome.Phrase),
		zap.Duration("elapsed", elapsed))
	return outcome, nil
}

// Timeout 返回單次調用的時限
func (c *Client) Timeout() time.Duration {
	return c.timeout
}
