package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Yat-Muk/certflow/internal/domain/certificate"
	"github.com/Yat-Muk/certflow/internal/infra/certstore"
	"github.com/Yat-Muk/certflow/internal/pkg/version"
)

// dispatch 子命令分發。返回值即進程退出碼。
func dispatch(ctx context.Context, args []string, deps *AppDependencies) int {
	switch args[0] {
	case "obtain":
		return cmdObtain(ctx, args[1:], deps)
	case "renew":
		return cmdRenew(ctx, args[1:], deps)
	case "check":
		return cmdCheck(ctx, deps)
	case "test-renewal":
		return cmdTestRenewal(ctx, args[1:], deps)
	case "setup-cron":
		return cmdSetupCron(ctx, deps)
	case "history":
		return cmdHistory(ctx, args[1:], deps)
	case "version":
		fmt.Println(version.Info())
		// 盡力而為的新版本提示，查不到就只印本地信息
		if latest, err := version.GetLatestVersion(); err == nil && latest != "" {
			fmt.Printf("Latest Release: %s\n", latest)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "未知命令 %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func cmdObtain(ctx context.Context, args []string, deps *AppDependencies) int {
	fs := flag.NewFlagSet("obtain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var domainArg string
	fs.StringVar(&domainArg, "domain", "", "目標域名（默認配置裡的主域名）")
	fs.StringVar(&domainArg, "d", "", "-domain 的簡寫")
	force := fs.Bool("force", false, "證書仍有效也強制重簽")
	fs.Bool("unattended", false, "無人值守：不提問，一律走保守分支")
	registerEmailOverride(fs)
	registerAssumeYes(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	preflightDNS(ctx, deps, domainArg)

	result, err := deps.Lifecycle.Obtain(ctx, domainArg, *force)
	return reportResult("obtain", result, err)
}

func cmdRenew(ctx context.Context, args []string, deps *AppDependencies) int {
	fs := flag.NewFlagSet("renew", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	unattended := fs.Bool("unattended", false, "無人值守：整輪掐時限，結果只進日誌")
	registerAssumeYes(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if *unattended {
		if err := deps.Renewal.Run(ctx); err != nil {
			return 1
		}
		return 0
	}

	results, err := deps.Lifecycle.Renew(ctx)
	code := 0
	for _, r := range results {
		fmt.Printf("%-30s %s", r.Domain, r.Kind.Description())
		if r.Detail != "" {
			fmt.Printf("（%s）", firstLine(r.Detail))
		}
		fmt.Println()
		if !r.ExitSuccess() {
			code = 1
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "renew 失敗: %v\n", err)
		return 1
	}
	if len(results) == 0 {
		fmt.Println("沒有已簽發的證書，無可續期")
	}
	return code
}

// cmdCheck 只讀狀態報告。報告本身打到標準輸出，
// 讀不出來的部分打到標準錯誤，退出碼恆為 0：check 不改任何東西，
// 監控腳本靠輸出判斷狀態，不靠退出碼。
func cmdCheck(ctx context.Context, deps *AppDependencies) int {
	report, err := deps.Lifecycle.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check 失敗: %v\n", err)
		return 0
	}

	mode := "未接管"
	if report.Mode != "" {
		mode = fmt.Sprintf("%s (%s)", report.Mode, report.Mode.Description())
	}
	fmt.Printf("代理模式: %s\n", mode)

	if len(report.Domains) == 0 {
		fmt.Println("沒有託管的域名")
		return 0
	}

	fmt.Println()
	for _, d := range report.Domains {
		if d.Err != nil {
			fmt.Printf("%-30s 狀態讀取失敗: %v\n", d.Domain, d.Err)
			continue
		}
		line := fmt.Sprintf("%-30s %s", d.Domain, d.Status.Kind.Description())
		if d.Status.Kind == certificate.StatusValid {
			line += fmt.Sprintf("，剩 %d 天", d.Status.DaysRemaining)
			if d.Revocation == certstore.RevocationRevoked {
				line += "，OCSP: 已吊銷！請立即重簽"
			}
		}
		fmt.Println(line)
	}
	return 0
}

func cmdTestRenewal(ctx context.Context, args []string, deps *AppDependencies) int {
	fs := flag.NewFlagSet("test-renewal", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var domainArg string
	fs.StringVar(&domainArg, "domain", "", "目標域名（默認配置裡的主域名）")
	fs.StringVar(&domainArg, "d", "", "-domain 的簡寫")
	fs.Bool("unattended", false, "無人值守：不提問，一律走保守分支")
	registerEmailOverride(fs)
	registerAssumeYes(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	preflightDNS(ctx, deps, domainArg)

	result, err := deps.Lifecycle.TestRenewal(ctx, domainArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test-renewal 失敗: %v\n", err)
		return 1
	}
	if result.Kind.IsSuccess() {
		fmt.Println("演練成功：配置與驗證鏈路均正常，真實續期可以放心執行")
		return 0
	}
	fmt.Fprintf(os.Stderr, "演練失敗: %s\n", firstLine(result.Detail))
	return 1
}

func cmdSetupCron(ctx context.Context, deps *AppDependencies) int {
	if err := deps.Installer.Install(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "setup-cron 失敗: %v\n", err)
		return 1
	}
	if deps.Systemd != nil {
		fmt.Println("已安裝 systemd 定時器: certflow-renew.timer（每日 03:17，隨機延遲 45 分鐘內）")
	} else {
		fmt.Println("已安裝 crontab 任務（每日 03:17）")
	}
	return 0
}

func cmdHistory(ctx context.Context, args []string, deps *AppDependencies) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("n", 20, "顯示的記錄條數")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if deps.History == nil {
		fmt.Fprintln(os.Stderr, "操作歷史不可用")
		return 1
	}

	entries, err := deps.History.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "讀取操作歷史失敗: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("還沒有任何操作記錄")
		return 0
	}

	for _, e := range entries {
		fmt.Printf("%s  %-12s %-30s %s",
			e.Time.Local().Format("2006-01-02 15:04"), e.Command, e.Domain, e.Kind.Description())
		if e.Detail != "" {
			fmt.Printf("（%s）", firstLine(e.Detail))
		}
		fmt.Println()
	}
	return 0
}

// registerAssumeYes 佔位註冊 -yes/-y，讓解析不報錯。
// 真正的生效點在 main：確認器要趕在依賴注入前定下來。
func registerAssumeYes(fs *flag.FlagSet) {
	fs.Bool("yes", false, "對所有詢問自動回答 yes")
	fs.Bool("y", false, "-yes 的簡寫")
}

// registerEmailOverride 佔位註冊 -email/-m。
// 生效點同樣在 main：覆蓋要趕在首次配置加載前寫進環境變量。
func registerEmailOverride(fs *flag.FlagSet) {
	fs.String("email", "", "ACME 帳號郵箱（覆蓋配置與環境變量）")
	fs.String("m", "", "-email 的簡寫")
}

// preflightDNS 域名解析預檢，只警告不攔截。
// 解析不指向本機時 HTTP-01 幾乎必敗，提前說清楚比 certbot 的報錯好排查。
func preflightDNS(ctx context.Context, deps *AppDependencies, domain string) {
	if domain == "" {
		domain = deps.Config.PrimaryDomain()
	}
	if domain == "" {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	check := deps.SysInfo.CheckDomain(checkCtx, domain)
	switch {
	case check.Err != nil:
		fmt.Fprintf(os.Stderr, "警告: 域名 %s 解析失敗（%v），驗證大概率無法通過\n", domain, check.Err)
	case !check.MatchesHost:
		fmt.Fprintf(os.Stderr, "警告: 域名 %s 解析到 %s，與本機公網 IP 不符，HTTP-01 驗證可能失敗\n",
			domain, strings.Join(check.Addrs, ", "))
	}
}

// reportResult 打印操作結局並換算退出碼。
// 成功結局和操作者明確接受的降級都算 0，其餘一律 1。
func reportResult(command string, result *certificate.OperationResult, err error) int {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s 失敗: %v\n", command, err)
		return 1
	}
	if result == nil {
		fmt.Fprintf(os.Stderr, "%s 失敗: 沒有產生結果\n", command)
		return 1
	}

	switch {
	case result.Kind.IsSuccess():
		line := fmt.Sprintf("%s: %s", result.Domain, result.Kind.Description())
		if result.Bundle != nil {
			line += fmt.Sprintf("，有效期至 %s", result.Bundle.NotAfter.Local().Format("2006-01-02"))
		}
		fmt.Println(line)
		return 0
	case result.FellBack:
		fmt.Printf("%s: %s；已降級到 http_only，站點以純 HTTP 保持可達\n",
			result.Domain, result.Kind.Description())
		return 0
	default:
		fmt.Fprintf(os.Stderr, "%s: %s", result.Domain, result.Kind.Description())
		if result.Detail != "" {
			fmt.Fprintf(os.Stderr, "（%s）", firstLine(result.Detail))
		}
		fmt.Fprintln(os.Stderr)
		return 1
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
