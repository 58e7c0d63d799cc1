package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/application"
	"github.com/Yat-Muk/certflow/internal/pkg/appctx"
	"github.com/Yat-Muk/certflow/internal/pkg/logger"
	"github.com/Yat-Muk/certflow/internal/pkg/version"
	"github.com/Yat-Muk/certflow/internal/tui"
)

const usageText = `certflow — SSL 證書生命週期管理

用法:
  certflow [-dir PATH] [-debug]                     交互儀表盤（需要終端）
  certflow [-dir PATH] obtain [-domain D] [-email E] [-force] [-yes] [-unattended]
  certflow [-dir PATH] renew [-unattended]
  certflow [-dir PATH] check
  certflow [-dir PATH] test-renewal [-domain D] [-email E]

  簡寫：-d = -domain，-m = -email，-y = -yes（對所有詢問自動回答 yes）
  certflow [-dir PATH] setup-cron
  certflow [-dir PATH] history [-n N]
  certflow -version

全局參數:
  -dir PATH   工作目錄（默認 /etc/certflow 或 ~/.certflow）
  -debug      開啟調試日誌
  -version    顯示版本信息
`

type globalOptions struct {
	workDir   string
	debugMode bool
	showVer   bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	// 1. 命令行參數解析
	opts, args, err := parseGlobal(argv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		printUsage()
		return 2
	}
	if opts.showVer {
		fmt.Println(version.Info())
		return 0
	}
	if len(args) > 0 && isHelpToken(args[0]) {
		printUsage()
		return 0
	}

	// 2. 環境初始化
	paths, err := appctx.NewPaths(opts.workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "致命錯誤: 無法初始化路徑: %v\n", err)
		return 1
	}

	tuiMode := len(args) == 0
	interactive := !tuiMode && !wantsUnattended(args) && isatty.IsTerminal(os.Stdin.Fd())

	logCfg := logger.DefaultConfig()
	logCfg.OutputPath = filepath.Join(paths.LogDir, "certflow.log")
	// TUI 佔着終端，cron 的標準輸出要留給報警郵件，兩種場景都只寫文件
	logCfg.Console = interactive
	if opts.debugMode {
		logCfg.Level = "debug"
	}

	log, err := logger.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日誌初始化失敗: %v\n", err)
		return 1
	}
	defer log.Sync()

	log.Info("certflow 啟動",
		zap.String("version", version.Short()),
		zap.String("base_dir", paths.BaseDir),
		zap.Strings("args", args),
	)

	// -email 要趕在首次配置加載前生效，借道環境變量覆蓋層：
	// 命令行 > 環境變量 > config.yaml
	if email := flagValue(args, "email", "m"); email != "" {
		os.Setenv("CERTFLOW_EMAIL", email)
	}

	// 3. 依賴注入
	// 交互模式下由終端確認器回答服務層的詢問；-yes 自動應答；
	// 無人值守和 TUI 都傳 nil，前者走保守分支，後者在界面裡自行確認。
	var confirmer application.Confirmer
	switch {
	case wantsUnattended(args):
		// 保守分支
	case wantsAssumeYes(args):
		confirmer = assumeYesConfirmer{}
	case interactive:
		confirmer = newStdinConfirmer()
	}
	deps, err := initializeDependencies(log, paths, confirmer)
	if err != nil {
		log.Error("依賴初始化失敗", zap.Error(err))
		fmt.Fprintf(os.Stderr, "初始化失敗: %v\n", err)
		return 1
	}
	defer deps.Close()

	// 4. 模式分發
	if tuiMode {
		if !isatty.IsTerminal(os.Stdout.Fd()) {
			printUsage()
			return 2
		}
		return runTUI(deps)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	return dispatch(ctx, args, deps)
}

func parseGlobal(args []string) (globalOptions, []string, error) {
	var opts globalOptions
	fs := flag.NewFlagSet("certflow", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.workDir, "dir", "", "工作目錄 (默認: /etc/certflow 或 ~/.certflow)")
	fs.BoolVar(&opts.debugMode, "debug", false, "開啟調試日誌")
	fs.BoolVar(&opts.showVer, "version", false, "顯示版本信息")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	return opts, fs.Args(), nil
}

func isHelpToken(s string) bool {
	switch s {
	case "help", "-h", "--help", "-help":
		return true
	}
	return false
}

// wantsUnattended 預掃描子命令參數裡的無人值守標記。
// 確認器必須在依賴注入前定下來，等不到子命令自己解析參數。
func wantsUnattended(args []string) bool {
	for _, a := range args {
		if a == "-unattended" || a == "--unattended" {
			return true
		}
	}
	return false
}

// wantsAssumeYes 預掃描 -yes/-y 自動應答標記，理由同上。
func wantsAssumeYes(args []string) bool {
	for _, a := range args {
		switch a {
		case "-yes", "--yes", "-y", "--y":
			return true
		}
	}
	return false
}

// flagValue 預掃描取值標記，支持 -name v 與 -name=v 兩種寫法
func flagValue(args []string, names ...string) string {
	match := func(s string) bool {
		for _, n := range names {
			if s == "-"+n || s == "--"+n {
				return true
			}
		}
		return false
	}
	for i, a := range args {
		if eq := strings.IndexByte(a, '='); eq > 0 {
			if match(a[:eq]) {
				return a[eq+1:]
			}
			continue
		}
		if match(a) && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func printUsage() {
	fmt.Fprint(os.Stdout, usageText)
}

func runTUI(deps *AppDependencies) int {
	m := tui.NewModel(tui.Config{
		Log:       deps.Log,
		Config:    deps.Config,
		Lifecycle: deps.Lifecycle,
		History:   deps.History,
		SysInfo:   deps.SysInfo,
	})

	p := tea.NewProgram(m, tea.WithAltScreen())

	// 崩潰保護：先還回終端再打印，否則 panic 信息會被 alt screen 吞掉
	defer func() {
		if r := recover(); r != nil {
			p.ReleaseTerminal()
			fmt.Printf("\n\n❌ 程序崩潰: %v\n", r)
			deps.Log.Error("Panic", zap.Any("error", r), zap.String("stack", string(debug.Stack())))
			os.Exit(1)
		}
	}()

	if _, err := p.Run(); err != nil {
		fmt.Printf("程序運行錯誤: %v\n", err)
		return 1
	}
	return 0
}
