package challenge

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Yat-Muk/certflow/internal/pkg/errors"
)

// ChallengePrefix HTTP-01 驗證請求的固定路徑前綴
const ChallengePrefix = "/.well-known/acme-challenge/"

// tokenPattern 驗證令牌是 base64url 字符集，其餘一律拒絕
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Responder 在取證期間臨時接管 80 端口回應 HTTP-01 驗證。
//
// certbot 以 webroot 模式把令牌文件寫進 <webroot>/.well-known/acme-challenge/，
// Responder 只負責把這些文件原樣回出去。驗證路徑之外的請求一律 404，
// 不提供目錄列表，不跟隨上級路徑。
type Responder struct {
	webroot string
	addr    string
	log     *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewResponder 創建驗證應答服務。addr 通常是 ":80"。
func NewResponder(webroot, addr string, log *zap.Logger) *Responder {
	return &Responder{
		webroot: webroot,
		addr:    addr,
		log:     log,
	}
}

// Webroot 返回令牌文件根目錄
func (r *Responder) Webroot() string {
	return r.webroot
}

// Start 綁定端口並開始應答。已在運行時是空操作。
// 綁定失敗立即返回，不會半死不活地掛在後台。
func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server != nil {
		return nil
	}

	// 1. 準備令牌目錄，certbot 只負責寫文件不負責建目錄
	tokenDir := filepath.Join(r.webroot, ".well-known", "acme-challenge")
	if err := os.MkdirAll(tokenDir, 0755); err != nil {
		return errors.Wrap(err, "CHAL002", "創建驗證目錄失敗")
	}

	// 2. 同步綁定，失敗當場報告
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return errors.Wrap(errors.ErrChallengeBindFailed, "CHAL001",
			fmt.Sprintf("綁定 %s 失敗: %v", r.addr, err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ChallengePrefix, r.handleChallenge)

	r.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	r.listener = ln

	go func(srv *http.Server, ln net.Listener) {
		if serveErr := srv.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			r.log.Error("驗證應答服務異常退出", zap.Error(serveErr))
		}
	}(r.server, ln)

	r.log.Info("驗證應答服務已啟動",
		zap.String("addr", ln.Addr().String()),
		zap.String("webroot", r.webroot))
	return nil
}

// Stop 停止應答服務。冪等：未啟動或已停止時是空操作。
// 令牌文件由 certbot 自行清理，這裡只負責關端口。
func (r *Responder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.server == nil {
		return nil
	}

	err := r.server.Close()
	r.server = nil
	r.listener = nil
	r.log.Info("驗證應答服務已停止")

	if err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "CHAL003", "關閉驗證應答服務失敗")
	}
	return nil
}

// Running 返回服務是否在應答中
func (r *Responder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.server != nil
}

// Addr 返回實際綁定的地址，未啟動時為空串
func (r *Responder) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Responder) handleChallenge(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := req.URL.Path[len(ChallengePrefix):]
	if !tokenPattern.MatchString(token) {
		// 含路徑分隔符或空令牌的請求直接拒絕，杜絕目錄穿越
		http.NotFound(w, req)
		return
	}

	data, err := os.ReadFile(filepath.Join(r.webroot, ".well-known", "acme-challenge", token))
	if err != nil {
		r.log.Debug("令牌文件不存在", zap.String("token", token))
		http.NotFound(w, req)
		return
	}

	r.log.Debug("應答驗證請求",
		zap.String("token", token),
		zap.String("remote", req.RemoteAddr))
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data)
}
