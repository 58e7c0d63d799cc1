package lockfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	pkgerrors "github.com/Yat-Muk/certflow/internal/pkg/errors"
)

// Lock 跨進程互斥鎖
// 端口 80/443 是所有域名共享的競爭資源，因此整個證書流水線
// 使用單一全局鎖：同一時刻只允許一次證書操作在本機執行。
type Lock struct {
	fl   *flock.Flock
	held bool
}

// New 創建鎖（尚未獲取）
func New(path string) *Lock {
	return &Lock{fl: flock.New(path)}
}

// TryAcquire 嘗試獲取鎖，失敗立即返回而不等待
// 兩次併發的 ACME 嘗試會互相搶佔端口 80 並破壞對方的驗證文件，
// 等待重試只會拖長衝突窗口，所以這裡選擇快速失敗。
func (l *Lock) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0700); err != nil {
		return fmt.Errorf("無法創建鎖目錄: %w", err)
	}

	ok, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("獲取文件鎖失敗: %w", err)
	}
	if !ok {
		return pkgerrors.Wrap(pkgerrors.ErrLockHeld, "LockContention",
			fmt.Sprintf("鎖文件 %s 已被其他進程持有", l.fl.Path()))
	}

	l.held = true
	return nil
}

// Release 釋放鎖，重複調用安全
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	return l.fl.Unlock()
}

// Held 返回當前進程是否持有鎖
func (l *Lock) Held() bool {
	return l.held
}

// Path 返回鎖文件路徑
func (l *Lock) Path() string {
	return l.fl.Path()
}
