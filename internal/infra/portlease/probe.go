package portlease

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// probeOutcome 試綁定的結果分類
type probeOutcome int

const (
	probeOK           probeOutcome = iota // 綁定成功，端口空閒
	probeInUse                            // EADDRINUSE
	probeNoPermission                     // EACCES / EPERM
	probeFailed                           // 其他錯誤
)

// probePort 嘗試監聽端口並立即關閉，用綁定結果區分「被佔用」與「權限不足」。
// 這是回收後的最終覆核：工具解析可能漏報，內核不會。
func probePort(port int) (probeOutcome, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err == nil {
		ln.Close()
		return probeOK, nil
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var syscallErr *os.SyscallError
		if errors.As(opErr.Err, &syscallErr) {
			if errors.Is(syscallErr.Err, syscall.EADDRINUSE) {
				return probeInUse, err
			}
			if errors.Is(syscallErr.Err, syscall.EACCES) || errors.Is(syscallErr.Err, syscall.EPERM) {
				return probeNoPermission, err
			}
		}
	}

	return probeFailed, err
}
