package system

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SystemInfo 系統信息採集器
// 儀表盤展示主機概況，DNS 預檢用它比對域名解析與本機公網 IP。
type SystemInfo struct {
	log          *zap.Logger
	startTime    time.Time
	cachedOSName string

	// 緩存公網 IP
	publicIPv4 string
	publicIPv6 string
	ipMutex    sync.RWMutex
}

// Stats 系統統計信息
type Stats struct {
	Hostname    string        // 主機名
	OS          string        // 操作系統名稱
	Kernel      string        // 內核版本
	Arch        string        // 架構
	LoadAvg     string        // 負載
	MemoryUsage float64       // 內存使用率 %
	MemoryTotal uint64        // 內存總量 (Bytes)
	MemoryUsed  uint64        // 內存使用量 (Bytes)
	DiskUsage   float64       // 磁盤使用率 %
	DiskTotal   uint64        // 磁盤總量 (Bytes)
	DiskUsed    uint64        // 磁盤使用量 (Bytes)
	Uptime      time.Duration // 程序運行時間
	IPv4        string        // IPv4 地址 (公網)
	IPv6        string        // IPv6 地址 (公網)
}

// DomainCheck 域名解析預檢結果
// HTTP-01 驗證要求域名指向本機，解析不匹配時提前給出明確提示，
// 比等 certbot 報一句含糊的驗證失敗好排查得多。
type DomainCheck struct {
	Domain      string
	Addrs       []string
	MatchesHost bool
	Err         error
}

// NewSystemInfo 初始化
func NewSystemInfo(log *zap.Logger) *SystemInfo {
	s := &SystemInfo{
		log:       log,
		startTime: time.Now(),
	}
	s.initOSName()

	// 後台獲取公網 IP，不阻塞啟動
	go s.refreshPublicIPs()

	return s
}

func (s *SystemInfo) initOSName() {
	s.cachedOSName = "Linux"
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "PRETTY_NAME=") {
				s.cachedOSName = strings.Trim(strings.TrimPrefix(line, "PRETTY_NAME="), "\"")
				return
			}
		}
	}
}

// refreshPublicIPs 在後台獲取公網 IP
func (s *SystemInfo) refreshPublicIPs() {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ip := s.fetchIPFromAPI("https://4.ipw.cn")
		if ip == "" {
			// API 失敗時退回本機地址，可能是內網 IP，總比沒有好
			ip = s.getIPv4FromCmd()
		}
		s.ipMutex.Lock()
		s.publicIPv4 = ip
		s.ipMutex.Unlock()
	}()

	go func() {
		defer wg.Done()
		ip := s.fetchIPFromAPI("https://6.ipw.cn")
		if ip == "" {
			ip = s.getIPv6FromCmd()
		}
		s.ipMutex.Lock()
		s.publicIPv6 = ip
		s.ipMutex.Unlock()
	}()

	wg.Wait()
}

// fetchIPFromAPI 通用 HTTP 獲取 IP 函數
func (s *SystemInfo) fetchIPFromAPI(url string) string {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}
	resp, err := client.Get(url)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(body))
}

// PublicIPs 返回緩存的公網 IP（後台獲取完成前為空字符串）
func (s *SystemInfo) PublicIPs() (ipv4, ipv6 string) {
	s.ipMutex.RLock()
	defer s.ipMutex.RUnlock()
	return s.publicIPv4, s.publicIPv6
}

// CheckDomain 解析域名並比對本機公網 IP
func (s *SystemInfo) CheckDomain(ctx context.Context, domain string) DomainCheck {
	check := DomainCheck{Domain: domain}

	addrs, err := net.DefaultResolver.LookupHost(ctx, domain)
	if err != nil {
		check.Err = fmt.Errorf("域名解析失敗: %w", err)
		return check
	}
	check.Addrs = addrs

	ipv4, ipv6 := s.PublicIPs()
	for _, a := range addrs {
		if (ipv4 != "" && a == ipv4) || (ipv6 != "" && a == ipv6) {
			check.MatchesHost = true
			break
		}
	}

	s.log.Debug("域名解析預檢",
		zap.String("domain", domain),
		zap.Strings("addrs", addrs),
		zap.Bool("matches_host", check.MatchesHost),
	)

	return check
}

// GetStats 獲取系統統計信息
func (s *SystemInfo) GetStats() (*Stats, error) {
	stats := &Stats{
		OS:     s.cachedOSName,
		Arch:   runtime.GOARCH,
		Uptime: time.Since(s.startTime),
	}

	// 1. 基礎信息
	stats.Hostname, _ = os.Hostname()
	stats.LoadAvg = s.getLoadAvg()

	// 2. 內核
	if data, err := os.ReadFile("/proc/sys/kernel/osrelease"); err == nil {
		stats.Kernel = strings.TrimSpace(string(data))
	} else {
		stats.Kernel = "Unknown"
	}

	// 3. 內存
	if usage, total, used, err := s.getMemoryUsage(); err == nil {
		stats.MemoryUsage = usage
		stats.MemoryTotal = total
		stats.MemoryUsed = used
	}

	// 4. 磁盤
	if usage, total, used, err := s.getDiskUsage(); err == nil {
		stats.DiskUsage = usage
		stats.DiskTotal = total
		stats.DiskUsed = used
	}

	// 5. IP 地址（從緩存讀取，不發起網絡請求；
	// 尚未獲取到時留空，View 層顯示為檢查中）
	s.ipMutex.RLock()
	stats.IPv4 = s.publicIPv4
	stats.IPv6 = s.publicIPv6
	s.ipMutex.RUnlock()

	return stats, nil
}

// --- 內部實現方法 ---

func (s *SystemInfo) getLoadAvg() string {
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			return strings.Join(fields[:3], " ")
		}
	}
	return "0.00 0.00 0.00"
}

func (s *SystemInfo) getMemoryUsage() (float64, uint64, uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()

	var total, available uint64
	data, err := io.ReadAll(f)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val, _ := strconv.ParseUint(fields[1], 10, 64)

		if strings.HasPrefix(fields[0], "MemTotal") {
			total = val * 1024
		} else if strings.HasPrefix(fields[0], "MemAvailable") {
			available = val * 1024
		}
	}
	if total == 0 {
		return 0, 0, 0, fmt.Errorf("no mem")
	}
	used := total - available
	return float64(used) / float64(total) * 100.0, total, used, nil
}

func (s *SystemInfo) getDiskUsage() (float64, uint64, uint64, error) {
	out, err := exec.Command("df", "/", "-B1").Output()
	if err != nil {
		return 0, 0, 0, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) < 2 {
		return 0, 0, 0, fmt.Errorf("df error")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, 0, 0, fmt.Errorf("df parse error")
	}
	total, _ := strconv.ParseUint(fields[1], 10, 64)
	used, _ := strconv.ParseUint(fields[2], 10, 64)
	if total == 0 {
		return 0, 0, 0, nil
	}
	return float64(used) / float64(total) * 100.0, total, used, nil
}

// 公網 API 不可達時的後備方案
func (s *SystemInfo) getIPv4FromCmd() string {
	out, _ := exec.Command("ip", "-4", "addr", "show", "scope", "global").Output()
	return parseIP(string(out))
}

func (s *SystemInfo) getIPv6FromCmd() string {
	out, _ := exec.Command("ip", "-6", "addr", "show", "scope", "global").Output()
	return parseIP(string(out))
}

func parseIP(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "inet") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return strings.Split(fields[1], "/")[0]
			}
		}
	}
	return ""
}

// --- 格式化工具 ---

func formatBytes(bytes uint64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	fBytes := float64(bytes) / 1024.0
	units := []string{"KB", "MB", "GB", "TB", "PB"}
	unitIdx := 0
	for fBytes >= 1024 && unitIdx < len(units)-1 {
		fBytes /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%.2f %s", fBytes, units[unitIdx])
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d秒", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%d分鐘", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		minutes := int(d.Minutes()) % 60
		return fmt.Sprintf("%d小時%d分鐘", hours, minutes)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%d天%d小時", days, hours)
}
