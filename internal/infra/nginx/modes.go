package nginx

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Yat-Muk/certflow/internal/domain/proxy"
	"github.com/Yat-Muk/certflow/internal/pkg/errors"
)

// TemplateData 渲染站點配置所需的參數
type TemplateData struct {
	Marker        string // 首行模式標記，由 Render 填入
	ServerNames   string // server_name 的值，多個域名以空格分隔
	Webroot       string // HTTP-01 令牌文件根目錄
	Upstream      string // 反向代理後端 host:port
	FullchainPath string // 證書鏈路徑，僅 full_tls 使用
	PrivkeyPath   string // 私鑰路徑，僅 full_tls 使用
}

// 三種模式共用的頭部：標記行在最前，Mode() 只讀第一行。
// 驗證路徑在所有模式下都指向 webroot，這樣續期不必停下反向代理。
const headerTemplate = `{{.Marker}}
# 本文件由 certflow 生成並管理，手工修改會在下次模式切換時被覆蓋。
`

const validationOnlyTemplate = headerTemplate + `
server {
    listen 80;
    listen [::]:80;
    server_name {{.ServerNames}};

    location /.well-known/acme-challenge/ {
        root {{.Webroot}};
        default_type text/plain;
    }

    location / {
        return 404;
    }
}
`

const httpOnlyTemplate = headerTemplate + `
server {
    listen 80;
    listen [::]:80;
    server_name {{.ServerNames}};

    location /.well-known/acme-challenge/ {
        root {{.Webroot}};
        default_type text/plain;
    }

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`

const fullTLSTemplate = headerTemplate + `
server {
    listen 80;
    listen [::]:80;
    server_name {{.ServerNames}};

    location /.well-known/acme-challenge/ {
        root {{.Webroot}};
        default_type text/plain;
    }

    location / {
        return 301 https://$host$request_uri;
    }
}

server {
    listen 443 ssl http2;
    listen [::]:443 ssl http2;
    server_name {{.ServerNames}};

    ssl_certificate {{.FullchainPath}};
    ssl_certificate_key {{.PrivkeyPath}};
    ssl_protocols TLSv1.2 TLSv1.3;
    ssl_ciphers ECDHE-ECDSA-AES256-GCM-SHA384:ECDHE-RSA-AES256-GCM-SHA384:ECDHE-ECDSA-CHACHA20-POLY1305:ECDHE-RSA-CHACHA20-POLY1305:ECDHE-ECDSA-AES128-GCM-SHA256:ECDHE-RSA-AES128-GCM-SHA256;
    ssl_prefer_server_ciphers on;
    ssl_session_cache shared:SSL:10m;
    ssl_session_timeout 1d;

    location / {
        proxy_pass http://{{.Upstream}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`

var modeTemplates = map[proxy.Mode]string{
	proxy.ModeValidationOnly: validationOnlyTemplate,
	proxy.ModeHTTPOnly:       httpOnlyTemplate,
	proxy.ModeFullTLS:        fullTLSTemplate,
}

// Render 渲染指定模式的站點配置文本
func Render(mode proxy.Mode, data TemplateData) (string, error) {
	text, ok := modeTemplates[mode]
	if !ok {
		return "", errors.New("NGINX001", fmt.Sprintf("未知的代理模式: %q", mode))
	}

	if data.ServerNames == "" {
		return "", errors.New("NGINX001", "未提供 server_name 域名")
	}
	if mode != proxy.ModeValidationOnly && data.Upstream == "" {
		return "", errors.New("NGINX001", "未提供反向代理後端地址")
	}
	if mode == proxy.ModeFullTLS && (data.FullchainPath == "" || data.PrivkeyPath == "") {
		return "", errors.New("NGINX001", "full_tls 模式需要證書鏈與私鑰路徑")
	}

	data.Marker = mode.Marker()

	tmpl, err := template.New(string(mode)).Parse(text)
	if err != nil {
		return "", errors.Wrap(err, "NGINX001", "解析站點配置模板失敗")
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "NGINX001", "渲染站點配置失敗")
	}
	return buf.String(), nil
}
