package middleware

import (
	"net/http/httptest"
	"testing"
)

// TestClientIP はクライアントIPの抽出と正規化を検証する。
func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{name: "接続元アドレスのホスト部が使われること", remoteAddr: "192.168.0.10:51234", want: "192.168.0.10"},
		{name: "X-Forwarded-Forが優先されること", remoteAddr: "10.0.0.1:80", xff: "203.0.113.5", want: "203.0.113.5"},
		{name: "X-Forwarded-Forの先頭が使われること", remoteAddr: "10.0.0.1:80", xff: "203.0.113.5, 10.0.0.2", want: "203.0.113.5"},
		{name: "IPv4射影アドレスがIPv4に変換されること", remoteAddr: "[::ffff:192.168.0.10]:443", want: "192.168.0.10"},
		{name: "IPv6ループバックが127.0.0.1に変換されること", remoteAddr: "[::1]:8080", want: "127.0.0.1"},
		{name: "X-Forwarded-ForのIPv4射影アドレスも変換されること", remoteAddr: "10.0.0.1:80", xff: "::ffff:198.51.100.7", want: "198.51.100.7"},
		{name: "通常のIPv6アドレスはそのまま返ること", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "ポートの無いアドレスはそのまま使われること", remoteAddr: "unix-socket", want: "unix-socket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
