package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP はリクエスト元のIPアドレスを返す。
// X-Forwarded-For があれば先頭の値を、無ければ接続元アドレスを使う。
func ClientIP(r *http.Request) string {
	ip := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		ip = strings.TrimSpace(first)
	}
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		} else {
			ip = host
		}
	}
	return NormalizeIP(ip)
}

// NormalizeIP はIPv4射影IPv6アドレスとIPv6ループバックをIPv4表記に揃える。
// パースできない値はそのまま返す。
func NormalizeIP(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	if addr == netip.IPv6Loopback() {
		return "127.0.0.1"
	}
	return addr.Unmap().String()
}
