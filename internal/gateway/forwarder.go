package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vitor-zanatta-walter/microservices-api/pkg/middleware"
)

// Forwarder は一致したルールの転送先へリクエストを中継する。
// ボディはバッファせずにそのまま流す。
type Forwarder struct {
	// table は転送ルール表。
	table *RuleTable
	// proxies はルール毎のリバースプロキシ。添字はtableと揃える。
	proxies []*httputil.ReverseProxy
	// timeout は転送1回あたりの上限時間。0なら無制限。
	timeout time.Duration
	// metrics は転送所要時間の記録先。
	metrics *metrics
}

// NewForwarder は新しいForwarderを生成する。
// transportがnilの場合はhttp.DefaultTransportを使う。
// ownCORSがtrueの場合、CORSはゲートウェイが応答するため上流のAccess-Control-*ヘッダーを捨てる。
func NewForwarder(table *RuleTable, keepPath, ownCORS bool, timeout time.Duration, transport http.RoundTripper, m *metrics) *Forwarder {
	f := &Forwarder{
		table:   table,
		proxies: make([]*httputil.ReverseProxy, table.Len()),
		timeout: timeout,
		metrics: m,
	}
	for i, rule := range table.rules {
		f.proxies[i] = &httputil.ReverseProxy{
			Rewrite: func(pr *httputil.ProxyRequest) {
				pr.Out.URL.Path = RewritePath(rule.Prefix, pr.In.URL.Path, keepPath)
				pr.Out.URL.RawPath = ""
				pr.SetURL(rule.Target)
				pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
				pr.SetXForwarded()
			},
			Transport:    transport,
			ErrorHandler: handleUpstreamError,
		}
		if ownCORS {
			f.proxies[i].ModifyResponse = stripCORSHeaders
		}
	}
	return f
}

// Handle はルールに一致したリクエストを転送するハンドラ。
// 一致するルールが無ければ404を返す。
func (f *Forwarder) Handle(c *gin.Context) {
	i := f.table.index(c.Request.URL.Path)
	if i < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no route"})
		return
	}
	rule := f.table.rules[i]

	// クライアントが切断した場合もこのコンテキスト経由で上流への呼び出しを打ち切る
	ctx := c.Request.Context()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req := c.Request.WithContext(ctx)
	req.Header = c.Request.Header.Clone()
	if token := middleware.GetServiceToken(c); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	f.proxies[i].ServeHTTP(c.Writer, req)
	f.metrics.observeUpstream(rule.Prefix, c.Request.Method, c.Writer.Status(), time.Since(start))
}

// stripCORSHeaders は上流が付けたCORSヘッダーを取り除く。
// 残すとゲートウェイの値と重複し、ブラウザが応答を拒否する。
func stripCORSHeaders(res *http.Response) error {
	for key := range res.Header {
		if strings.HasPrefix(key, "Access-Control-") {
			res.Header.Del(key)
		}
	}
	return nil
}

// handleUpstreamError は上流との通信失敗をJSONで返す。
// 上限時間の超過は504、それ以外は502とする。自動リトライはしない。
func handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := http.StatusBadGateway, "upstream unavailable"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		status, message = http.StatusGatewayTimeout, "upstream timeout"
	}
	log.Printf("[Proxy] 転送エラー: %s %s: %v", r.Method, r.URL.Path, err)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
