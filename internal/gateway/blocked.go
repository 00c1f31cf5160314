package gateway

import (
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// BlockedPaths は拒否するパス接頭辞の集合。
type BlockedPaths struct {
	prefixes []string
}

// NewBlockedPaths は新しいBlockedPathsを生成する。
func NewBlockedPaths(prefixes []string) *BlockedPaths {
	return &BlockedPaths{prefixes: append([]string(nil), prefixes...)}
}

// IsBlocked はパスがいずれかの接頭辞に一致するかを返す。
// "/api/../admin" のような迂回を防ぐため、正規化後のパスでも照合する。
func (b *BlockedPaths) IsBlocked(p string) bool {
	cleaned := path.Clean("/" + p)
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(p, prefix) || strings.HasPrefix(cleaned, prefix) {
			return true
		}
	}
	return false
}

// blockPaths は拒否パスへのリクエストを403で打ち切るミドルウェアを返す。
// 公開パスやログインを含む他の全ての処理より先に評価する。
func blockPaths(blocked *BlockedPaths, m *metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if blocked.IsBlocked(c.Request.URL.Path) {
			log.Printf("[BLOCKED] %s %s", c.Request.Method, c.Request.URL.Path)
			m.blocked.Inc()
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "blocked by proxy"})
			return
		}
		c.Next()
	}
}
