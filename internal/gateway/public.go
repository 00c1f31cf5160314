package gateway

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// PublicPath は認証不要のメソッドとパスの組。
// Patternが "*" で終わる場合は、その接頭辞と配下のパス全てに一致する。
type PublicPath struct {
	// Method はHTTPメソッド。大文字小文字は区別しない。
	Method string
	// Pattern はパス、または "*" で終わる接頭辞。
	Pattern string
}

// matches はメソッドとパスが一致するかを返す。
func (p PublicPath) matches(method, path string) bool {
	if !strings.EqualFold(p.Method, method) {
		return false
	}
	base, wildcard := strings.CutSuffix(p.Pattern, "*")
	if !wildcard {
		return path == p.Pattern
	}
	base = strings.TrimSuffix(base, "/")
	return path == base || strings.HasPrefix(path, base+"/")
}

// PublicPaths は認証不要パスの一覧。
type PublicPaths struct {
	specs []PublicPath
}

// NewPublicPaths は新しいPublicPathsを生成する。
func NewPublicPaths(specs []PublicPath) *PublicPaths {
	return &PublicPaths{specs: append([]PublicPath(nil), specs...)}
}

// IsPublic はメソッドとパスがいずれかの公開パスに一致するかを返す。
func (p *PublicPaths) IsPublic(method, path string) bool {
	for _, s := range p.specs {
		if s.matches(method, path) {
			return true
		}
	}
	return false
}

// inNamespace はパスが認証対象の名前空間に含まれるかを返す。
// 名前空間はパスのセグメント単位で判定する。
func inNamespace(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// skipAuth は認証を行わないリクエストを判定する関数を返す。
// 公開パスと、認証対象の名前空間の外にあるパスが対象。
func skipAuth(public *PublicPaths, namespace string) func(*gin.Context) bool {
	return func(c *gin.Context) bool {
		path := c.Request.URL.Path
		if !inNamespace(namespace, path) {
			return true
		}
		return public.IsPublic(c.Request.Method, path)
	}
}
