package gateway

import (
	"net/url"
	"strings"
)

// Rule はパス接頭辞から転送先への対応。
type Rule struct {
	// Prefix は照合するパス接頭辞。パターンではなく文字列として比較する。
	Prefix string
	// Target は転送先のベースURL。
	Target *url.URL
}

// RuleTable は宣言順の転送ルール表。起動後は変更しない。
type RuleTable struct {
	rules []Rule
}

// NewRuleTable は新しいRuleTableを生成する。引数のスライスは複製して保持する。
func NewRuleTable(rules []Rule) *RuleTable {
	return &RuleTable{rules: append([]Rule(nil), rules...)}
}

// Match はパスに前方一致する最初のルールを返す。
func (t *RuleTable) Match(path string) (Rule, bool) {
	i := t.index(path)
	if i < 0 {
		return Rule{}, false
	}
	return t.rules[i], true
}

// index は一致したルールの位置を返す。一致しなければ-1。
func (t *RuleTable) index(path string) int {
	for i, r := range t.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return i
		}
	}
	return -1
}

// Len はルール数を返す。
func (t *RuleTable) Len() int {
	return len(t.rules)
}

// RewritePath は上流に渡すパスを求める。
// keepPathがtrueなら元のパスをそのまま返す。
// それ以外は接頭辞を取り除き、空なら "/" に、先頭に "/" が無ければ付与する。
func RewritePath(prefix, path string, keepPath bool) string {
	if keepPath {
		return path
	}

	rest, ok := strings.CutPrefix(path, prefix)
	if !ok {
		rest = path
	}
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
