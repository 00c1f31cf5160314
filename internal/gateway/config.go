package gateway

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// 環境変数のキー接頭辞。接尾辞付きで複数指定する。
const (
	envRulePrefix        = "RULE_"
	envBlockedPathPrefix = "BLOCKED_PATH_"
	envPublicRoutePrefix = "PUBLIC_ROUTE_"
)

// Config はゲートウェイの設定。
// 起動時に一度だけ生成し、以降は読み取り専用として各コンポーネントに渡す。
type Config struct {
	// Port はリッスンポート。
	Port string
	// UseHTTPS はTLS終端を行うかどうか。
	UseHTTPS bool
	// TLSCertPath はサーバー証明書のパス。
	TLSCertPath string
	// TLSKeyPath はサーバー証明書の秘密鍵のパス。
	TLSKeyPath string
	// RedirectPort はHTTPSへリダイレクトする平文リスナーのポート。
	RedirectPort string
	// KeepPath がtrueの場合、上流には元のパスをそのまま渡す。
	KeepPath bool
	// AuthPathPrefix は認証対象の名前空間。これ以外のパスは認証しない。
	AuthPathPrefix string

	// Rules は宣言順の転送ルール。
	Rules []Rule
	// BlockedPaths は拒否するパス接頭辞。
	BlockedPaths []string
	// PublicPaths は認証不要のメソッドとパスの組。
	PublicPaths []PublicPath

	// ClientPrivateKeyPath はクライアントトークン署名用の秘密鍵。
	ClientPrivateKeyPath string
	// ClientPublicKeyPath はクライアントトークン検証用の公開鍵。
	ClientPublicKeyPath string
	// ServicePrivateKeyPath はサービストークン署名用の秘密鍵。空ならクライアント鍵を使う。
	ServicePrivateKeyPath string
	// ClientTokenTTL はログイン時に発行するトークンの有効期間。
	ClientTokenTTL time.Duration
	// ServiceTokenTTL は転送時に発行するトークンの有効期間。
	ServiceTokenTTL time.Duration

	// IdentityURL はユーザーサービスのベースURL。
	IdentityURL string
	// IdentityValidatePath は認証情報検証APIのパス。
	IdentityValidatePath string
	// IdentityTimeout は認証情報検証の呼び出し上限時間。
	IdentityTimeout time.Duration
	// UpstreamTimeout は転送1回あたりの上限時間。0なら無制限。
	UpstreamTimeout time.Duration

	// AuditDBPath は監査ログDBのパス。
	AuditDBPath string
	// AuditMaxConns は監査ログDBの最大接続数。
	AuditMaxConns int
	// AuditMaxInFlight は同時に書き込み中の監査ログの上限。超えた分は破棄する。
	AuditMaxInFlight int
	// AuditInsertTimeout は監査ログ1件の書き込み上限時間。
	AuditInsertTimeout time.Duration

	// CORSAllowedOrigins はCORSで許可するオリジン。
	CORSAllowedOrigins []string
	// RateLimitRPS はクライアント毎の秒間リクエスト数。0なら無効。
	RateLimitRPS float64
	// RateLimitBurst はクライアント毎のバースト上限。
	RateLimitBurst int
	// MetricsPath はPrometheusメトリクスの公開パス。空なら公開しない。
	MetricsPath string
}

// env は環境変数のスナップショット。
type env map[string]string

// newEnv は "KEY=VALUE" 形式の一覧からenvを生成する。
func newEnv(environ []string) env {
	e := make(env, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		e[k] = v
	}
	return e
}

// str は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func (e env) str(key, defaultValue string) string {
	if v := strings.TrimSpace(e[key]); v != "" {
		return v
	}
	return defaultValue
}

func (e env) boolean(key string, defaultValue bool, errs *error) bool {
	v := e.str(key, "")
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: 真偽値として解釈できません: %q", key, v))
		return defaultValue
	}
	return b
}

func (e env) duration(key string, defaultValue time.Duration, errs *error) time.Duration {
	v := e.str(key, "")
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: 時間として解釈できません: %q", key, v))
		return defaultValue
	}
	return d
}

func (e env) integer(key string, defaultValue int, errs *error) int {
	v := e.str(key, "")
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: 0以上の整数として解釈できません: %q", key, v))
		return defaultValue
	}
	return n
}

func (e env) float(key string, defaultValue float64, errs *error) float64 {
	v := e.str(key, "")
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: 0以上の数値として解釈できません: %q", key, v))
		return defaultValue
	}
	return f
}

// LoadConfig は環境変数の一覧から設定を生成する。
// 不正な値は全てまとめてエラーとして返す。呼び出し元は起動を中止すること。
func LoadConfig(environ []string) (*Config, error) {
	e := newEnv(environ)
	var errs error

	cfg := &Config{
		Port:                  e.str("LISTEN_PORT", e.str("PORT", "8080")),
		UseHTTPS:              e.boolean("USE_HTTPS", false, &errs),
		TLSCertPath:           e.str("HTTPS_CERT", ""),
		TLSKeyPath:            e.str("HTTPS_KEY", ""),
		RedirectPort:          e.str("HTTP_REDIRECT_PORT", "80"),
		KeepPath:              e.boolean("KEEP_PATH", false, &errs),
		AuthPathPrefix:        e.str("AUTH_PATH_PREFIX", "/"),
		ClientPrivateKeyPath:  e.str("CLIENT_PRIVATE_KEY_PATH", "./keys/private.pem"),
		ClientPublicKeyPath:   e.str("CLIENT_PUBLIC_KEY_PATH", "./keys/public.pem"),
		ServicePrivateKeyPath: e.str("SERVICE_PRIVATE_KEY_PATH", ""),
		ClientTokenTTL:        e.duration("CLIENT_TOKEN_TTL", 24*time.Hour, &errs),
		ServiceTokenTTL:       e.duration("SERVICE_TOKEN_TTL", 120*time.Second, &errs),
		IdentityURL:           strings.TrimRight(e.str("IDENTITY_URL", "http://localhost:3001"), "/"),
		IdentityValidatePath:  e.str("IDENTITY_VALIDATE_PATH", "/internal/auth/validate"),
		IdentityTimeout:       e.duration("IDENTITY_TIMEOUT", 10*time.Second, &errs),
		UpstreamTimeout:       e.duration("UPSTREAM_TIMEOUT", 30*time.Second, &errs),
		AuditDBPath:           e.str("AUDIT_DB_PATH", "/data/gateway.db"),
		AuditMaxConns:         e.integer("AUDIT_MAX_CONNS", 4, &errs),
		AuditMaxInFlight:      e.integer("AUDIT_MAX_INFLIGHT", 256, &errs),
		AuditInsertTimeout:    e.duration("AUDIT_INSERT_TIMEOUT", 5*time.Second, &errs),
		CORSAllowedOrigins:    splitList(e.str("CORS_ALLOWED_ORIGINS", "*")),
		RateLimitRPS:          e.float("RATE_LIMIT_RPS", 0, &errs),
		RateLimitBurst:        e.integer("RATE_LIMIT_BURST", 20, &errs),
		MetricsPath:           e.str("METRICS_PATH", ""),
	}

	rules, err := parseRules(e)
	errs = multierr.Append(errs, err)
	cfg.Rules = rules

	blocked, err := parseBlockedPaths(e)
	errs = multierr.Append(errs, err)
	cfg.BlockedPaths = blocked

	public, err := parsePublicPaths(e)
	errs = multierr.Append(errs, err)
	cfg.PublicPaths = public

	errs = multierr.Append(errs, cfg.validate())
	if errs != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", errs)
	}
	return cfg, nil
}

// validate は項目間の整合性を検証する。
func (c *Config) validate() error {
	var errs error
	if c.UseHTTPS && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		errs = multierr.Append(errs, fmt.Errorf("USE_HTTPS=true の場合は HTTPS_CERT と HTTPS_KEY が必要です"))
	}
	if !strings.HasPrefix(c.AuthPathPrefix, "/") {
		errs = multierr.Append(errs, fmt.Errorf("AUTH_PATH_PREFIX は / で始まる必要があります: %q", c.AuthPathPrefix))
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		errs = multierr.Append(errs, fmt.Errorf("METRICS_PATH は / で始まる必要があります: %q", c.MetricsPath))
	}
	if c.ServiceTokenTTL <= 0 || c.ClientTokenTTL <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("トークンの有効期間は正の値である必要があります"))
	}
	if c.AuditMaxConns < 1 || c.AuditMaxInFlight < 1 {
		errs = multierr.Append(errs, fmt.Errorf("AUDIT_MAX_CONNS と AUDIT_MAX_INFLIGHT は1以上である必要があります"))
	}
	return errs
}

// parseRules は RULE_<n> を番号順に読み込む。
// 転送は先勝ちのため、キーの接尾辞は数値でなければならない。
func parseRules(e env) ([]Rule, error) {
	type numbered struct {
		n    int
		key  string
		rule Rule
	}

	var (
		errs  error
		found []numbered
	)
	for key, value := range e {
		suffix, ok := strings.CutPrefix(key, envRulePrefix)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(suffix)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: ルールのキーは %s<番号> の形式で指定してください", key, envRulePrefix))
			continue
		}
		rule, err := ParseRule(value)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		found = append(found, numbered{n: n, key: key, rule: rule})
	}

	slices.SortFunc(found, func(a, b numbered) int {
		if a.n != b.n {
			return a.n - b.n
		}
		return strings.Compare(a.key, b.key)
	})

	rules := make([]Rule, 0, len(found))
	for _, f := range found {
		rules = append(rules, f.rule)
	}
	return rules, errs
}

// ParseRule は "<prefix> -> <target>" 形式の1行を解釈する。
func ParseRule(line string) (Rule, error) {
	from, to, ok := strings.Cut(line, "->")
	if !ok {
		return Rule{}, fmt.Errorf("ルールは \"<prefix> -> <target>\" の形式で指定してください: %q", line)
	}
	prefix := strings.TrimSpace(from)
	if !strings.HasPrefix(prefix, "/") {
		return Rule{}, fmt.Errorf("ルールの接頭辞は / で始まる必要があります: %q", prefix)
	}

	target, err := url.Parse(strings.TrimSpace(to))
	if err != nil {
		return Rule{}, fmt.Errorf("転送先URLの解析に失敗: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return Rule{}, fmt.Errorf("転送先URLは http(s)://host の形式で指定してください: %q", strings.TrimSpace(to))
	}
	return Rule{Prefix: prefix, Target: target}, nil
}

// parseBlockedPaths は BLOCKED_PATH_* を読み込む。順序は意味を持たない。
func parseBlockedPaths(e env) ([]string, error) {
	var (
		errs  error
		paths []string
	)
	for key, value := range e {
		if !strings.HasPrefix(key, envBlockedPathPrefix) {
			continue
		}
		p := strings.TrimSpace(value)
		if !strings.HasPrefix(p, "/") {
			errs = multierr.Append(errs, fmt.Errorf("%s: パスは / で始まる必要があります: %q", key, p))
			continue
		}
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths, errs
}

// parsePublicPaths は PUBLIC_ROUTE_* を "<METHOD>:<path>" 形式で読み込む。
func parsePublicPaths(e env) ([]PublicPath, error) {
	var (
		errs  error
		specs []PublicPath
	)
	for key, value := range e {
		if !strings.HasPrefix(key, envPublicRoutePrefix) {
			continue
		}
		method, pattern, ok := strings.Cut(value, ":")
		method = strings.ToUpper(strings.TrimSpace(method))
		pattern = strings.TrimSpace(pattern)
		if !ok || method == "" || !strings.HasPrefix(pattern, "/") {
			errs = multierr.Append(errs, fmt.Errorf("%s: \"<METHOD>:<path>\" の形式で指定してください: %q", key, value))
			continue
		}
		specs = append(specs, PublicPath{Method: method, Pattern: pattern})
	}
	slices.SortFunc(specs, func(a, b PublicPath) int {
		if c := strings.Compare(a.Method, b.Method); c != 0 {
			return c
		}
		return strings.Compare(a.Pattern, b.Pattern)
	})
	return specs, errs
}

// splitList はカンマ区切りの値を分割する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
