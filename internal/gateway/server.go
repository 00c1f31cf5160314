package gateway

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vitor-zanatta-walter/microservices-api/pkg/httpclient"
	"github.com/vitor-zanatta-walter/microservices-api/pkg/middleware"
)

// loginPath はログインAPIのパス。
const loginPath = "/api/login"

// shutdownTimeout は停止時に処理中のリクエストを待つ上限時間。
const shutdownTimeout = 10 * time.Second

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg は起動時に読み込んだ設定。
	cfg *Config
	// audit は監査ログの記録器。
	audit *AuditLogger
	// db は監査ログ用の接続プール。テストではnil。
	db *sql.DB
	// metrics はPrometheusメトリクス。
	metrics *metrics
	// tlsCert はTLS終端に使う証明書。
	tlsCert *tls.Certificate
}

// keySet はトークンの署名と検証に使う鍵。
type keySet struct {
	// clientPrivate はクライアントトークンの署名鍵。
	clientPrivate *rsa.PrivateKey
	// clientPublic はクライアントトークンの検証鍵。
	clientPublic *rsa.PublicKey
	// servicePrivate はサービストークンの署名鍵。
	servicePrivate *rsa.PrivateKey
}

// loadKeys は設定された鍵ファイルを読み込む。
// サービス鍵が未設定の場合はクライアント鍵を流用し、警告を出す。
func loadKeys(cfg *Config) (keySet, error) {
	var ks keySet
	var err error
	if ks.clientPrivate, err = middleware.LoadPrivateKey(cfg.ClientPrivateKeyPath); err != nil {
		return keySet{}, err
	}
	if ks.clientPublic, err = middleware.LoadPublicKey(cfg.ClientPublicKeyPath); err != nil {
		return keySet{}, err
	}
	if !ks.clientPrivate.PublicKey.Equal(ks.clientPublic) {
		return keySet{}, errors.New("CLIENT_PRIVATE_KEY_PATH と CLIENT_PUBLIC_KEY_PATH が対になっていません")
	}

	if cfg.ServicePrivateKeyPath == "" {
		log.Printf("[WARN] SERVICE_PRIVATE_KEY_PATH が未設定のため、サービストークンもクライアント鍵で署名します")
		ks.servicePrivate = ks.clientPrivate
		return ks, nil
	}
	if ks.servicePrivate, err = middleware.LoadPrivateKey(cfg.ServicePrivateKeyPath); err != nil {
		return keySet{}, err
	}
	return ks, nil
}

// NewServer は設定から新しいGatewayサーバーを生成する。
// 鍵・証明書・データベースのいずれかが用意できない場合はエラーを返す。
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	keys, err := loadKeys(cfg)
	if err != nil {
		return nil, fmt.Errorf("鍵の読み込みに失敗: %w", err)
	}

	var cert *tls.Certificate
	if cfg.UseHTTPS {
		c, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("TLS証明書の読み込みに失敗: %w", err)
		}
		cert = &c
	}

	db, err := openAuditDB(ctx, cfg.AuditDBPath, cfg.AuditMaxConns)
	if err != nil {
		return nil, err
	}

	s := newServer(cfg, keys, NewSQLAuditStore(db), http.DefaultTransport)
	s.db = db
	s.tlsCert = cert
	return s, nil
}

// newServer は依存を受け取ってサーバーを組み立てる。
func newServer(cfg *Config, keys keySet, store AuditStore, transport http.RoundTripper) *Server {
	m := newMetrics()

	router := gin.New()
	// 末尾スラッシュ違いのリダイレクトはミドルウェアより前に応答してしまうため無効にする
	router.RedirectTrailingSlash = false
	s := &Server{
		router:  router,
		cfg:     cfg,
		audit:   NewAuditLogger(store, cfg.AuditMaxInFlight, cfg.AuditInsertTimeout, m),
		metrics: m,
	}

	translator := middleware.NewTokenTranslator(
		middleware.NewTokenVerifier(keys.clientPublic),
		middleware.NewTokenIssuer(keys.servicePrivate, cfg.ServiceTokenTTL),
	)
	login := NewLoginIssuer(
		httpclient.New(cfg.IdentityURL, cfg.IdentityTimeout),
		cfg.IdentityValidatePath,
		middleware.NewTokenIssuer(keys.clientPrivate, cfg.ClientTokenTTL),
	)
	ownCORS := len(cfg.CORSAllowedOrigins) > 0
	forwarder := NewForwarder(NewRuleTable(cfg.Rules), cfg.KeepPath, ownCORS, cfg.UpstreamTimeout, transport, m)

	router.Use(gin.Logger())
	router.Use(middleware.RequestID())
	router.Use(s.audit.Middleware())
	// パニック時の500を監査ログに残すため、回復は監査より内側で行う
	router.Use(middleware.Recovery())
	router.Use(m.instrument())
	// 拒否パスはプリフライトを含め他の全ての処理より先に403で打ち切る
	router.Use(blockPaths(NewBlockedPaths(cfg.BlockedPaths), m))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	router.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	s.setupRoutes(login, translator, forwarder)
	return s
}

// setupRoutes はルーティングを設定する。
// ゲートウェイ自身のエンドポイント以外は全て転送ハンドラで処理する。
func (s *Server) setupRoutes(login *LoginIssuer, translator *middleware.TokenTranslator, forwarder *Forwarder) {
	// ログイン（認証不要）
	s.router.POST(loginPath, login.handleLogin())

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	if s.cfg.MetricsPath != "" {
		s.router.GET(s.cfg.MetricsPath, s.metrics.handler())
	}

	// 転送（公開パスと名前空間外を除き認証必須）
	public := NewPublicPaths(s.cfg.PublicPaths)
	s.router.NoRoute(
		middleware.TokenExchange(translator, skipAuth(public, s.cfg.AuthPathPrefix)),
		forwarder.Handle,
	)
}

// Handler はゲートウェイのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるまで処理を続ける。
// TLS有効時はHTTPSで待ち受け、平文ポートはHTTPSへリダイレクトする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{srv}
	errCh := make(chan error, 2)

	if s.tlsCert != nil {
		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*s.tlsCert},
			MinVersion:   tls.VersionTLS12,
		}
		redirect := &http.Server{
			Addr:              net.JoinHostPort("", s.cfg.RedirectPort),
			Handler:           redirectToHTTPS(s.cfg.Port),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers = append(servers, redirect)

		log.Printf("Gatewayサービスをhttpsで起動します: :%s", s.cfg.Port)
		go func() { errCh <- srv.ListenAndServeTLS("", "") }()
		log.Printf("HTTPSリダイレクトを起動します: :%s", s.cfg.RedirectPort)
		go func() { errCh <- redirect.ListenAndServe() }()
	} else {
		log.Printf("Gatewayサービスをhttpで起動します: :%s", s.cfg.Port)
		go func() { errCh <- srv.ListenAndServe() }()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range servers {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("サーバーの停止に失敗: %v", err)
		}
	}
	return runErr
}

// Close は監査ログの書き込み完了を待ち、データベース接続を閉じる。
func (s *Server) Close() error {
	s.audit.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// redirectToHTTPS は全てのリクエストを同じURLのHTTPS版へ301でリダイレクトするハンドラを返す。
func redirectToHTTPS(httpsPort string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if httpsPort != "" && httpsPort != "443" {
			host = net.JoinHostPort(host, httpsPort)
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
