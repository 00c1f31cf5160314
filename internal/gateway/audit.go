package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vitor-zanatta-walter/microservices-api/pkg/middleware"
)

// AuditRecord は1リクエスト分の監査ログ。追記のみで更新しない。
type AuditRecord struct {
	// ID は監査ログの一意識別子。
	ID string
	// RequestID はリクエストID。
	RequestID string
	// IP はクライアントのIPアドレス。
	IP string
	// UserID は認証済みの場合の利用者ID。未認証ならnil。
	UserID *string
	// Route は元のリクエストURI（クエリ文字列を含む）。
	Route string
	// Method はHTTPメソッド。
	Method string
	// StatusCode はクライアントに返したステータスコード。
	StatusCode int
	// CreatedAt は記録日時。
	CreatedAt time.Time
}

// AuditStore は監査ログの永続化先。
type AuditStore interface {
	Insert(ctx context.Context, rec AuditRecord) error
}

// SQLAuditStore はSQLiteに監査ログを書き込むAuditStore。
type SQLAuditStore struct {
	db *sql.DB
}

// NewSQLAuditStore は新しいSQLAuditStoreを生成する。
// 接続プールは呼び出し元が生成し、所有する。
func NewSQLAuditStore(db *sql.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

// Insert は監査ログを1件書き込む。
func (s *SQLAuditStore) Insert(ctx context.Context, rec AuditRecord) error {
	var userID sql.NullString
	if rec.UserID != nil {
		userID = sql.NullString{String: *rec.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, request_id, ip, user_id, route, method, status_code, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.IP, userID, rec.Route, rec.Method, rec.StatusCode,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit_logsへのINSERTに失敗: %w", err)
	}
	return nil
}

// AuditLogger はレスポンス送信後に監査ログを非同期で書き込む。
// 書き込みの失敗はログに出すだけで、リトライもクライアントへの通知もしない。
type AuditLogger struct {
	// store は監査ログの永続化先。
	store AuditStore
	// slots は同時書き込み数を制限するセマフォ。
	slots chan struct{}
	// timeout は書き込み1件の上限時間。
	timeout time.Duration
	// wg は書き込み中のゴルーチンを追跡する。
	wg sync.WaitGroup
	// mu はclosedとwg.Addの組を守る。
	mu sync.RWMutex
	// closed はClose後にtrueとなり、以降の記録を破棄する。
	closed bool
	// metrics は失敗件数の記録先。
	metrics *metrics
	// now は現在時刻を返す関数。
	now func() time.Time
}

// NewAuditLogger は新しいAuditLoggerを生成する。
func NewAuditLogger(store AuditStore, maxInFlight int, timeout time.Duration, m *metrics) *AuditLogger {
	return &AuditLogger{
		store:   store,
		slots:   make(chan struct{}, maxInFlight),
		timeout: timeout,
		metrics: m,
		now:     time.Now,
	}
}

// Middleware は全てのリクエストの完了時に監査ログを記録するミドルウェアを返す。
// 拒否や認証失敗で打ち切られたリクエストも対象とする。
func (a *AuditLogger) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.Request.URL.RequestURI()
		method := c.Request.Method
		ip := middleware.ClientIP(c.Request)

		// 後続がパニックしても記録する
		defer func() {
			rec := AuditRecord{
				ID:         uuid.NewString(),
				RequestID:  middleware.GetRequestID(c),
				IP:         ip,
				Route:      route,
				Method:     method,
				StatusCode: c.Writer.Status(),
				CreatedAt:  a.now(),
			}
			if userID := middleware.GetUserID(c); userID != "" {
				rec.UserID = &userID
			}
			a.Record(rec)
		}()

		c.Next()
	}
}

// Record は監査ログの書き込みをバックグラウンドで開始し、すぐに戻る。
// 書き込み中の件数が上限に達している場合は破棄する。
// Close後に呼ばれた場合も破棄する。
func (a *AuditLogger) Record(rec AuditRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.metrics.auditDropped.Inc()
		log.Printf("[Audit] 停止済みのため破棄しました: %s %s", rec.Method, rec.Route)
		return
	}

	select {
	case a.slots <- struct{}{}:
	default:
		a.metrics.auditDropped.Inc()
		log.Printf("[Audit] 書き込み中の件数が上限に達したため破棄しました: %s %s", rec.Method, rec.Route)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() { <-a.slots }()
		defer func() {
			if r := recover(); r != nil {
				a.metrics.auditFailures.Inc()
				log.Printf("[Audit] 書き込み中にパニックが発生: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.store.Insert(ctx, rec); err != nil {
			a.metrics.auditFailures.Inc()
			log.Printf("[Audit] 監査ログの書き込みに失敗: %v", err)
		}
	}()
}

// Close は新しい記録の受け付けを止め、書き込み中の監査ログが終わるまで待つ。
// 複数回呼び出してもよい。
func (a *AuditLogger) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
