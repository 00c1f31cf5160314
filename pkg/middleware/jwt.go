package middleware

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ClientClaims はゲートウェイが信頼する利用者のクレーム。
// トークンのペイロードのうち、この4項目以外は読み捨てる。
type ClientClaims struct {
	// SubjectID は利用者の一意識別子（JWTのsub）。
	SubjectID string
	// Name は利用者の表示名。
	Name string
	// Email は利用者のメールアドレス。
	Email string
	// IsAttendant は利用者が受付担当者かどうか。
	IsAttendant bool
}

// tokenClaims はJWTに載せるクレームの実体。
// クライアントトークンとサービストークンで共通の形をとる。
type tokenClaims struct {
	jwt.RegisteredClaims
	// Name は利用者の表示名。
	Name string `json:"name"`
	// Email は利用者のメールアドレス。
	Email string `json:"email"`
	// IsAttendant は受付担当者フラグ。
	IsAttendant bool `json:"is_attendant"`
}

var (
	// ErrMissingToken はAuthorizationヘッダーにBearerトークンが無いことを表す。
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken は署名検証に失敗したことを表す。有効期限切れも含む。
	ErrInvalidToken = errors.New("invalid client token")
)

// signingMethod はトークンの署名アルゴリズム。検証時もこれ以外は受け付けない。
var signingMethod = jwt.SigningMethodRS256

// コンテキストキー。
const (
	contextKeyUserID       = "user_id"
	contextKeyEmail        = "email"
	contextKeyClaims       = "client_claims"
	contextKeyServiceToken = "service_token"
)

// LoadPrivateKey はPEM形式のRSA秘密鍵ファイルを読み込む。
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵ファイルの読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵のパースに失敗 (%s): %w", path, err)
	}
	return key, nil
}

// LoadPublicKey はPEM形式のRSA公開鍵ファイルを読み込む。
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("公開鍵ファイルの読み込みに失敗: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("公開鍵のパースに失敗 (%s): %w", path, err)
	}
	return key, nil
}

// TokenIssuer はRS256でトークンに署名する。
// ログイン時のクライアントトークンと、転送時のサービストークンの両方に使う。
type TokenIssuer struct {
	// key は署名用の秘密鍵。
	key *rsa.PrivateKey
	// ttl は発行するトークンの有効期間。
	ttl time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewTokenIssuer は新しいTokenIssuerを生成する。
func NewTokenIssuer(key *rsa.PrivateKey, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}
}

// TTL は発行するトークンの有効期間を返す。
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue はクレームに署名したトークンとその有効期限を返す。
func (i *TokenIssuer) Issue(claims ClientClaims) (string, time.Time, error) {
	now := i.now()
	expiresAt := now.Add(i.ttl)
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name:        claims.Name,
		Email:       claims.Email,
		IsAttendant: claims.IsAttendant,
	}

	signed, err := jwt.NewWithClaims(signingMethod, tc).SignedString(i.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, expiresAt, nil
}

// TokenVerifier は公開鍵でトークンの署名を検証する。
type TokenVerifier struct {
	// key は検証用の公開鍵。
	key *rsa.PublicKey
}

// NewTokenVerifier は新しいTokenVerifierを生成する。
func NewTokenVerifier(key *rsa.PublicKey) *TokenVerifier {
	return &TokenVerifier{key: key}
}

// Verify はトークンを検証し、既知の4項目だけをClientClaimsとして返す。
// 検証失敗は全てErrInvalidTokenでラップする。
func (v *TokenVerifier) Verify(tokenString string) (ClientClaims, error) {
	tc := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, tc, func(_ *jwt.Token) (any, error) {
		return v.key, nil
	}, jwt.WithValidMethods([]string{signingMethod.Alg()}))
	if err != nil {
		return ClientClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ClientClaims{}, ErrInvalidToken
	}

	return ClientClaims{
		SubjectID:   tc.Subject,
		Name:        tc.Name,
		Email:       tc.Email,
		IsAttendant: tc.IsAttendant,
	}, nil
}

// TokenTranslator はクライアントトークンを検証し、短命なサービストークンへ交換する。
type TokenTranslator struct {
	// verifier はクライアントトークンの検証器。
	verifier *TokenVerifier
	// issuer はサービストークンの発行器。
	issuer *TokenIssuer
}

// NewTokenTranslator は新しいTokenTranslatorを生成する。
func NewTokenTranslator(verifier *TokenVerifier, issuer *TokenIssuer) *TokenTranslator {
	return &TokenTranslator{verifier: verifier, issuer: issuer}
}

// Translate はAuthorizationヘッダーの値からサービストークンを発行する。
// サービストークンの有効期限はクライアントトークンの残り時間とは無関係。
func (t *TokenTranslator) Translate(authHeader string) (string, ClientClaims, error) {
	clientToken, ok := BearerToken(authHeader)
	if !ok {
		return "", ClientClaims{}, ErrMissingToken
	}

	claims, err := t.verifier.Verify(clientToken)
	if err != nil {
		return "", ClientClaims{}, err
	}

	serviceToken, _, err := t.issuer.Issue(claims)
	if err != nil {
		return "", ClientClaims{}, fmt.Errorf("サービストークンの発行に失敗: %w", err)
	}
	return serviceToken, claims, nil
}

// BearerToken はAuthorizationヘッダーの値からBearerトークンを取り出す。
func BearerToken(authHeader string) (string, bool) {
	token, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// TokenExchange はクライアントトークンをサービストークンへ交換するGinミドルウェアを返す。
// skipがtrueを返すリクエストは認証せずに通す。
// 成功時はコンテキストにクレームとサービストークンを設定する。
func TokenExchange(translator *TokenTranslator, skip func(*gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if skip != nil && skip(c) {
			c.Next()
			return
		}

		serviceToken, claims, err := translator.Translate(c.GetHeader("Authorization"))
		switch {
		case errors.Is(err, ErrMissingToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrMissingToken.Error()})
			return
		case errors.Is(err, ErrInvalidToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to issue service token"})
			return
		}

		c.Set(contextKeyUserID, claims.SubjectID)
		c.Set(contextKeyEmail, claims.Email)
		c.Set(contextKeyClaims, claims)
		c.Set(contextKeyServiceToken, serviceToken)
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 認証されていないリクエストでは空文字列を返す。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetClaims はGinコンテキストから検証済みのクレームを取得する。
func GetClaims(c *gin.Context) (ClientClaims, bool) {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return ClientClaims{}, false
	}
	claims, ok := v.(ClientClaims)
	return claims, ok
}

// GetServiceToken はGinコンテキストから発行済みのサービストークンを取得する。
func GetServiceToken(c *gin.Context) string {
	return c.GetString(contextKeyServiceToken)
}
