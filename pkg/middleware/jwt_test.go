package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	keysOnce  sync.Once
	clientKey *rsa.PrivateKey
	otherKey  *rsa.PrivateKey
)

// testKeys はテスト用のRSA鍵を返す。生成は一度だけ行う。
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()

	keysOnce.Do(func() {
		var err error
		if clientKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if otherKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return clientKey, otherKey
}

// testClaims はテスト用の利用者クレーム。
var testClaims = ClientClaims{
	SubjectID:   "42",
	Name:        "Maria",
	Email:       "maria@example.com",
	IsAttendant: true,
}

// newTestTranslator はクライアント鍵で検証し、サービス鍵で署名するTokenTranslatorを生成する。
func newTestTranslator(t *testing.T, ttl time.Duration) (*TokenTranslator, *TokenIssuer) {
	t.Helper()

	client, service := testKeys(t)
	clientIssuer := NewTokenIssuer(client, 24*time.Hour)
	translator := NewTokenTranslator(NewTokenVerifier(&client.PublicKey), NewTokenIssuer(service, ttl))
	return translator, clientIssuer
}

// TestTokenIssuer はTokenIssuerを検証する。
func TestTokenIssuer(t *testing.T) {
	t.Parallel()

	t.Run("4項目のクレームとRS256で署名されること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		tokenStr, expiresAt, err := NewTokenIssuer(key, time.Hour).Issue(testClaims)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		token, _, err := new(jwt.Parser).ParseUnverified(tokenStr, jwt.MapClaims{})
		if err != nil {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if token.Method.Alg() != "RS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", token.Method.Alg(), "RS256")
		}

		mc := token.Claims.(jwt.MapClaims)
		if mc["sub"] != "42" || mc["name"] != "Maria" || mc["email"] != "maria@example.com" || mc["is_attendant"] != true {
			t.Errorf("クレームが一致しない: %v", mc)
		}
		for k := range mc {
			switch k {
			case "sub", "name", "email", "is_attendant", "iat", "exp":
			default:
				t.Errorf("想定外のクレーム %q が含まれている", k)
			}
		}

		if d := time.Until(expiresAt); d < 59*time.Minute || d > time.Hour {
			t.Errorf("有効期限までの時間 = %v, want 約1時間", d)
		}
	})

	t.Run("TTLが返ること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		if got := NewTokenIssuer(key, 2*time.Minute).TTL(); got != 2*time.Minute {
			t.Errorf("TTL() = %v, want %v", got, 2*time.Minute)
		}
	})
}

// TestTokenVerifier はTokenVerifierを検証する。
func TestTokenVerifier(t *testing.T) {
	t.Parallel()

	t.Run("正しい鍵で署名されたトークンを検証できること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		tokenStr, _, err := NewTokenIssuer(key, time.Hour).Issue(testClaims)
		if err != nil {
			t.Fatalf("Issue()でエラーが発生: %v", err)
		}

		got, err := NewTokenVerifier(&key.PublicKey).Verify(tokenStr)
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if got != testClaims {
			t.Errorf("Verify() = %+v, want %+v", got, testClaims)
		}
	})

	t.Run("異なる鍵で署名されたトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		key, other := testKeys(t)
		tokenStr, _, _ := NewTokenIssuer(other, time.Hour).Issue(testClaims)

		_, err := NewTokenVerifier(&key.PublicKey).Verify(tokenStr)
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify()のエラー = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("期限切れトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		issuer := NewTokenIssuer(key, time.Minute)
		issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
		tokenStr, _, _ := issuer.Issue(testClaims)

		_, err := NewTokenVerifier(&key.PublicKey).Verify(tokenStr)
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify()のエラー = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("RS256以外のアルゴリズムは拒否されること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		// 公開鍵をHMAC秘密として使うアルゴリズム混同攻撃
		pubDER, _ := x509.MarshalPKIXPublicKey(&key.PublicKey)
		hs := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "1"})
		tokenStr, err := hs.SignedString(pubDER)
		if err != nil {
			t.Fatalf("HS256トークンの生成に失敗: %v", err)
		}

		_, err = NewTokenVerifier(&key.PublicKey).Verify(tokenStr)
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Verify()のエラー = %v, want ErrInvalidToken", err)
		}
	})

	t.Run("未知のクレームは読み捨てられること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"sub":          "7",
			"name":         "João",
			"email":        "joao@example.com",
			"is_attendant": false,
			"role":         "admin",
			"exp":          time.Now().Add(time.Hour).Unix(),
		})
		tokenStr, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("トークンの署名に失敗: %v", err)
		}

		got, err := NewTokenVerifier(&key.PublicKey).Verify(tokenStr)
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		want := ClientClaims{SubjectID: "7", Name: "João", Email: "joao@example.com"}
		if got != want {
			t.Errorf("Verify() = %+v, want %+v", got, want)
		}
	})
}

// TestTokenTranslator はTokenTranslatorを検証する。
func TestTokenTranslator(t *testing.T) {
	t.Parallel()

	t.Run("サービストークンが同じクレームと短いTTLで発行されること", func(t *testing.T) {
		t.Parallel()

		translator, clientIssuer := newTestTranslator(t, 120*time.Second)
		clientToken, _, _ := clientIssuer.Issue(testClaims)

		serviceToken, claims, err := translator.Translate("Bearer " + clientToken)
		if err != nil {
			t.Fatalf("Translate()でエラーが発生: %v", err)
		}
		if claims != testClaims {
			t.Errorf("claims = %+v, want %+v", claims, testClaims)
		}
		if serviceToken == clientToken {
			t.Fatal("サービストークンがクライアントトークンと同一")
		}
		clientSig := clientToken[strings.LastIndex(clientToken, ".")+1:]
		if strings.Contains(serviceToken, clientSig) {
			t.Error("サービストークンにクライアントトークンの署名が含まれている")
		}

		_, service := testKeys(t)
		parsed := &tokenClaims{}
		if _, err := jwt.ParseWithClaims(serviceToken, parsed, func(_ *jwt.Token) (any, error) {
			return &service.PublicKey, nil
		}); err != nil {
			t.Fatalf("サービストークンの検証に失敗: %v", err)
		}
		ttl := parsed.ExpiresAt.Sub(parsed.IssuedAt.Time)
		if ttl > 120*time.Second {
			t.Errorf("サービストークンのTTL = %v, want <= 120s", ttl)
		}
		if parsed.Subject != "42" || parsed.Email != "maria@example.com" || !parsed.IsAttendant {
			t.Errorf("サービストークンのクレームが一致しない: %+v", parsed)
		}
	})

	t.Run("ヘッダーが無い場合ErrMissingTokenが返ること", func(t *testing.T) {
		t.Parallel()

		translator, _ := newTestTranslator(t, time.Minute)
		for _, h := range []string{"", "Basic abc", "Bearer ", "bearer token"} {
			if _, _, err := translator.Translate(h); !errors.Is(err, ErrMissingToken) {
				t.Errorf("Translate(%q)のエラー = %v, want ErrMissingToken", h, err)
			}
		}
	})

	t.Run("不正なトークンでErrInvalidTokenが返ること", func(t *testing.T) {
		t.Parallel()

		translator, _ := newTestTranslator(t, time.Minute)
		if _, _, err := translator.Translate("Bearer not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Translate()のエラー = %v, want ErrInvalidToken", err)
		}
	})
}

// newExchangeRouter はTokenExchangeミドルウェア付きのテスト用ルーターを生成する。
func newExchangeRouter(t *testing.T, skip func(*gin.Context) bool) (*gin.Engine, *TokenIssuer) {
	t.Helper()

	translator, clientIssuer := newTestTranslator(t, 120*time.Second)
	router := gin.New()
	router.Use(TokenExchange(translator, skip))
	router.GET("/api/resource", func(c *gin.Context) {
		claims, _ := GetClaims(c)
		c.JSON(http.StatusOK, gin.H{
			"user_id":       GetUserID(c),
			"email":         claims.Email,
			"service_token": GetServiceToken(c),
		})
	})
	return router, clientIssuer
}

// TestTokenExchange はTokenExchangeミドルウェアを検証する。
func TestTokenExchange(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでコンテキストにクレームが設定されること", func(t *testing.T) {
		t.Parallel()

		router, clientIssuer := newExchangeRouter(t, nil)
		clientToken, _, _ := clientIssuer.Issue(testClaims)

		req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
		req.Header.Set("Authorization", "Bearer "+clientToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["user_id"] != "42" {
			t.Errorf("user_id = %q, want %q", body["user_id"], "42")
		}
		if body["email"] != "maria@example.com" {
			t.Errorf("email = %q, want %q", body["email"], "maria@example.com")
		}
		if body["service_token"] == "" || body["service_token"] == clientToken {
			t.Errorf("service_tokenが不正: %q", body["service_token"])
		}
	})

	tests := []struct {
		name      string
		header    string
		wantError string
	}{
		{name: "Authorizationヘッダーが無い場合401が返ること", header: "", wantError: "missing token"},
		{name: "Bearer接頭辞が無い場合401が返ること", header: "Token abc", wantError: "missing token"},
		{name: "無効なトークンで401が返ること", header: "Bearer invalid.token.value", wantError: "invalid client token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			router, _ := newExchangeRouter(t, nil)
			req := httptest.NewRequest(http.MethodGet, "/api/resource", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}

	t.Run("skipがtrueの場合トークン無しで通過すること", func(t *testing.T) {
		t.Parallel()

		router, _ := newExchangeRouter(t, func(_ *gin.Context) bool { return true })
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/resource", nil))

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// writePEM はPEMブロックを一時ファイルに書き出してパスを返す。
func writePEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "key.pem")
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("PEMファイルの書き込みに失敗: %v", err)
	}
	return path
}

// TestLoadKeys は鍵ファイルの読み込みを検証する。
func TestLoadKeys(t *testing.T) {
	t.Parallel()

	t.Run("PEM形式の鍵ペアを読み込めること", func(t *testing.T) {
		t.Parallel()

		key, _ := testKeys(t)
		privPath := writePEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))
		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			t.Fatalf("公開鍵のエンコードに失敗: %v", err)
		}
		pubPath := writePEM(t, "PUBLIC KEY", pubDER)

		priv, err := LoadPrivateKey(privPath)
		if err != nil {
			t.Fatalf("LoadPrivateKey()でエラーが発生: %v", err)
		}
		pub, err := LoadPublicKey(pubPath)
		if err != nil {
			t.Fatalf("LoadPublicKey()でエラーが発生: %v", err)
		}
		if !priv.PublicKey.Equal(pub) {
			t.Error("読み込んだ鍵ペアが一致しない")
		}
	})

	t.Run("存在しないファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := LoadPrivateKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
			t.Error("LoadPrivateKey()がエラーを返さなかった")
		}
		if _, err := LoadPublicKey(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
			t.Error("LoadPublicKey()がエラーを返さなかった")
		}
	})

	t.Run("PEMでないファイルはエラーになること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "garbage.pem")
		if err := os.WriteFile(path, []byte("not a key"), 0o600); err != nil {
			t.Fatalf("ファイルの書き込みに失敗: %v", err)
		}
		if _, err := LoadPrivateKey(path); err == nil {
			t.Error("LoadPrivateKey()がエラーを返さなかった")
		}
	})
}
