package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vitor-zanatta-walter/microservices-api/pkg/httpclient"
	"github.com/vitor-zanatta-walter/microservices-api/pkg/middleware"
)

// loginRequest はログインAPIのリクエストボディ。
type loginRequest struct {
	// Email は利用者のメールアドレス。
	Email string `json:"email"`
	// Password は利用者のパスワード。
	Password string `json:"password"`
}

// loginResponse はログインAPIのレスポンスボディ。
type loginResponse struct {
	// AccessToken はクライアントトークン。
	AccessToken string `json:"access_token"`
	// TokenType は常に "Bearer"。
	TokenType string `json:"token_type"`
	// ExpiresIn はトークンの有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
}

// identityUser はユーザーサービスが返す利用者情報。
// idは数値、is_attendantは0/1で返る場合がある。
type identityUser struct {
	ID          flexibleString `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	IsAttendant flexibleBool   `json:"is_attendant"`
}

// flexibleString は文字列と数値のどちらのJSONも受け付ける。
type flexibleString string

// UnmarshalJSON は文字列または数値を文字列として取り込む。
func (s *flexibleString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexibleString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("idは文字列か数値である必要があります: %s", data)
	}
	*s = flexibleString(num.String())
	return nil
}

// flexibleBool は真偽値と0/1のどちらのJSONも受け付ける。
type flexibleBool bool

// UnmarshalJSON は真偽値または数値を真偽値として取り込む。
func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	switch strings.TrimSpace(string(data)) {
	case "true", "1":
		*b = true
	case "false", "0", "null":
		*b = false
	default:
		return fmt.Errorf("is_attendantは真偽値か0/1である必要があります: %s", data)
	}
	return nil
}

// errTokenIssue はクライアントトークンの署名に失敗したことを表す。
var errTokenIssue = errors.New("クライアントトークンの発行に失敗")

// LoginIssuer はユーザーサービスで認証情報を検証し、クライアントトークンを発行する。
type LoginIssuer struct {
	// identity はユーザーサービスへのクライアント。
	identity *httpclient.Client
	// validatePath は認証情報検証APIのパス。
	validatePath string
	// issuer はクライアントトークンの発行器。
	issuer *middleware.TokenIssuer
}

// NewLoginIssuer は新しいLoginIssuerを生成する。
func NewLoginIssuer(identity *httpclient.Client, validatePath string, issuer *middleware.TokenIssuer) *LoginIssuer {
	return &LoginIssuer{identity: identity, validatePath: validatePath, issuer: issuer}
}

// Login はメールアドレスとパスワードを検証し、クライアントトークンを発行する。
// ユーザーサービスが200以外を返した場合は*httpclient.StatusErrorを返す。
func (l *LoginIssuer) Login(ctx context.Context, email, password string) (loginResponse, error) {
	var user identityUser
	if err := l.identity.PostJSONStatus(ctx, l.validatePath, loginRequest{Email: email, Password: password}, &user, http.StatusOK); err != nil {
		return loginResponse{}, err
	}

	token, _, err := l.issuer.Issue(middleware.ClientClaims{
		SubjectID:   string(user.ID),
		Name:        user.Name,
		Email:       user.Email,
		IsAttendant: bool(user.IsAttendant),
	})
	if err != nil {
		return loginResponse{}, fmt.Errorf("%w: %v", errTokenIssue, err)
	}

	return loginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(l.issuer.TTL().Seconds()),
	}, nil
}

// handleLogin はログインAPIのハンドラを返す。
func (l *LoginIssuer) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
			return
		}

		ctx := httpclient.WithRequestID(c.Request.Context(), middleware.GetRequestID(c))
		resp, err := l.Login(ctx, req.Email, req.Password)
		if err != nil {
			var (
				statusErr *httpclient.StatusError
				netErr    net.Error
			)
			switch {
			// 4xxと5xxはユーザーサービスの判断としてそのまま返す。200以外の成功系は不正な応答とみなす
			case errors.As(err, &statusErr) && statusErr.StatusCode >= http.StatusBadRequest:
				c.JSON(statusErr.StatusCode, gin.H{"error": statusErr.Message()})
			case errors.Is(err, errTokenIssue):
				log.Printf("[Login] %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
			case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
				log.Printf("[Login] ユーザーサービスの応答がタイムアウト: %v", err)
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": "identity service timeout"})
			default:
				log.Printf("[Login] ログイン処理に失敗: %v", err)
				c.JSON(http.StatusBadGateway, gin.H{"error": "identity service unavailable"})
			}
			return
		}

		c.JSON(http.StatusOK, resp)
	}
}
