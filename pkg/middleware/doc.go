// Package middleware はゲートウェイで使用するGinミドルウェアとトークン処理を提供する。
//
// RS256によるクライアントトークンの検証とサービストークンへの交換、
// リクエストIDの採番、クライアント単位のレート制限、パニックリカバリ、
// CORS設定を含む。
package middleware
