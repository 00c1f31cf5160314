// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。パス接頭辞の転送ルールに従ってリクエストを内部サービスへ中継し、
// 中継の前にクライアントトークンを検証して短命なサービストークンへ交換する。
// 拒否パスは認証より先に403で打ち切り、全てのリクエストを監査ログに記録する。
package gateway
