// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイがユーザーサービスの認証情報検証APIを呼び出す際に使用する。
// 2xx以外の応答はStatusErrorとして返し、ステータスコードを呼び出し元に伝える。
package httpclient
