package auth

import (
	"log/slog"
	"net/http"
	"strings"

	imErrors "sudooom.im.realtime/internal/errors"
)

// Source 凭证来源
type Source string

const (
	SourceNone      Source = "none"
	SourceCookie    Source = "cookie"
	SourceHandshake Source = "handshake"
	SourceHeader    Source = "authorization"
)

// Identity 通道认证成功后的身份，通道生命周期内不变
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Credentials 建立通道时携带的原始凭证
type Credentials struct {
	Cookie        string // 原始 Cookie 请求头
	Handshake     string // 握手阶段的 auth 字段
	Authorization string // Authorization 请求头
	RemoteAddr    string
}

// CredentialsFromRequest 从升级请求中收集凭证，handshake 为握手 auth 字段
func CredentialsFromRequest(r *http.Request, handshake string) Credentials {
	return Credentials{
		Cookie:        r.Header.Get("Cookie"),
		Handshake:     handshake,
		Authorization: r.Header.Get("Authorization"),
		RemoteAddr:    r.RemoteAddr,
	}
}

// ExtractToken 按 cookie > handshake > Authorization 的优先级取出 token
func ExtractToken(creds Credentials, cookieName string) (string, Source, error) {
	if token := tokenFromCookie(creds.Cookie, cookieName); token != "" {
		return token, SourceCookie, nil
	}
	if token := strings.TrimSpace(creds.Handshake); token != "" {
		return token, SourceHandshake, nil
	}
	if token := tokenFromBearer(creds.Authorization); token != "" {
		return token, SourceHeader, nil
	}
	return "", SourceNone, imErrors.ErrMissingCredential
}

func tokenFromCookie(header, name string) string {
	if header == "" || name == "" {
		return ""
	}
	cookies, err := http.ParseCookie(header)
	if err != nil {
		return ""
	}
	for _, c := range cookies {
		if c.Name == name {
			return strings.TrimSpace(c.Value)
		}
	}
	return ""
}

// tokenFromBearer 从 Authorization header 提取 token
func tokenFromBearer(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// Recorder 认证结果统计
type Recorder interface {
	ObserveAuth(result string)
}

// Authenticator 通道认证器
type Authenticator struct {
	tokens     *TokenService
	cookieName string
	logger     *slog.Logger
	recorder   Recorder
}

// NewAuthenticator 创建通道认证器，recorder 可为 nil
func NewAuthenticator(tokens *TokenService, cookieName string, logger *slog.Logger, recorder Recorder) *Authenticator {
	return &Authenticator{
		tokens:     tokens,
		cookieName: cookieName,
		logger:     logger,
		recorder:   recorder,
	}
}

// Authenticate 校验通道凭证
// 失败时返回 internal/errors 中的认证错误，调用方不得注册该通道
func (a *Authenticator) Authenticate(creds Credentials) (*Identity, error) {
	token, source, err := ExtractToken(creds, a.cookieName)
	if err != nil {
		a.audit(false, source, "", creds.RemoteAddr, err)
		return nil, err
	}

	claims, err := a.tokens.Validate(token)
	if err != nil {
		a.audit(false, source, peekEmail(token), creds.RemoteAddr, err)
		return nil, err
	}

	identity := &Identity{
		UserID: claims.UserID,
		Email:  claims.Email,
		Role:   claims.Role,
	}
	a.audit(true, source, identity.Email, creds.RemoteAddr, nil)
	return identity, nil
}

// audit 记录审计日志，不输出原始 token 与完整邮箱
func (a *Authenticator) audit(ok bool, source Source, email, remoteAddr string, err error) {
	if a.recorder != nil {
		if ok {
			a.recorder.ObserveAuth("success")
		} else {
			a.recorder.ObserveAuth(resultLabel(err))
		}
	}

	if ok {
		a.logger.Info("Channel authenticated",
			"email", MaskEmail(email),
			"source", source,
			"remote_addr", remoteAddr)
		return
	}
	a.logger.Warn("Channel authentication failed",
		"email", MaskEmail(email),
		"source", source,
		"remote_addr", remoteAddr,
		"code", imErrors.GetCode(err),
		"reason", imErrors.GetMessage(err))
}

func resultLabel(err error) string {
	switch imErrors.GetCode(err) {
	case imErrors.CodeMissingCredential:
		return "missing_credential"
	case imErrors.CodeInvalidSignature:
		return "invalid_signature"
	case imErrors.CodeTokenExpired:
		return "expired"
	case imErrors.CodeMalformedClaims:
		return "malformed_claims"
	default:
		return "error"
	}
}

// MaskEmail 保留 local part 前两个字符，其余省略
// "john.doe@example.com" -> "jo***@example.com"
func MaskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, found := strings.Cut(email, "@")
	runes := []rune(local)
	if len(runes) > 2 {
		runes = runes[:2]
	}
	masked := string(runes) + "***"
	if found {
		masked += "@" + domain
	}
	return masked
}
