package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	imErrors "sudooom.im.realtime/internal/errors"
)

// TokenType Token 类型
type TokenType string

const (
	AccessToken  TokenType = "access"
	RefreshToken TokenType = "refresh"
)

// TokenConfig 与 HTTP 鉴权共用的 Token 校验配置
type TokenConfig struct {
	Secret       string
	Algorithm    string        // HS256 / HS384 / HS512
	Issuer       string        // 为空时不校验
	Audience     string        // 为空时不校验
	MaxAge       time.Duration // 签发后最长有效时间，0 表示不限制
	AccessExpire time.Duration // 签发 access token 的有效期
}

// Claims JWT 声明
type Claims struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email,omitempty"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type,omitempty"`
	jwt.RegisteredClaims
}

// TokenService JWT 服务
type TokenService struct {
	cfg    TokenConfig
	secret []byte
	method jwt.SigningMethod
	now    func() time.Time
}

// NewTokenService 创建 JWT 服务，只支持共享密钥的 HMAC 算法
func NewTokenService(cfg TokenConfig) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("auth secret is required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = jwt.SigningMethodHS256.Alg()
	}

	method, ok := jwt.GetSigningMethod(cfg.Algorithm).(*jwt.SigningMethodHMAC)
	if !ok {
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}

	return &TokenService{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		method: method,
		now:    time.Now,
	}, nil
}

// Generate 签发 access token
func (s *TokenService) Generate(userID, email, role string) (string, error) {
	if userID == "" {
		return "", errors.New("user id required")
	}

	now := s.now()
	claims := &Claims{
		UserID:    userID,
		Email:     email,
		Role:      role,
		TokenType: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessExpire)),
			Issuer:    s.cfg.Issuer,
		},
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	if s.cfg.AccessExpire <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(s.method, claims)
	return token.SignedString(s.secret)
}

// Validate 校验 Token，返回的错误一定是 internal/errors 中的认证错误
func (s *TokenService) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.method.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}

	token, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, imErrors.ErrInvalidSignature
	}

	// 兼容只带 sub 的 token
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, imErrors.ErrMalformedClaims.Wrap(errors.New("user id is empty"))
	}
	if claims.TokenType != "" && claims.TokenType != AccessToken {
		return nil, imErrors.ErrMalformedClaims.Wrap(fmt.Errorf("unexpected token type %q", claims.TokenType))
	}

	if s.cfg.MaxAge > 0 {
		if claims.IssuedAt == nil {
			return nil, imErrors.ErrMalformedClaims.Wrap(errors.New("iat is required"))
		}
		if s.now().Sub(claims.IssuedAt.Time) > s.cfg.MaxAge {
			return nil, imErrors.ErrTokenExpired.Wrap(errors.New("token exceeds max age"))
		}
	}

	return claims, nil
}

// classify 将 jwt 库错误映射为认证错误类别
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return imErrors.ErrTokenExpired.Wrap(err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return imErrors.ErrInvalidSignature.Wrap(err)
	default:
		// issuer / audience / nbf / iat 等声明错误
		return imErrors.ErrMalformedClaims.Wrap(err)
	}
}

// peekEmail 不校验签名读取 email，仅用于审计日志
func peekEmail(tokenString string) string {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return ""
	}
	return claims.Email
}
