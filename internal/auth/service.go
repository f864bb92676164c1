package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验 API Key 并解析调用方身份。
type Service struct {
	mode Mode
	keys []credential
}

// NewService 根据配置构造认证服务，getenv 为空时使用 os.Getenv。
func NewService(cfg Config, getenv func(string) string) (*Service, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeAPIKey:
	default:
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("未知的认证模式: %s", cfg.Mode))
	}

	for i, key := range cfg.Keys {
		token := strings.TrimSpace(key.Token)
		if token == "" && key.TokenEnv != "" {
			token = strings.TrimSpace(getenv(key.TokenEnv))
		}
		if token == "" {
			return nil, xerrors.New(xerrors.CodeConfigurationInvalid, fmt.Sprintf("API Key %d (%s) 缺少令牌", i, key.Name))
		}
		subject := &Subject{
			Name:        key.Name,
			Permissions: append([]string(nil), key.Permissions...),
			Disabled:    key.Disabled,
		}
		subject.normalise()
		s.keys = append(s.keys, credential{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	if len(s.keys) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigurationInvalid, "api_key 模式至少需要一个 API Key")
	}
	return s, nil
}

// Enabled 判断是否启用了认证。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 解析 Authorization 头并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var matched *Subject
	for _, cred := range s.keys {
		if subtle.ConstantTimeCompare(digest[:], cred.digest[:]) == 1 {
			matched = cred.subject
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	if matched.Disabled {
		return nil, ErrSubjectRevoked
	}
	return matched, nil
}

func (s *Service) auditLogger() *slog.Logger {
	return logger.Audit().With("component", "auth")
}
