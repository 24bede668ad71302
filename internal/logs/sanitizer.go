package logs

import (
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// SecretSanitizer wraps a zapcore.Core to mask API keys and bridge tokens in log output
type SecretSanitizer struct {
	zapcore.Core
	patterns []*secretPattern
	resolved *sync.Map // secret values registered at runtime
}

type secretPattern struct {
	name     string
	regex    *regexp.Regexp
	maskFunc func(string) string
}

// NewSecretSanitizer creates a new sanitizing core that wraps the provided core
func NewSecretSanitizer(core zapcore.Core) *SecretSanitizer {
	return &SecretSanitizer{
		Core:     core,
		patterns: defaultPatterns(),
		resolved: &sync.Map{},
	}
}

func defaultPatterns() []*secretPattern {
	return []*secretPattern{
		{
			// Google AI Studio keys (AIza...)
			name:     "gemini_key",
			regex:    regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`),
			maskFunc: MaskSecret,
		},
		{
			name:  "bearer_token",
			regex: regexp.MustCompile(`\bBearer\s+[A-Za-z0-9\-\._~\+\/]+=*`),
			maskFunc: func(token string) string {
				parts := strings.SplitN(token, " ", 2)
				if len(parts) != 2 {
					return "Bearer ****"
				}
				return "Bearer " + MaskSecret(strings.TrimSpace(parts[1]))
			},
		},
	}
}

// RegisterSecret registers a runtime secret (the stored API key, the bridge token)
// so every later occurrence is masked
func (s *SecretSanitizer) RegisterSecret(value string) {
	if len(value) < 4 {
		return
	}
	s.resolved.Store(value, true)
}

// UnregisterSecret removes a secret from the mask set, e.g. after the key is deleted
func (s *SecretSanitizer) UnregisterSecret(value string) {
	s.resolved.Delete(value)
}

func (s *SecretSanitizer) sanitizeString(str string) string {
	result := str

	s.resolved.Range(func(key, _ interface{}) bool {
		if secretValue, ok := key.(string); ok && secretValue != "" {
			result = strings.ReplaceAll(result, secretValue, MaskSecret(secretValue))
		}
		return true
	})

	for _, pattern := range s.patterns {
		result = pattern.regex.ReplaceAllStringFunc(result, pattern.maskFunc)
	}

	return result
}

// Write sanitizes the entry before writing
func (s *SecretSanitizer) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	entry.Message = s.sanitizeString(entry.Message)
	return s.Core.Write(entry, s.sanitizeFields(fields))
}

func (s *SecretSanitizer) sanitizeFields(fields []zapcore.Field) []zapcore.Field {
	sanitized := make([]zapcore.Field, len(fields))
	for i, field := range fields {
		sanitized[i] = s.sanitizeField(field)
	}
	return sanitized
}

func (s *SecretSanitizer) sanitizeField(field zapcore.Field) zapcore.Field {
	switch field.Type {
	case zapcore.StringType:
		field.String = s.sanitizeString(field.String)
	case zapcore.ByteStringType:
		if raw, ok := field.Interface.([]byte); ok {
			field.Interface = []byte(s.sanitizeString(string(raw)))
		}
	case zapcore.StringerType, zapcore.ReflectType:
		if stringer, ok := field.Interface.(interface{ String() string }); ok {
			original := stringer.String()
			if sanitized := s.sanitizeString(original); sanitized != original {
				field = zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: sanitized}
			}
		}
	}
	return field
}

// With creates a sanitizing child core sharing the registered secrets
func (s *SecretSanitizer) With(fields []zapcore.Field) zapcore.Core {
	return &SecretSanitizer{
		Core:     s.Core.With(s.sanitizeFields(fields)),
		patterns: s.patterns,
		resolved: s.resolved,
	}
}

// Check delegates to the wrapped core
func (s *SecretSanitizer) Check(entry zapcore.Entry, checkedEntry *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return checkedEntry.AddCore(entry, s)
	}
	return checkedEntry
}

// MaskSecret shows the first and last four characters of a secret
func MaskSecret(value string) string {
	r := []rune(value)
	if len(r) <= 8 {
		return "****"
	}
	return string(r[:4]) + "****" + string(r[len(r)-4:])
}

// MaskEnv masks the values of credential-looking variables in a KEY=VALUE list
func MaskEnv(env []string) []string {
	masked := make([]string, len(env))
	for i, envVar := range env {
		key, value, ok := strings.Cut(envVar, "=")
		if !ok {
			masked[i] = envVar
			continue
		}
		lower := strings.ToLower(key)
		if strings.Contains(lower, "key") || strings.Contains(lower, "secret") ||
			strings.Contains(lower, "token") || strings.Contains(lower, "password") {
			masked[i] = key + "=" + MaskSecret(value)
		} else {
			masked[i] = envVar
		}
	}
	return masked
}
