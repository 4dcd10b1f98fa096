package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/config"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize"
	"github.com/gonkalabs/gonka-anonymizer/internal/upstream"
)

func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return srv.URL
}

func TestBuildService_LocalByDefault(t *testing.T) {
	svc, err := buildService(testConfig())

	require.NoError(t, err)
	assert.IsType(t, &sanitize.Sanitizer{}, svc)
}

func TestBuildService_Remote(t *testing.T) {
	c := testConfig()
	c.RemoteURL = "http://localhost:8000"

	svc, err := buildService(c)

	require.NoError(t, err)
	assert.IsType(t, &upstream.Client{}, svc)
}

func TestBuildService_BadSigningKey(t *testing.T) {
	c := testConfig()
	c.RemoteURL = "http://localhost:8000"
	c.SigningKey = "not-hex"

	_, err := buildService(c)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing key")
}

func TestBuildSanitizer_CustomRulesWithoutBuiltins(t *testing.T) {
	c := testConfig()
	c.SanitizePatterns = false
	c.File = config.FileCfg{Rules: []config.RuleCfg{{Label: "EMPLOYEE_ID", Pattern: `EMP-[0-9]{6}`}}}

	s, err := buildSanitizer(c)
	require.NoError(t, err)
	doc, err := s.Anonymize(context.Background(), "EMP-123456 wrote to a@b.io")

	require.NoError(t, err)
	assert.Equal(t, "[EMPLOYEE_ID_1] wrote to a@b.io", doc.AnonymizedText)
}

func TestBuildSanitizer_AllowList(t *testing.T) {
	c := testConfig()
	c.File = config.FileCfg{Allow: []string{"support@acme.example"}}

	s, err := buildSanitizer(c)
	require.NoError(t, err)
	doc, err := s.Anonymize(context.Background(), "support@acme.example or eve@example.com")

	require.NoError(t, err)
	assert.Equal(t, "support@acme.example or [EMAIL_ADDRESS_1]", doc.AnonymizedText)
}

func TestBuildSanitizer_InvalidRule(t *testing.T) {
	c := testConfig()
	c.FilePath = "anonymizer.toml"
	c.File = config.FileCfg{Rules: []config.RuleCfg{{Label: "BAD", Pattern: `(`}}}

	_, err := buildSanitizer(c)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "anonymizer.toml")
}

func TestBuildSanitizer_UnreachableLayersFailClosed(t *testing.T) {
	tests := map[string]func(c *config.Cfg, url string){
		"ner": func(c *config.Cfg, url string) {
			c.SanitizeNER, c.SanitizeNERURL = true, url
		},
		"presidio": func(c *config.Cfg, url string) {
			c.SanitizePresidio, c.SanitizePresidioURL, c.SanitizePresidioLanguage = true, url, "en"
		},
		"llm": func(c *config.Cfg, url string) {
			c.SanitizeLLM, c.SanitizeLLMURL, c.SanitizeLLMModel, c.SanitizeLLMRPS = true, url, "test", 10
		},
	}
	for name, enable := range tests {
		t.Run(name, func(t *testing.T) {
			c := testConfig()
			enable(c, closedURL(t))

			s, err := buildSanitizer(c)
			require.NoError(t, err)
			_, err = s.Anonymize(context.Background(), "Alice lives in Paris")

			assert.ErrorIs(t, err, anon.ErrServiceUnavailable)
		})
	}
}
