package cli

import (
	"fmt"
	"log/slog"

	"github.com/gonkalabs/gonka-anonymizer/internal/anon"
	"github.com/gonkalabs/gonka-anonymizer/internal/config"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize/llmclassifier"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize/ner"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize/pattern"
	"github.com/gonkalabs/gonka-anonymizer/internal/sanitize/presidio"
	"github.com/gonkalabs/gonka-anonymizer/internal/signer"
	"github.com/gonkalabs/gonka-anonymizer/internal/upstream"
)

// buildService returns the remote client when c.RemoteURL is set and the
// local engine otherwise.
func buildService(c *config.Cfg) (anon.Service, error) {
	if c.RemoteURL != "" {
		return buildClient(c)
	}
	return buildSanitizer(c)
}

func buildClient(c *config.Cfg) (*upstream.Client, error) {
	var opts []upstream.Option
	if c.SigningKey != "" {
		s, err := signer.New(c.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("signing key: %w", err)
		}
		opts = append(opts, upstream.WithSigner(s))
		slog.Debug("requests will be signed", "address", s.Address())
	}
	return upstream.New(c.RemoteURL, opts...), nil
}

// buildSanitizer composes the classifiers enabled in c.
func buildSanitizer(c *config.Cfg) (*sanitize.Sanitizer, error) {
	var classifiers []sanitize.Classifier

	custom, err := pattern.ParseRules(c.File.RuleStrings())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", c.FilePath, err)
	}
	switch {
	case c.SanitizePatterns:
		classifiers = append(classifiers, pattern.New(custom...))
		slog.Debug("sanitize: pattern layer enabled", "custom_rules", len(custom))
	case len(custom) > 0:
		classifiers = append(classifiers, pattern.NewWithRules(custom))
		slog.Debug("sanitize: custom pattern rules enabled", "rules", len(custom))
	}

	if c.SanitizeNER {
		n := ner.New(c.SanitizeNERURL)
		classifiers = append(classifiers, n)
		slog.Info("sanitize: NER layer enabled", "url", c.SanitizeNERURL, "sidecars", n.Len())
	}
	if c.SanitizePresidio {
		classifiers = append(classifiers, presidio.New(
			c.SanitizePresidioURL,
			c.SanitizePresidioLanguage,
			c.SanitizePresidioThreshold,
		))
		slog.Info("sanitize: Presidio layer enabled",
			"url", c.SanitizePresidioURL,
			"language", c.SanitizePresidioLanguage,
		)
	}
	if c.SanitizeLLM {
		classifiers = append(classifiers, llmclassifier.New(
			c.SanitizeLLMURL,
			c.SanitizeLLMModel,
			llmclassifier.WithRateLimit(c.SanitizeLLMRPS),
		))
		slog.Info("sanitize: LLM layer enabled",
			"url", c.SanitizeLLMURL,
			"model", c.SanitizeLLMModel,
			"rps", c.SanitizeLLMRPS,
		)
	}

	return sanitize.NewWithClassifiers(classifiers,
		sanitize.WithBudget(c.SanitizeBudget),
		sanitize.WithAllowList(c.File.Allow),
	), nil
}
