// Package translate translates cluster labels and summaries into every
// supported display language with Google Cloud Translation v3.
package translate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
	"github.com/zkorum/mathupdater/telemetry"
)

const (
	cloudTranslationScope = "https://www.googleapis.com/auth/cloud-translation"

	// maxParallelLanguages bounds concurrent translateText calls.
	maxParallelLanguages = 4
)

// LabelTranslation is one cluster's label and summary in one language.
// A nil field had nothing to translate.
type LabelTranslation struct {
	Key          int
	LanguageCode string
	Label        *string
	Summary      *string
}

// GoogleTranslator calls the Cloud Translation v3 translateText method with
// the translation LLM model.
type GoogleTranslator struct {
	endpoint   string
	projectID  string
	location   string
	source     string
	targets    []string
	httpClient *http.Client
	logger     core.Logger
}

// Option customizes a GoogleTranslator.
type Option func(*GoogleTranslator)

// WithHTTPClient uses c instead of an authenticated client built from
// Google credentials.
func WithHTTPClient(c *http.Client) Option {
	return func(t *GoogleTranslator) { t.httpClient = c }
}

// NewGoogleTranslator builds a translator. Credentials come from
// cfg.CredentialsFile when set, otherwise from Application Default
// Credentials.
func NewGoogleTranslator(ctx context.Context, cfg core.TranslationConfig, logger core.Logger, opts ...Option) (*GoogleTranslator, error) {
	if cfg.ProjectID == "" {
		return nil, core.NewUpdaterError("translate.NewGoogleTranslator", "config",
			fmt.Errorf("translation project id: %w", core.ErrMissingConfiguration))
	}
	source := cfg.SourceLanguage
	if source == "" {
		source = "en"
	}
	if _, err := GoogleLanguageCode(source); err != nil {
		return nil, core.NewUpdaterError("translate.NewGoogleTranslator", "config",
			fmt.Errorf("%v: %w", err, core.ErrInvalidConfiguration))
	}
	targets, err := TargetLanguages(cfg.Languages, source)
	if err != nil {
		return nil, core.NewUpdaterError("translate.NewGoogleTranslator", "config",
			fmt.Errorf("%v: %w", err, core.ErrInvalidConfiguration))
	}

	location := cfg.Location
	if location == "" {
		location = "global"
	}
	t := &GoogleTranslator{
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		projectID: cfg.ProjectID,
		location:  location,
		source:    source,
		targets:   targets,
		logger:    core.WithComponent(logger, "mathupdater/translate"),
	}
	if t.endpoint == "" {
		t.endpoint = "https://translation.googleapis.com"
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.httpClient == nil {
		ts, err := tokenSource(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, core.NewUpdaterError("translate.NewGoogleTranslator", "config", err)
		}
		t.httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &oauth2.Transport{
				Source: ts,
				Base:   otelhttp.NewTransport(http.DefaultTransport),
			},
		}
	}

	t.logger.Info("Translation configured", map[string]interface{}{
		"project_id": t.projectID,
		"location":   t.location,
		"source":     t.source,
		"targets":    t.targets,
	})
	return t, nil
}

func tokenSource(ctx context.Context, credentialsFile string) (oauth2.TokenSource, error) {
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read google credentials: %w", err)
		}
		creds, err := google.CredentialsFromJSON(ctx, data, cloudTranslationScope)
		if err != nil {
			return nil, fmt.Errorf("parse google credentials: %w", err)
		}
		return creds.TokenSource, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, cloudTranslationScope)
	if err != nil {
		return nil, fmt.Errorf("find google credentials: %w: %v", core.ErrMissingConfiguration, err)
	}
	return creds.TokenSource, nil
}

// Targets returns the languages every label is translated into.
func (t *GoogleTranslator) Targets() []string {
	return append([]string(nil), t.targets...)
}

// TranslateLabels translates every label and summary into every target
// language. Any failed language fails the whole call.
func (t *GoogleTranslator) TranslateLabels(ctx context.Context, labels map[int]ai.ClusterLabel) ([]LabelTranslation, error) {
	ctx, span := telemetry.StartSpan(ctx, "translate.labels",
		attribute.Int("translate.clusters", len(labels)),
		attribute.Int("translate.languages", len(t.targets)))
	defer span.End()

	keys := make([]int, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	type slot struct {
		key     int
		summary bool
	}
	var texts []string
	var slots []slot
	for _, k := range keys {
		l := labels[k]
		if l.Label != "" {
			texts = append(texts, l.Label)
			slots = append(slots, slot{key: k})
		}
		if l.Summary != "" {
			texts = append(texts, l.Summary)
			slots = append(slots, slot{key: k, summary: true})
		}
	}
	if len(texts) == 0 || len(t.targets) == 0 {
		return nil, nil
	}

	start := time.Now()
	results := make([][]string, len(t.targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelLanguages)
	for i, lang := range t.targets {
		g.Go(func() error {
			translated, err := t.TranslateTexts(gctx, texts, lang)
			if err != nil {
				return fmt.Errorf("translate to %s: %w", lang, err)
			}
			results[i] = translated
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordSpanError(ctx, err)
		telemetry.Counter("mathupdater.translation.failures")
		return nil, fmt.Errorf("%w: %w", core.ErrTranslationFailed, err)
	}

	var out []LabelTranslation
	for i, lang := range t.targets {
		byKey := make(map[int]*LabelTranslation, len(keys))
		for j, s := range slots {
			tr, ok := byKey[s.key]
			if !ok {
				tr = &LabelTranslation{Key: s.key, LanguageCode: lang}
				byKey[s.key] = tr
			}
			text := results[i][j]
			if s.summary {
				tr.Summary = &text
			} else {
				tr.Label = &text
			}
		}
		for _, k := range keys {
			if tr, ok := byKey[k]; ok {
				out = append(out, *tr)
			}
		}
	}

	telemetry.Duration("mathupdater.translation.duration", start)
	t.logger.InfoWithContext(ctx, "Labels translated", map[string]interface{}{
		"operation":    "translate_labels",
		"texts":        len(texts),
		"languages":    len(t.targets),
		"translations": len(out),
		"duration_ms":  time.Since(start).Milliseconds(),
	})
	return out, nil
}

type translateRequest struct {
	Contents           []string `json:"contents"`
	MimeType           string   `json:"mimeType"`
	SourceLanguageCode string   `json:"sourceLanguageCode"`
	TargetLanguageCode string   `json:"targetLanguageCode"`
	Model              string   `json:"model"`
}

type translateResponse struct {
	Translations []struct {
		TranslatedText string `json:"translatedText"`
	} `json:"translations"`
}

// TranslateTexts translates texts from the source language into target,
// preserving order.
func (t *GoogleTranslator) TranslateTexts(ctx context.Context, texts []string, target string) ([]string, error) {
	src, err := GoogleLanguageCode(t.source)
	if err != nil {
		return nil, err
	}
	dst, err := GoogleLanguageCode(target)
	if err != nil {
		return nil, err
	}

	parent := fmt.Sprintf("projects/%s/locations/%s", t.projectID, t.location)
	body, err := json.Marshal(translateRequest{
		Contents:           texts,
		MimeType:           "text/plain",
		SourceLanguageCode: src,
		TargetLanguageCode: dst,
		Model:              parent + "/models/general/translation-llm",
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.endpoint+"/v3/"+parent+":translateText", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		if len(data) > 512 {
			data = data[:512]
		}
		return nil, fmt.Errorf("translation API status %d: %s", resp.StatusCode, data)
	}

	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Translations) != len(texts) {
		return nil, fmt.Errorf("expected %d translations, got %d", len(texts), len(out.Translations))
	}
	translated := make([]string, len(texts))
	for i, tr := range out.Translations {
		if tr.TranslatedText == "" {
			return nil, fmt.Errorf("no translated text returned for %q", texts[i])
		}
		translated[i] = tr.TranslatedText
	}
	return translated, nil
}
