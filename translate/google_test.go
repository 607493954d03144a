package translate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkorum/mathupdater/ai"
	"github.com/zkorum/mathupdater/core"
)

// fakeAPI prefixes every text with the target language code.
type fakeAPI struct {
	mu       sync.Mutex
	requests []translateRequest
	paths    []string
	failLang string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.paths = append(f.paths, r.URL.Path)
	f.mu.Unlock()

	if req.TargetLanguageCode == f.failLang {
		http.Error(w, `{"error": {"code": 429}}`, http.StatusTooManyRequests)
		return
	}
	var resp translateResponse
	for _, c := range req.Contents {
		resp.Translations = append(resp.Translations, struct {
			TranslatedText string `json:"translatedText"`
		}{TranslatedText: req.TargetLanguageCode + ":" + c})
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func newTestTranslator(t *testing.T, api *fakeAPI, languages ...string) *GoogleTranslator {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tr, err := NewGoogleTranslator(context.Background(), core.TranslationConfig{
		ProjectID:      "agora-test",
		Location:       "global",
		Endpoint:       srv.URL,
		SourceLanguage: "en",
		Languages:      languages,
		Timeout:        5 * time.Second,
	}, nil, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return tr
}

func TestTranslateLabels(t *testing.T) {
	api := &fakeAPI{}
	tr := newTestTranslator(t, api, "en", "es", "zh-Hans")
	assert.Equal(t, []string{"es", "zh-Hans"}, tr.Targets())

	out, err := tr.TranslateLabels(context.Background(), map[int]ai.ClusterLabel{
		1: {Label: "Skeptics", Summary: "Doubt it."},
		0: {Label: "Builders", Summary: "Want it."},
	})
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, 0, out[0].Key)
	assert.Equal(t, "es", out[0].LanguageCode)
	assert.Equal(t, "es:Builders", *out[0].Label)
	assert.Equal(t, "es:Want it.", *out[0].Summary)
	assert.Equal(t, "zh-Hans", out[3].LanguageCode)
	assert.Equal(t, "zh-CN:Doubt it.", *out[3].Summary)

	require.Len(t, api.requests, 2)
	for i, req := range api.requests {
		assert.Equal(t, "en", req.SourceLanguageCode)
		assert.Equal(t, "text/plain", req.MimeType)
		assert.Equal(t, "projects/agora-test/locations/global/models/general/translation-llm", req.Model)
		assert.Equal(t, "/v3/projects/agora-test/locations/global:translateText", api.paths[i])
	}
}

func TestTranslateLabels_OneLanguageFails(t *testing.T) {
	api := &fakeAPI{failLang: "fr"}
	tr := newTestTranslator(t, api, "es", "fr")

	_, err := tr.TranslateLabels(context.Background(), map[int]ai.ClusterLabel{0: {Label: "A", Summary: "B"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTranslationFailed)
	assert.True(t, strings.Contains(err.Error(), "429"))
}

func TestTranslateLabels_NothingToDo(t *testing.T) {
	api := &fakeAPI{}
	tr := newTestTranslator(t, api, "en")

	out, err := tr.TranslateLabels(context.Background(), map[int]ai.ClusterLabel{0: {Label: "A", Summary: "B"}})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, api.requests)
}

func TestTranslateTexts_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"translations": [{"translatedText": "uno"}]}`))
	}))
	defer srv.Close()

	tr, err := NewGoogleTranslator(context.Background(), core.TranslationConfig{
		ProjectID: "p", Endpoint: srv.URL, Languages: []string{"es"},
	}, nil, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = tr.TranslateTexts(context.Background(), []string{"one", "two"}, "es")
	assert.ErrorContains(t, err, "expected 2 translations")
}

func TestNewGoogleTranslator_Config(t *testing.T) {
	_, err := NewGoogleTranslator(context.Background(), core.TranslationConfig{}, nil)
	assert.True(t, core.IsConfigurationError(err))

	_, err = NewGoogleTranslator(context.Background(), core.TranslationConfig{
		ProjectID: "p", Languages: []string{"es", "klingon"},
	}, nil, WithHTTPClient(http.DefaultClient))
	assert.True(t, core.IsConfigurationError(err))
}

func TestGoogleLanguageCode(t *testing.T) {
	code, err := GoogleLanguageCode("zh-Hant")
	require.NoError(t, err)
	assert.Equal(t, "zh-TW", code)

	_, err = GoogleLanguageCode("xx")
	assert.Error(t, err)

	targets, err := TargetLanguages([]string{"en", "fr", " fr", "ja"}, "en")
	require.NoError(t, err)
	assert.Equal(t, []string{"fr", "ja"}, targets)
}
