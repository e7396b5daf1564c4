package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/JakeFAU/siteground/internal/crawler"
	"github.com/JakeFAU/siteground/internal/llm"
)

type fakeModels struct {
	embedCalls int
	embedErrs  []error
	embedResp  *genai.EmbedContentResponse
	gotModel   string
	gotConfig  *genai.GenerateContentConfig
	gotContent []*genai.Content
	genResp    *genai.GenerateContentResponse
	genErr     error
}

func (f *fakeModels) EmbedContent(_ context.Context, model string, contents []*genai.Content, _ *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.embedCalls++
	f.gotModel = model
	f.gotContent = contents
	if len(f.embedErrs) > 0 {
		err := f.embedErrs[0]
		f.embedErrs = f.embedErrs[1:]
		return nil, err
	}
	return f.embedResp, nil
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.gotModel = model
	f.gotContent = contents
	f.gotConfig = config
	return f.genResp, f.genErr
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text}}},
		}},
	}
}

func TestEmbedder_EmbedBatch(t *testing.T) {
	t.Parallel()

	models := &fakeModels{embedResp: &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{1, 0}}, {Values: []float32{0, 1}}},
	}}
	e := NewEmbedder(models, Config{})

	vectors, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, DefaultEmbeddingModel, models.gotModel)
	require.Len(t, models.gotContent, 2)
	assert.Equal(t, "b", models.gotContent[1].Parts[0].Text)
}

func TestEmbedder_CountMismatch(t *testing.T) {
	t.Parallel()

	models := &fakeModels{embedResp: &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{1}}},
	}}
	e := NewEmbedder(models, Config{})

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	var embErr *crawler.EmbeddingError
	require.ErrorAs(t, err, &embErr)
	assert.Equal(t, llm.ProviderGemini, embErr.Provider)
}

func TestEmbedder_RetriesRateLimit(t *testing.T) {
	t.Parallel()

	models := &fakeModels{
		embedErrs: []error{genai.APIError{Code: http.StatusTooManyRequests, Message: "quota"}},
		embedResp: &genai.EmbedContentResponse{
			Embeddings: []*genai.ContentEmbedding{{Values: []float32{0.3}}},
		},
	}
	e := NewEmbedder(models, Config{
		Retry: llm.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	})

	vector, err := e.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.3}, vector)
	assert.Equal(t, 2, models.embedCalls)
}

func TestCompleter_Complete(t *testing.T) {
	t.Parallel()

	models := &fakeModels{genResp: textResponse("grounded answer")}
	c := NewCompleter(models, Config{Model: "gemini-test"})

	answer, err := c.Complete(context.Background(), llm.SystemPrompt, "Context: x\n\nQuestion: y")
	require.NoError(t, err)
	assert.Equal(t, "grounded answer", answer)

	assert.Equal(t, "gemini-test", models.gotModel)
	require.NotNil(t, models.gotConfig)
	require.NotNil(t, models.gotConfig.SystemInstruction)
	assert.Equal(t, llm.SystemPrompt, models.gotConfig.SystemInstruction.Parts[0].Text)
	require.Len(t, models.gotContent, 1)
	assert.Equal(t, genai.RoleUser, models.gotContent[0].Role)
}

func TestCompleter_Errors(t *testing.T) {
	t.Parallel()

	c := NewCompleter(&fakeModels{genErr: errors.New("boom")}, Config{Retry: llm.NoRetry()})
	_, err := c.Complete(context.Background(), "s", "u")
	var compErr *crawler.CompletionError
	require.ErrorAs(t, err, &compErr)

	c = NewCompleter(&fakeModels{}, Config{})
	_, err = c.Complete(context.Background(), "s", "u")
	require.ErrorAs(t, err, &compErr)
}

func TestNewClient_RequiresKey(t *testing.T) {
	t.Parallel()

	_, err := NewClient(context.Background(), "")
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}
