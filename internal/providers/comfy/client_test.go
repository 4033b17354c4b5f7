package comfy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portrait/internal/domain"
	"portrait/internal/providers/comfy"
	"portrait/internal/providers/comfy/comfytest"
)

func TestClientUploadQueueHistoryView(t *testing.T) {
	srv := comfytest.NewServer(map[string][]byte{"portrait_00001_.png": []byte("png-bytes")})
	defer srv.Close()

	client, err := comfy.NewClient(comfy.Options{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	name, err := client.UploadImage(ctx, "selfie.png", "image/png", []byte("selfie"))
	require.NoError(t, err)
	assert.Equal(t, "selfie.png", name)
	second, err := client.UploadImage(ctx, "selfie.png", "image/png", []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, name, second, "engine must assign a distinct name")

	graph := domain.Graph{"1": {ClassType: "LoadImage", Inputs: map[string]any{"image": name}}}
	promptID, err := client.QueuePrompt(ctx, graph, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", promptID)
	require.Len(t, srv.Prompts(), 1)
	assert.Equal(t, "client-1", srv.Prompts()[0].ClientID)
	assert.Equal(t, name, srv.Prompts()[0].Graph["1"].Inputs["image"])

	entry, err := client.History(ctx, promptID)
	require.NoError(t, err)
	require.Len(t, entry.Outputs["9"].Images, 1)
	ref := entry.Outputs["9"].Images[0]

	data, err := client.View(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestClientQueuePromptRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"prompt_outputs_failed_validation","message":"Prompt outputs failed validation"}}`))
	}))
	defer ts.Close()

	client, err := comfy.NewClient(comfy.Options{BaseURL: ts.URL})
	require.NoError(t, err)
	_, err = client.QueuePrompt(context.Background(), domain.Graph{}, "c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed validation")
}

func TestSessionReceivesCompletion(t *testing.T) {
	srv := comfytest.NewServer(nil)
	defer srv.Close()
	client, err := comfy.NewClient(comfy.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	session, err := client.Dial(ctx, "client-7")
	require.NoError(t, err)
	defer session.Close()

	promptID, err := client.QueuePrompt(ctx, domain.Graph{}, "client-7")
	require.NoError(t, err)

	var sawBinary bool
	for {
		ev, err := session.Next(ctx)
		require.NoError(t, err)
		if ev.Binary != nil {
			sawBinary = true
			continue
		}
		if data, ok := ev.Executing(); ok && data.Node == nil && data.PromptID == promptID {
			break
		}
	}
	assert.True(t, sawBinary)
}

func TestSessionNextHonoursContext(t *testing.T) {
	srv := comfytest.NewServer(nil)
	defer srv.Close()
	client, err := comfy.NewClient(comfy.Options{BaseURL: srv.URL})
	require.NoError(t, err)

	session, err := client.Dial(context.Background(), "idle")
	require.NoError(t, err)
	defer session.Close()

	// First frame is the status greeting.
	_, err = session.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = session.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventDecoding(t *testing.T) {
	ev := comfy.Event{Type: "execution_error", Data: []byte(`{"prompt_id":"p","exception_message":"boom"}`)}
	data, ok := ev.ExecutionError()
	require.True(t, ok)
	assert.Equal(t, "boom", data.ExceptionMessage)
	_, ok = ev.Executing()
	assert.False(t, ok)
}
