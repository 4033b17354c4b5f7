package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() GenerationRequest {
	return GenerationRequest{
		TenantID:       "tenant_1",
		TemplatePath:   "gallery/office.png",
		SelfiePaths:    []string{"a.png", "b.png"},
		Prompt:         "casual",
		NegativePrompt: "grinning",
		Resemblance:    1.2,
		PoseStrength:   0.1,
		Steps:          8,
	}
}

func TestGenerationRequestValidate(t *testing.T) {
	require.NoError(t, validRequest().Validate())

	tests := []struct {
		name   string
		mutate func(*GenerationRequest)
		field  string
	}{
		{"missing tenant", func(r *GenerationRequest) { r.TenantID = "" }, "TenantID"},
		{"tenant with separator", func(r *GenerationRequest) { r.TenantID = "alice-bob" }, "TenantID"},
		{"tenant with path", func(r *GenerationRequest) { r.TenantID = "../alice" }, "TenantID"},
		{"no selfies", func(r *GenerationRequest) { r.SelfiePaths = nil }, "SelfiePaths"},
		{"blank selfie", func(r *GenerationRequest) { r.SelfiePaths = []string{"a.png", ""} }, "SelfiePaths[1]"},
		{"resemblance low", func(r *GenerationRequest) { r.Resemblance = 0.4 }, "Resemblance"},
		{"resemblance high", func(r *GenerationRequest) { r.Resemblance = 2.1 }, "Resemblance"},
		{"pose high", func(r *GenerationRequest) { r.PoseStrength = 1.5 }, "PoseStrength"},
		{"steps low", func(r *GenerationRequest) { r.Steps = 4 }, "Steps"},
		{"steps high", func(r *GenerationRequest) { r.Steps = 13 }, "Steps"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			var derr *Error
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.field, derr.Ref)
		})
	}
}

func TestGenerationRequestNormalizeKeepsLatestSelfies(t *testing.T) {
	req := validRequest()
	req.SelfiePaths = []string{"1.png", "2.png", "3.png", "4.png", "5.png", "6.png", "7.png", "8.png"}
	req.Resemblance = 0
	req.Steps = 0

	got := req.Normalize(6)

	assert.Equal(t, []string{"3.png", "4.png", "5.png", "6.png", "7.png", "8.png"}, got.SelfiePaths)
	assert.Equal(t, DefaultResemblance, got.Resemblance)
	assert.Equal(t, DefaultSteps, got.Steps)
	assert.Len(t, req.SelfiePaths, 8, "original request must not be mutated")
	require.NoError(t, got.Validate())
}

func TestGenerationRequestNormalizeHonoursLargerLimit(t *testing.T) {
	req := validRequest()
	req.SelfiePaths = []string{"1.png", "2.png", "3.png", "4.png", "5.png", "6.png", "7.png", "8.png", "9.png"}

	got := req.Normalize(8)

	assert.Len(t, got.SelfiePaths, 8)
	require.NoError(t, got.Validate())
}

func TestValidTenantID(t *testing.T) {
	assert.True(t, ValidTenantID("alice"))
	assert.True(t, ValidTenantID("alice_bob"))
	assert.True(t, ValidTenantID(TenantIDFromEmail("someone@example.com")))
	assert.False(t, ValidTenantID(""))
	assert.False(t, ValidTenantID("alice-bob"))
	assert.False(t, ValidTenantID("a/b"))
	assert.False(t, ValidTenantID(strings.Repeat("a", 65)))
}

func TestTenantIDFromEmail(t *testing.T) {
	id := TenantIDFromEmail("someone@example.com")
	assert.Len(t, id, 64)
	assert.Equal(t, id, TenantIDFromEmail("someone@example.com"))
	assert.NotEqual(t, id, TenantIDFromEmail("other@example.com"))
}
