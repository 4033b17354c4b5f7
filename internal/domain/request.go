package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultPrompt         = "dressed casually, soft natural lighting"
	DefaultNegativePrompt = "grinning, looking away"
	DefaultResemblance    = 1.2
	DefaultPoseStrength   = 0.1
	DefaultSteps          = 8
	// DefaultMaxSelfies caps how many selfies a single request may carry.
	DefaultMaxSelfies = 6
)

// GenerationRequest is the immutable input of one portrait run. TemplatePath
// is empty when the backend should pick its own ("random") composition.
type GenerationRequest struct {
	TenantID       string   `validate:"tenant"`
	TemplatePath   string
	SelfiePaths    []string `validate:"min=1,dive,required"`
	Prompt         string   `validate:"max=500"`
	NegativePrompt string   `validate:"max=500"`
	Resemblance    float64  `validate:"gte=0.5,lte=2"`
	PoseStrength   float64  `validate:"gte=0,lte=1"`
	Steps          int      `validate:"gte=5,lte=12"`
}

// Output names are "<tenant>-<run>-<n>.<ext>", so a tenant id must never
// contain the separator or a path character.
var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("tenant", func(fl validator.FieldLevel) bool {
		return ValidTenantID(fl.Field().String())
	})
	return v
}

// ValidTenantID reports whether id can namespace stored outputs.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Normalize returns a copy with defaults applied and the selfie list trimmed
// to the most recent maxSelfies entries.
func (r GenerationRequest) Normalize(maxSelfies int) GenerationRequest {
	out := r
	out.TenantID = strings.TrimSpace(r.TenantID)
	out.TemplatePath = strings.TrimSpace(r.TemplatePath)
	out.SelfiePaths = append([]string(nil), r.SelfiePaths...)
	if maxSelfies <= 0 {
		maxSelfies = DefaultMaxSelfies
	}
	if len(out.SelfiePaths) > maxSelfies {
		out.SelfiePaths = out.SelfiePaths[len(out.SelfiePaths)-maxSelfies:]
	}
	if out.Resemblance == 0 {
		out.Resemblance = DefaultResemblance
	}
	if out.Steps == 0 {
		out.Steps = DefaultSteps
	}
	return out
}

// Validate checks the request bounds.
func (r GenerationRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return NewError(KindInvalidRequest, "validate", fe.Field(),
				fmt.Errorf("%s failed %q (%v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return NewError(KindInvalidRequest, "validate", "", err)
	}
	return nil
}

// HasTemplate reports whether the request pins a template composition.
func (r GenerationRequest) HasTemplate() bool {
	return r.TemplatePath != ""
}

// TenantIDFromEmail derives the anonymised per-user namespace from an email.
func TenantIDFromEmail(email string) string {
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}
