// Package provider holds the pieces every upstream adapter shares: request
// validation, the approximate token counter, upstream status mapping and
// usage estimation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

// charsPerToken is the ratio used by CountTokens.
const charsPerToken = 4

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks the request shape without touching the network.
func Validate(req domain.Request) error {
	if err := validatorInstance().Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return domain.NewValidationError("", err.Error())
	}

	for i, m := range req.Messages {
		if strings.TrimSpace(m.Content) == "" {
			return domain.NewValidationError(fmt.Sprintf("messages[%d].content", i), "must not be blank")
		}
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "oneof":
		msg = "must be one of: " + fe.Param()
	case "min":
		if fe.Kind() == reflect.Slice {
			msg = fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		} else {
			msg = "must be at least " + fe.Param()
		}
	case "max":
		msg = "must be at most " + fe.Param()
	default:
		msg = "failed " + fe.Tag() + " check"
	}
	return domain.NewValidationError(field, msg)
}

// CountTokens approximates the token count of text as one token per four
// characters, rounded up.
func CountTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + charsPerToken - 1) / charsPerToken
}

// Base carries the identity and defaults every adapter needs. Adapters embed
// it to pick up ID, DefaultModel, Validate and CountTokens.
type Base struct {
	Provider domain.ProviderID
	Model    string
}

func (b Base) ID() domain.ProviderID {
	return b.Provider
}

func (b Base) DefaultModel() string {
	return b.Model
}

func (b Base) Validate(req domain.Request) error {
	if err := Validate(req); err != nil {
		var e *domain.Error
		if errors.As(err, &e) {
			e.Provider = b.Provider
		}
		return err
	}
	return nil
}

func (b Base) CountTokens(text string) int {
	return CountTokens(text)
}

// ResolveModel returns the request's model or the adapter default.
func (b Base) ResolveModel(req domain.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return b.Model
}

// EstimateUsage fills usage from CountTokens when the upstream did not
// report it.
func (b Base) EstimateUsage(req domain.Request, content string, reported domain.Usage) domain.Usage {
	if reported.PromptTokens > 0 || reported.CompletionTokens > 0 {
		if reported.TotalTokens == 0 {
			reported.TotalTokens = reported.PromptTokens + reported.CompletionTokens
		}
		return reported
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += CountTokens(m.Content)
	}
	completion := CountTokens(content)
	return domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// TransportError classifies a failed round trip. Cancellation of ctx is
// returned as the context error so callers stop instead of retrying.
func (b Base) TransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return domain.NewTransportError(b.Provider, err)
}

// StatusError maps a non-200 upstream response. 400 and 422 mean the
// upstream rejected the request itself; everything else is transport.
func (b Base) StatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &domain.Error{Kind: domain.KindValidation, Provider: b.Provider, Field: "upstream", Message: msg}
	default:
		return domain.NewTransportError(b.Provider, fmt.Errorf("%s error: %s", b.Provider, msg))
	}
}

// RequireCredential fails construction when value is empty.
func RequireCredential(provider domain.ProviderID, name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s: %w: %s", provider, domain.ErrMissingCredential, name)
	}
	return nil
}
