package api

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidator_RequestClassRule(t *testing.T) {
	var v *validator.Validate
	require.NotPanics(t, func() { v = newValidator() })

	for _, class := range []string{"scheduled-online", "walk_in", "Emergency", "follow-up"} {
		assert.NoError(t, v.Var(class, "request_class"), class)
	}
	assert.Error(t, v.Var("vip", "request_class"))
	assert.Error(t, v.Var("", "request_class"))
}

func TestFormatValidationError_UsesJSONNames(t *testing.T) {
	err := validate.Struct(CreateBookingRequest{PatientName: "Eve", RequestClass: "vip"})
	require.Error(t, err)

	msg := formatValidationError(err)
	assert.Contains(t, msg, "request_class: request_class")
	assert.Contains(t, msg, "provider_id: required")
}
