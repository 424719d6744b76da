package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-address"))
	assert.Equal(t, "***@***", RedactEmail("a@b@c"))
}

func TestRedactPIIValueRecipientKeys(t *testing.T) {
	// Recipient fields are masked wholesale regardless of content.
	for _, key := range []string{"to", "cc", "bcc", "recipient", "email", "To", "EMAIL"} {
		got := redactPIIValue(key, "john.doe@example.com")
		assert.Equal(t, "jo***@example.com", got, key)
	}
}

func TestRedactPIIValueGenericKeys(t *testing.T) {
	// Generic fields only get embedded addresses masked; the rest of the
	// value survives.
	got := redactPIIValue("error", "delivery to john.doe@example.com refused")
	assert.Equal(t, "delivery to jo***@example.com refused", got)

	got = redactPIIValue("detail", "no addresses here")
	assert.Equal(t, "no addresses here", got)
}
