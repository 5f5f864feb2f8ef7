package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	sig := Sign("app-secret", body)

	assert.Contains(t, sig, "sha256=")
	assert.True(t, Verify("app-secret", body, sig))
}

func TestVerifyRejects(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	sig := Sign("app-secret", body)

	assert.False(t, Verify("other-secret", body, sig))
	assert.False(t, Verify("app-secret", []byte(`tampered`), sig))
	assert.False(t, Verify("app-secret", body, ""))
	assert.False(t, Verify("app-secret", body, "sha256=deadbeef"))
}

func TestSignStable(t *testing.T) {
	body := []byte("payload")
	assert.Equal(t, Sign("s", body), Sign("s", body))
}
