package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
}

func testCert(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "dbcgate test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestSignAndVerify(t *testing.T) {
	key, keyPEM := testKey(t)
	payload := []byte(`{"digest":"abc"}`)

	sig, err := SignDetachedJWS(payload, keyPEM)
	require.NoError(t, err)
	require.NoError(t, VerifyDetachedJWS(payload, sig, testCert(t, key)))

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	require.NoError(t, VerifyDetachedJWS(payload, sig, pubPEM))

	assert.Error(t, VerifyDetachedJWS([]byte(`{"digest":"abd"}`), sig, pubPEM))

	other, _ := testKey(t)
	assert.Error(t, VerifyDetachedJWS(payload, sig, testCert(t, other)))

	sig.Signature = sig.Signature[:len(sig.Signature)-4] + "AAAA"
	assert.Error(t, VerifyDetachedJWS(payload, sig, pubPEM))
}

func TestSignPKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	sig, err := SignDetachedJWS([]byte("x"), pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
	require.NoError(t, err)
	assert.NotEmpty(t, sig.Signature)
}

func TestBadKeys(t *testing.T) {
	_, err := SignDetachedJWS([]byte("x"), []byte("not pem"))
	assert.Error(t, err)
	assert.Error(t, VerifyDetachedJWS([]byte("x"), JWS{}, []byte("not pem")))
}
