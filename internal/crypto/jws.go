// Package crypto signs and verifies detached JWS envelopes over database
// manifests.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
)

type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

// SignDetachedJWS signs payload with an RS256 key in PKCS#1 or PKCS#8 PEM.
func SignDetachedJWS(payload []byte, privateKeyPEM []byte) (JWS, error) {
	priv, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	hb, err := json.Marshal(header{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return JWS{}, err
	}
	protected := base64.RawURLEncoding.EncodeToString(hb)
	pl := base64.RawURLEncoding.EncodeToString(payload)

	h := sha256.Sum256([]byte(protected + "." + pl))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, err
	}
	return JWS{
		Protected: protected,
		Payload:   pl,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
	}, nil
}

// VerifyDetachedJWS checks that sig covers payload and was made by the key
// in keyPEM, which may hold a certificate or a public key.
func VerifyDetachedJWS(payload []byte, sig JWS, keyPEM []byte) error {
	pub, err := parseRSAPublicKey(keyPEM)
	if err != nil {
		return err
	}
	hb, err := base64.RawURLEncoding.DecodeString(sig.Protected)
	if err != nil {
		return fmt.Errorf("protected header: %w", err)
	}
	var hdr header
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return fmt.Errorf("protected header: %w", err)
	}
	if hdr.Alg != "RS256" {
		return fmt.Errorf("unsupported alg %q", hdr.Alg)
	}
	if sig.Payload != base64.RawURLEncoding.EncodeToString(payload) {
		return errors.New("payload does not match signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("signature: %w", err)
	}
	h := sha256.Sum256([]byte(sig.Protected + "." + sig.Payload))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw)
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want RSA", key)
	}
	return rk, nil
}

func parseRSAPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	var key any
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = cert.PublicKey
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key = k
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want RSA", key)
	}
	return pub, nil
}
