package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/pellenbrig/aegis/internal/crypto"
)

// Generates the two secrets the api needs: the RSA signing key for JWTs
// and the AES-256 key that encrypts TOTP secrets at rest.
func main() {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		fmt.Printf("Failed to generate key: %v\n", err)
		os.Exit(1)
	}

	privBytes := x509.MarshalPKCS1PrivateKey(privateKey)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: privBytes,
	})

	mfaKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Failed to generate MFA key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("JWT_PRIVATE_KEY=\"%s\"\n", string(privPEM))
	fmt.Printf("MFA_SECRET_ENCRYPTION_KEY=%s\n", mfaKey)
	fmt.Println("--------------------------------")
}
