package claims

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer produces a contract-compatible 65-byte recoverable signature
// over a 32-byte digest, with V normalised to 27/28. The key id names
// the signing identity for the audit trail. Implementations keep the
// key material out of the rest of the daemon.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, digest []byte) (sig []byte, keyID string, err error)
}

// LocalSigner signs with an in-memory secp256k1 key. Suitable for
// development and staging; production deployments point at an HSM.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner parses a hex-encoded private key.
func NewLocalSigner(privKeyHex string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privKeyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("claims: empty signer key")
	}
	key, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("claims: load signer key: %w", err)
	}
	return &LocalSigner{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the calculator address derived from the key.
func (s *LocalSigner) Address() common.Address { return s.addr }

// Sign signs the digest and lifts the recovery id to 27/28.
func (s *LocalSigner) Sign(_ context.Context, digest []byte) ([]byte, string, error) {
	if len(digest) != 32 {
		return nil, "", fmt.Errorf("claims: digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, "", fmt.Errorf("claims: sign digest: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, strings.ToLower(s.addr.Hex()), nil
}

// RemoteConfig captures the parameters for an mTLS session with the
// signing service fronting the HSM.
type RemoteConfig struct {
	Endpoint string
	KeyLabel string
	// Address is the calculator address registered on the reward
	// contract for this key.
	Address    common.Address
	CACertPath string
	ClientCert string
	ClientKey  string
	Timeout    time.Duration
}

// RemoteSigner asks an external signing service for signatures. The
// service holds the calculator key; this process never sees it.
type RemoteSigner struct {
	endpoint   string
	keyLabel   string
	addr       common.Address
	httpClient *http.Client
}

// NewRemoteSigner builds the mTLS client for the signing service.
func NewRemoteSigner(cfg RemoteConfig) (*RemoteSigner, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("claims: remote signer endpoint required")
	}
	if strings.TrimSpace(cfg.KeyLabel) == "" {
		return nil, fmt.Errorf("claims: remote signer key label required")
	}
	if cfg.Address == (common.Address{}) {
		return nil, fmt.Errorf("claims: remote signer address required")
	}
	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteSigner{
		endpoint: strings.TrimRight(cfg.Endpoint, "/") + "/sign",
		keyLabel: strings.TrimSpace(cfg.KeyLabel),
		addr:     cfg.Address,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
	}, nil
}

func buildTLSConfig(cfg RemoteConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("claims: load client certificate: %w", err)
	}
	if strings.TrimSpace(cfg.CACertPath) == "" {
		return nil, fmt.Errorf("claims: ca certificate required")
	}
	pemBytes, err := os.ReadFile(cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("claims: read ca certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("claims: failed to append ca certificate %s", cfg.CACertPath)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}

// Address returns the configured calculator address.
func (s *RemoteSigner) Address() common.Address { return s.addr }

type signRequest struct {
	KeyLabel string `json:"key"`
	Digest   string `json:"digest"`
}

type signResponse struct {
	Signature string `json:"signature"`
	KeyID     string `json:"keyId"`
}

// Sign posts the digest to the signing service and decodes the
// signature, normalising V the same way the local signer does.
func (s *RemoteSigner) Sign(ctx context.Context, digest []byte) ([]byte, string, error) {
	if len(digest) != 32 {
		return nil, "", fmt.Errorf("claims: digest must be 32 bytes, got %d", len(digest))
	}
	payload, err := json.Marshal(signRequest{KeyLabel: s.keyLabel, Digest: hex.EncodeToString(digest)})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("claims: remote sign: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("claims: remote sign failed: status=%d", resp.StatusCode)
	}
	var decoded signResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, "", fmt.Errorf("claims: decode sign response: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(decoded.Signature), "0x"))
	if err != nil {
		return nil, "", fmt.Errorf("claims: invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return nil, "", fmt.Errorf("claims: signature must be 65 bytes, got %d", len(sig))
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	keyID := strings.TrimSpace(decoded.KeyID)
	if keyID == "" {
		keyID = s.keyLabel
	}
	return sig, keyID, nil
}

var (
	_ Signer = (*LocalSigner)(nil)
	_ Signer = (*RemoteSigner)(nil)
)
