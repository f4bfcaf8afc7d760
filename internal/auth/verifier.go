// Package auth provides JWT verification helpers.
package auth

import (
    "crypto"
    "crypto/hmac"
    "crypto/rsa"
    "crypto/sha256"
    "encoding/base64"
    "encoding/json"
    "errors"
    "math/big"
    "net/http"
    "os"
    "strings"
    "sync"
    "time"
)

// Roles understood by the service.
const (
    RoleOwner   = "OWNER"
    RoleManager = "MANAGER"
    RoleDriver  = "DRIVER"
    RoleClient  = "CLIENT"
)

// Principal is the resolved caller identity attached to each request.
type Principal struct {
    UserID   string
    Role     string
    DriverID string
}

// IsOperator reports whether the principal may trigger risk evaluation,
// ETA recalculation and risk resets.
func (p Principal) IsOperator() bool { return p.Role == RoleOwner || p.Role == RoleManager }

// Verifier validates JWTs and extracts user/role claims.
// Supports modes: dev (no verify), hmac (HS256), jwks (RS256 from JWKS URL).
type Verifier struct {
    Mode        string
    HMACSecret  []byte
    JWKSURL     string
    UserClaim   string
    RoleClaim   string
    DriverClaim string
    http        *http.Client
    mu          sync.RWMutex
    jwks        jwks
    lastFetch   time.Time
    cacheTTL    time.Duration
}

type jwks struct {
    Keys []jwk `json:"keys"`
}
type jwk struct {
    Kty string `json:"kty"`
    Kid string `json:"kid"`
    N   string `json:"n"`
    E   string `json:"e"`
    Alg string `json:"alg"`
}

func NewVerifierFromEnv() *Verifier {
    mode := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
    if mode == "" {
        mode = "dev"
    }
    return &Verifier{
        Mode:        mode,
        HMACSecret:  []byte(os.Getenv("AUTH_HMAC_SECRET")),
        JWKSURL:     os.Getenv("AUTH_JWKS_URL"),
        UserClaim:   envOr("AUTH_USER_CLAIM", "sub"),
        RoleClaim:   envOr("AUTH_ROLE_CLAIM", "role"),
        DriverClaim: envOr("AUTH_DRIVER_CLAIM", "driver"),
        http:        &http.Client{Timeout: 5 * time.Second},
        cacheTTL:    10 * time.Minute,
    }
}

func envOr(k, d string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return d
}

func (v *Verifier) Verify(token string) (Principal, error) {
    if v.Mode == "dev" {
        // token format: userId:role[:driverId]
        parts := strings.Split(token, ":")
        if len(parts) >= 2 {
            p := Principal{UserID: parts[0], Role: NormalizeRole(parts[1])}
            if len(parts) >= 3 { p.DriverID = parts[2] }
            return p, nil
        }
        return Principal{}, errors.New("invalid dev token; expected userId:role")
    }
    segs := strings.Split(token, ".")
    if len(segs) != 3 {
        return Principal{}, errors.New("invalid JWT")
    }
    headerJSON, err := b64urlDecode(segs[0])
    if err != nil { return Principal{}, err }
    payloadJSON, err := b64urlDecode(segs[1])
    if err != nil { return Principal{}, err }
    sig, err := b64urlDecode(segs[2])
    if err != nil { return Principal{}, err }
    var hdr map[string]any
    if err := json.Unmarshal(headerJSON, &hdr); err != nil { return Principal{}, err }
    var claims map[string]any
    if err := json.Unmarshal(payloadJSON, &claims); err != nil { return Principal{}, err }
    alg, _ := hdr["alg"].(string)
    kid, _ := hdr["kid"].(string)
    signingInput := []byte(segs[0] + "." + segs[1])
    switch v.Mode {
    case "hmac":
        if alg != "HS256" {
            return Principal{}, errors.New("unsupported alg for hmac")
        }
        mac := hmac.New(sha256.New, v.HMACSecret)
        mac.Write(signingInput)
        if !hmac.Equal(mac.Sum(nil), sig) {
            return Principal{}, errors.New("bad signature")
        }
    case "jwks":
        if alg != "RS256" {
            return Principal{}, errors.New("unsupported alg for jwks")
        }
        pub, err := v.getRSAPublicKey(kid)
        if err != nil { return Principal{}, err }
        h := sha256.Sum256(signingInput)
        if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], sig); err != nil {
            return Principal{}, errors.New("bad signature")
        }
    default:
        return Principal{}, errors.New("unsupported auth mode")
    }
    userID, _ := claims[v.UserClaim].(string)
    role, _ := claims[v.RoleClaim].(string)
    driver, _ := claims[v.DriverClaim].(string)
    if userID == "" {
        return Principal{}, errors.New("missing subject claim")
    }
    return Principal{UserID: userID, Role: NormalizeRole(role), DriverID: driver}, nil
}

// NormalizeRole uppercases and validates a role claim; unknown values
// collapse to CLIENT.
func NormalizeRole(role string) string {
    switch strings.ToUpper(strings.TrimSpace(role)) {
    case RoleOwner:
        return RoleOwner
    case RoleManager:
        return RoleManager
    case RoleDriver:
        return RoleDriver
    }
    return RoleClient
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// get RSAPublicKey from JWKS cache/fetch
func (v *Verifier) getRSAPublicKey(kid string) (*rsa.PublicKey, error) {
    v.mu.RLock()
    cached := v.jwks
    stale := time.Since(v.lastFetch) > v.cacheTTL
    v.mu.RUnlock()
    if len(cached.Keys) == 0 || stale {
        if err := v.fetchJWKS(); err != nil {
            return nil, err
        }
        v.mu.RLock()
        cached = v.jwks
        v.mu.RUnlock()
    }
    for _, k := range cached.Keys {
        if k.Kid == kid && strings.EqualFold(k.Kty, "RSA") {
            nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
            if err != nil { return nil, err }
            eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
            if err != nil { return nil, err }
            e := big.NewInt(0)
            // exponent may be 3 or 65537; e is big-endian
            e.SetInt64(int64(bytesToInt(eBytes)))
            n := new(big.Int).SetBytes(nBytes)
            return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
        }
    }
    return nil, errors.New("kid not found in JWKS")
}

func bytesToInt(b []byte) int {
    var x int
    for _, v := range b {
        x = (x << 8) | int(v)
    }
    return x
}

func (v *Verifier) fetchJWKS() error {
    if v.JWKSURL == "" {
        return errors.New("AUTH_JWKS_URL not set")
    }
    req, _ := http.NewRequest(http.MethodGet, v.JWKSURL, nil)
    resp, err := v.http.Do(req)
    if err != nil { return err }
    defer func() { _ = resp.Body.Close() }()
    var j jwks
    if err := json.NewDecoder(resp.Body).Decode(&j); err != nil { return err }
    v.mu.Lock()
    v.jwks = j
    v.lastFetch = time.Now()
    v.mu.Unlock()
    return nil
}
