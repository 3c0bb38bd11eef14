package auth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/robustmq/robustmq/pkg/types"
)

// UserStore resolves a username to its stored credential record.
type UserStore interface {
	GetUser(ctx context.Context, username string) (*types.User, bool, error)
}

// PasswordDriver checks a username/password pair against UserStore. A
// user with no Salt is compared as plaintext; a salted user's
// PasswordHash is a bcrypt hash of password+salt.
type PasswordDriver struct {
	users UserStore
}

// NewPasswordDriver builds a password-checking login driver.
func NewPasswordDriver(users UserStore) *PasswordDriver {
	return &PasswordDriver{users: users}
}

func (d *PasswordDriver) Login(ctx context.Context, req LoginRequest) (LoginVerdict, error) {
	if req.Username == "" {
		return LoginVerdict{Result: ResultIgnore}, nil
	}
	user, found, err := d.users.GetUser(ctx, req.Username)
	if err != nil {
		return LoginVerdict{}, fmt.Errorf("lookup user: %w", err)
	}
	if !found {
		return LoginVerdict{Result: ResultIgnore}, nil
	}

	var ok bool
	if user.Salt == "" {
		ok = user.PasswordHash == req.Password
	} else {
		ok = bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password+user.Salt)) == nil
	}
	if !ok {
		return LoginVerdict{Result: ResultDeny}, nil
	}
	return LoginVerdict{Result: ResultAllow, Superuser: user.IsSuperuser}, nil
}

// JWTConfig configures JWTDriver. Exactly one of HMACSecret or
// PublicKey should be set.
type JWTConfig struct {
	HMACSecret []byte
	PublicKey  *rsa.PublicKey
	Issuer     string
	Audience   string
}

// JWTDriver treats the CONNECT password field as a bearer JWT: HMAC or
// RSA-signed, with issuer/audience/expiry checked.
type JWTDriver struct {
	cfg JWTConfig
}

// NewJWTDriver builds a JWT-checking login driver.
func NewJWTDriver(cfg JWTConfig) *JWTDriver {
	return &JWTDriver{cfg: cfg}
}

func (d *JWTDriver) Login(ctx context.Context, req LoginRequest) (LoginVerdict, error) {
	if req.Password == "" {
		return LoginVerdict{Result: ResultIgnore}, nil
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{}
	if d.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(d.cfg.Issuer))
	}
	if d.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(d.cfg.Audience))
	}

	_, err := jwt.ParseWithClaims(req.Password, &claims, d.keyFunc, parserOpts...)
	if err != nil {
		// Not a JWT this driver can validate — fall through rather than
		// fail the whole chain, per the login chain's ignore-on-mismatch rule.
		return LoginVerdict{Result: ResultIgnore}, nil
	}

	superuser, _ := claims["is_superuser"].(bool)
	return LoginVerdict{Result: ResultAllow, Superuser: superuser}, nil
}

func (d *JWTDriver) keyFunc(token *jwt.Token) (interface{}, error) {
	if d.cfg.PublicKey != nil {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return d.cfg.PublicKey, nil
	}
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	return d.cfg.HMACSecret, nil
}

// HTTPDriver delegates login to an external HTTP endpoint, templating
// ${username}/${password}/${clientid}/${source_ip} into the configured
// URL (GET) or form body (POST).
type HTTPDriver struct {
	client *http.Client
	url    string
	method string
}

// NewHTTPDriver builds an HTTP login driver. method is "GET" or "POST".
func NewHTTPDriver(client *http.Client, url, method string) *HTTPDriver {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPDriver{client: client, url: url, method: strings.ToUpper(method)}
}

type httpLoginResponse struct {
	Result      string `json:"result"`
	IsSuperuser bool   `json:"is_superuser"`
}

func (d *HTTPDriver) Login(ctx context.Context, req LoginRequest) (LoginVerdict, error) {
	replacer := strings.NewReplacer(
		"${username}", req.Username,
		"${password}", req.Password,
		"${clientid}", req.ClientID,
		"${source_ip}", req.SourceIP,
	)

	var httpReq *http.Request
	var err error
	if d.method == http.MethodPost {
		body := replacer.Replace(d.url)
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewBufferString(body))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, replacer.Replace(d.url), nil)
	}
	if err != nil {
		return LoginVerdict{Result: ResultIgnore}, nil
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return LoginVerdict{Result: ResultIgnore}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return LoginVerdict{Result: ResultIgnore}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return LoginVerdict{Result: ResultIgnore}, nil
	}
	var parsed httpLoginResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return LoginVerdict{Result: ResultIgnore}, nil
	}

	switch parsed.Result {
	case "allow":
		return LoginVerdict{Result: ResultAllow, Superuser: parsed.IsSuperuser}, nil
	case "deny":
		return LoginVerdict{Result: ResultDeny}, nil
	default:
		return LoginVerdict{Result: ResultIgnore}, nil
	}
}
