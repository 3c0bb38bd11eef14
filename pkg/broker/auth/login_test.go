package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/robustmq/robustmq/pkg/types"
)

type memUsers struct {
	users map[string]*types.User
}

func (m *memUsers) GetUser(ctx context.Context, username string) (*types.User, bool, error) {
	u, ok := m.users[username]
	return u, ok, nil
}

func TestPasswordDriverPlaintext(t *testing.T) {
	users := &memUsers{users: map[string]*types.User{
		"alice": {Username: "alice", PasswordHash: "hunter2"},
	}}
	d := NewPasswordDriver(users)

	v, err := d.Login(context.Background(), LoginRequest{Username: "alice", Password: "hunter2"})
	if err != nil || v.Result != ResultAllow {
		t.Fatalf("expected allow, got %+v err=%v", v, err)
	}

	v, err = d.Login(context.Background(), LoginRequest{Username: "alice", Password: "wrong"})
	if err != nil || v.Result != ResultDeny {
		t.Fatalf("expected deny, got %+v err=%v", v, err)
	}
}

func TestPasswordDriverSalted(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secretpepper"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	users := &memUsers{users: map[string]*types.User{
		"bob": {Username: "bob", PasswordHash: string(hash), Salt: "pepper"},
	}}
	d := NewPasswordDriver(users)

	v, err := d.Login(context.Background(), LoginRequest{Username: "bob", Password: "secret"})
	if err != nil || v.Result != ResultAllow {
		t.Fatalf("expected allow, got %+v err=%v", v, err)
	}
}

func TestPasswordDriverIgnoresUnknownUser(t *testing.T) {
	d := NewPasswordDriver(&memUsers{users: map[string]*types.User{}})
	v, err := d.Login(context.Background(), LoginRequest{Username: "nobody", Password: "x"})
	if err != nil || v.Result != ResultIgnore {
		t.Fatalf("expected ignore, got %+v err=%v", v, err)
	}
}

func TestJWTDriverAllowsValidToken(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"iss":          "robustmq",
		"aud":          "mqtt",
		"exp":          time.Now().Add(time.Hour).Unix(),
		"is_superuser": true,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	d := NewJWTDriver(JWTConfig{HMACSecret: secret, Issuer: "robustmq", Audience: "mqtt"})
	v, err := d.Login(context.Background(), LoginRequest{Password: signed})
	if err != nil || v.Result != ResultAllow || !v.Superuser {
		t.Fatalf("expected superuser allow, got %+v err=%v", v, err)
	}
}

func TestJWTDriverIgnoresExpiredOrWrongIssuer(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{"iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix()}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString(secret)

	d := NewJWTDriver(JWTConfig{HMACSecret: secret, Issuer: "robustmq"})
	v, err := d.Login(context.Background(), LoginRequest{Password: signed})
	if err != nil || v.Result != ResultIgnore {
		t.Fatalf("expected ignore on issuer mismatch, got %+v err=%v", v, err)
	}

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"iss": "robustmq", "exp": time.Now().Add(-time.Hour).Unix()})
	signedExpired, _ := expired.SignedString(secret)
	v, err = d.Login(context.Background(), LoginRequest{Password: signedExpired})
	if err != nil || v.Result != ResultIgnore {
		t.Fatalf("expected ignore on expired token, got %+v err=%v", v, err)
	}
}

func TestChainFallsThroughOnIgnore(t *testing.T) {
	users := &memUsers{users: map[string]*types.User{"alice": {Username: "alice", PasswordHash: "pw"}}}
	chain := NewChain(NewJWTDriver(JWTConfig{HMACSecret: []byte("s")}), NewPasswordDriver(users))

	allow, _, err := chain.Login(context.Background(), "c1", "alice", "pw", "127.0.0.1")
	if err != nil || !allow {
		t.Fatalf("expected allow via fallthrough to password driver, got allow=%v err=%v", allow, err)
	}

	if _, cached := chain.CachedSuperuser("alice"); !cached {
		t.Fatal("expected alice to be cached after allow")
	}
}

func TestChainDeniesWhenAllDriversIgnore(t *testing.T) {
	chain := NewChain(NewPasswordDriver(&memUsers{users: map[string]*types.User{}}))
	allow, _, err := chain.Login(context.Background(), "c1", "ghost", "pw", "127.0.0.1")
	if err != nil || allow {
		t.Fatalf("expected deny when every driver ignores, got allow=%v err=%v", allow, err)
	}
}
