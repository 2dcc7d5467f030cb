package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"kasirledger/internal/domain"
)

// memUsers is a UserStore kept in a map; writes count how often a password
// was rewritten.
type memUsers struct {
	mu       sync.Mutex
	byName   map[string]domain.UserAccount
	rehashes int
}

func newMemUsers(accounts ...domain.UserAccount) *memUsers {
	m := &memUsers{byName: make(map[string]domain.UserAccount, len(accounts))}
	for _, account := range accounts {
		m.byName[account.Username] = account
	}
	return m
}

func (m *memUsers) CreateUser(_ context.Context, user domain.UserAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byName[user.Username] = user
	return nil
}

func (m *memUsers) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(m.byName))
	for _, user := range m.byName {
		out = append(out, user)
	}
	return out, nil
}

func (m *memUsers) UpdateUserPassword(_ context.Context, username string, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := m.byName[username]
	user.Password = password
	m.byName[username] = user
	m.rehashes++
	return nil
}

func (m *memUsers) password(username string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byName[username].Password
}

func seededAdmin() domain.UserAccount {
	return domain.UserAccount{Username: "owner", Password: "toko-owner-1", Role: "admin", Active: true, CreatedAt: time.Now().UTC()}
}

func TestSeededClearPasswordIsHashedOnLoad(t *testing.T) {
	users := newMemUsers(seededAdmin())
	auth := NewAuthManager("ledger-test", time.Hour, "2468", users)

	if users.rehashes != 1 {
		t.Fatalf("expected the seeded password to be rewritten once, got %d", users.rehashes)
	}
	if stored := users.password("owner"); !isPasswordHash(stored) {
		t.Fatalf("expected a bcrypt hash in the store, got %q", stored)
	}

	resp, err := auth.Login(context.Background(), domain.LoginRequest{Username: " Owner ", Password: "toko-owner-1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if resp.Role != "admin" || resp.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", resp)
	}
	if users.rehashes != 1 {
		t.Fatalf("an already hashed password must not be rewritten, got %d writes", users.rehashes)
	}

	if _, err := auth.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "wrong"}); !errors.Is(err, errInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestCashierAccounts(t *testing.T) {
	users := newMemUsers(seededAdmin())
	auth := NewAuthManager("ledger-test", time.Hour, "2468", users)
	ctx := context.Background()

	cashier, err := auth.CreateCashier(ctx, domain.CashierCreateRequest{Username: "Shift-Pagi", Password: "laci-satu"})
	if err != nil {
		t.Fatalf("create cashier: %v", err)
	}
	if cashier.Username != "shift-pagi" || cashier.Role != "cashier" || !cashier.Active {
		t.Fatalf("unexpected cashier: %+v", cashier)
	}
	if stored := users.password("shift-pagi"); !strings.HasPrefix(stored, "$2") {
		t.Fatalf("expected the cashier password hashed in the store, got %q", stored)
	}
	if _, err := auth.Login(ctx, domain.LoginRequest{Username: "shift-pagi", Password: "laci-satu"}); err != nil {
		t.Fatalf("cashier login: %v", err)
	}

	rejected := []struct {
		name string
		req  domain.CashierCreateRequest
		want error
	}{
		{"same name other case", domain.CashierCreateRequest{Username: "SHIFT-PAGI", Password: "laci-dua"}, domain.ErrAlreadyExists},
		{"short username", domain.CashierCreateRequest{Username: "ab", Password: "laci-dua"}, domain.ErrValidation},
		{"space in username", domain.CashierCreateRequest{Username: "shift sore", Password: "laci-dua"}, domain.ErrValidation},
		{"short password", domain.CashierCreateRequest{Username: "shift-sore", Password: "12345"}, domain.ErrValidation},
	}
	for _, tc := range rejected {
		if _, err := auth.CreateCashier(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	listed := auth.ListCashiers(ctx)
	if len(listed) != 1 || listed[0].Username != "shift-pagi" {
		t.Fatalf("expected only the new cashier listed, got %+v", listed)
	}
}

func TestManagerPINCheck(t *testing.T) {
	auth := NewAuthManager("ledger-test", time.Hour, " 2468 ", newMemUsers())

	if auth.managerPIN == "2468" || !isPasswordHash(auth.managerPIN) {
		t.Fatalf("expected the PIN kept as a bcrypt hash")
	}
	for pin, want := range map[string]bool{"2468": true, " 2468": true, "1357": false, "": false} {
		if got := auth.ValidateManagerPIN(pin); got != want {
			t.Fatalf("pin %q: expected %v, got %v", pin, want, got)
		}
	}

	unset := NewAuthManager("ledger-test", time.Hour, "  ", newMemUsers())
	for _, pin := range []string{"disabled", "", "0000"} {
		if unset.ValidateManagerPIN(pin) {
			t.Fatalf("an unset PIN must refuse %q", pin)
		}
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	users := newMemUsers()
	issuer := NewAuthManager("issuer-secret", time.Hour, "2468", users)
	verifier := NewAuthManager("other-secret", time.Hour, "2468", users)

	token, err := issuer.sign("owner", "admin", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	actor, err := issuer.ParseToken(token)
	if err != nil {
		t.Fatalf("expected own token to parse, got %v", err)
	}
	if actor.Username != "owner" || actor.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
	if _, err := verifier.ParseToken(token); err == nil {
		t.Fatal("expected token signed with another secret to be rejected")
	}
	expired, _ := issuer.sign("owner", "admin", time.Now().Add(-time.Minute))
	if _, err := issuer.ParseToken(expired); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}
