package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(roles ...string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/bills", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	return e.NewContext(req.WithContext(ctx), httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole_Allowed(t *testing.T) {
	c := contextWithRoles(RoleBilling)
	if err := RequireRole(RoleBilling)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_AnyOf(t *testing.T) {
	c := contextWithRoles(RoleClinician)
	if err := RequireRole(RoleBilling, RoleClinician)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithRoles(RoleClinician)
	err := RequireRole(RoleBilling)(okHandler)(c)
	assertStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	c := contextWithRoles()
	err := RequireRole(RoleBilling)(okHandler)(c)
	assertStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	c := contextWithRoles(RoleAdmin)
	if err := RequireRole(RoleBilling)(okHandler)(c); err != nil {
		t.Fatalf("admin should pass every role check: %v", err)
	}
}
