package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"collections-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, id auth.Identity, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}, RequireOrganization(), RequireAnyRole(allowed...), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	code := serve(t, auth.Identity{AgentID: "u", OrganizationID: "o", Role: RoleSuperAdmin}, Supervisors...)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AgentCannotSupervise(t *testing.T) {
	code := serve(t, auth.Identity{AgentID: "u", OrganizationID: "o", Role: RoleAgent}, Supervisors...)
	if code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_SupervisorAllowed(t *testing.T) {
	code := serve(t, auth.Identity{AgentID: "u", OrganizationID: "o", Role: RoleSupervisor}, Supervisors...)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireOrganization(t *testing.T) {
	code := serve(t, auth.Identity{AgentID: "u", Role: RoleAgent}, RoleAgent)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}
