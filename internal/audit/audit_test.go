package audit

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/creditcore/corebank/internal/corerr"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testRegistry() *Registry {
	r := NewRegistry()
	r.RegisterPermissionSet(PermissionSet{
		Name:   "credit_facility_viewer",
		Grants: map[string]bool{"credit_facility.view": true},
	})
	r.RegisterPermissionSet(PermissionSet{
		Name:    "credit_facility_writer",
		Grants:  map[string]bool{"credit_facility.approve": true},
		Implies: []string{"credit_facility_viewer"},
	})
	r.RegisterRole(Role{Name: "credit_ops", PermissionSets: []string{"credit_facility_writer"}})
	r.RegisterRole(Role{Name: SuperuserRole})
	return r
}

func TestRegistryAllowsDirectGrant(t *testing.T) {
	r := testRegistry()
	if !r.Allows("credit_ops", "credit_facility", "approve") {
		t.Fatal("expected credit_ops to hold credit_facility.approve directly")
	}
}

func TestRegistryAllowsTransitivelyThroughImplies(t *testing.T) {
	r := testRegistry()
	if !r.Allows("credit_ops", "credit_facility", "view") {
		t.Fatal("expected credit_ops to inherit credit_facility.view via its writer set's Implies")
	}
}

func TestRegistryAllowsRejectsUnknownRoleOrGrant(t *testing.T) {
	r := testRegistry()
	if r.Allows("nonexistent_role", "credit_facility", "view") {
		t.Fatal("unknown role must never be allowed")
	}
	if r.Allows("credit_ops", "collateral", "update_manual") {
		t.Fatal("credit_ops has no collateral grant")
	}
}

func TestRegistryAllowsGuardsAgainstImpliesCycles(t *testing.T) {
	r := NewRegistry()
	r.RegisterPermissionSet(PermissionSet{Name: "a", Implies: []string{"b"}})
	r.RegisterPermissionSet(PermissionSet{Name: "b", Implies: []string{"a"}})
	r.RegisterRole(Role{Name: "cyclic", PermissionSets: []string{"a"}})

	if r.Allows("cyclic", "anything", "view") {
		t.Fatal("a permission cycle with no grants must not be allowed")
	}
}

func TestEnforceSuperuserBypassesButStillRecordsEntry(t *testing.T) {
	db := newTestDB(t)
	e := NewEnforcer(db, testRegistry())
	subject := Subject{ID: "root-user", Roles: []string{SuperuserRole}}

	id, err := e.Enforce(db, subject, All("credit_facility"), Action("approve"))
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero audit entry id")
	}

	var entry Entry
	if err := db.First(&entry, id).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if !entry.Granted {
		t.Fatal("superuser decision must be recorded as granted")
	}
}

func TestEnforceDeniesAndRecordsUngrantedSubject(t *testing.T) {
	db := newTestDB(t)
	e := NewEnforcer(db, testRegistry())
	subject := Subject{ID: "viewer-only", Roles: []string{"credit_ops_unknown"}}

	id, err := e.Enforce(db, subject, ByID("credit_facility", "fac-1"), Action("approve"))
	if err == nil {
		t.Fatal("expected authorization denial")
	}
	if !corerr.Is(err, corerr.KindAuthorizationDenied) {
		t.Fatalf("expected an authorization-denied error, got %v", err)
	}

	var entry Entry
	if err := db.First(&entry, id).Error; err != nil {
		t.Fatalf("load entry: %v", err)
	}
	if entry.Granted {
		t.Fatal("denied decision must be recorded as not granted")
	}
}
