package chartofaccounts

import "testing"

func TestSchemaParse(t *testing.T) {
	schema, err := NewSchema([]int{2, 2, 4})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}

	code, err := schema.Parse("10.20.1000")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if code.Depth() != 3 {
		t.Fatalf("depth = %d, want 3", code.Depth())
	}
	if got := code.String(); got != "10.20.1000" {
		t.Fatalf("String() = %q", got)
	}
}

func TestSchemaParseRejectsBadWidth(t *testing.T) {
	schema, err := NewSchema([]int{2, 2, 4})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	if _, err := schema.Parse("10.20.10"); err == nil {
		t.Fatal("expected error for mismatched cumulative width")
	}
	if _, err := schema.Parse("1a.20.1000"); err == nil {
		t.Fatal("expected error for non-digit section")
	}
	if _, err := schema.Parse(""); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestNewSchemaRejectsNonPositiveWidths(t *testing.T) {
	if _, err := NewSchema(nil); err == nil {
		t.Fatal("expected error for empty schema")
	}
	if _, err := NewSchema([]int{2, 0, 4}); err == nil {
		t.Fatal("expected error for zero width segment")
	}
}

func TestCodeIsParentOf(t *testing.T) {
	schema, err := NewSchema([]int{2, 2, 4})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	parent, err := schema.Parse("10.20")
	if err != nil {
		t.Fatalf("Parse parent: %v", err)
	}
	child, err := schema.Parse("10.20.1000")
	if err != nil {
		t.Fatalf("Parse child: %v", err)
	}
	if !parent.IsParentOf(child) {
		t.Fatal("expected 10.20 to be a parent of 10.20.1000")
	}
	if child.IsParentOf(parent) {
		t.Fatal("a deeper code must not be the parent of a shallower one")
	}
	if parent.IsParentOf(parent) {
		t.Fatal("a code is not its own parent")
	}
}

func TestChartAddNodeRejectsDuplicates(t *testing.T) {
	schema, err := NewSchema([]int{2, 2})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	chart := New(schema)

	if _, err := chart.AddNode("10.20", "Facility Omnibus", BranchAsset, "set-1"); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if _, err := chart.AddNode("10.20", "Duplicate Code", BranchAsset, "set-2"); err == nil {
		t.Fatal("expected error re-registering the same code")
	}
	if _, err := chart.AddNode("10.21", "Reused Set", BranchAsset, "set-1"); err == nil {
		t.Fatal("expected error reusing an account-set id")
	}
}

func TestChartParentAndRequireBranch(t *testing.T) {
	schema, err := NewSchema([]int{2, 2, 4})
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	chart := New(schema)
	if _, err := chart.AddNode("10", "Assets", BranchAsset, "set-assets"); err != nil {
		t.Fatalf("AddNode root: %v", err)
	}
	if _, err := chart.AddNode("10.20", "Facility Receivables", BranchAsset, "set-recv"); err != nil {
		t.Fatalf("AddNode mid: %v", err)
	}

	leaf, err := schema.Parse("10.20.1000")
	if err != nil {
		t.Fatalf("Parse leaf: %v", err)
	}
	parent, ok := chart.Parent(leaf)
	if !ok || parent.Code.String() != "10.20" {
		t.Fatalf("Parent() = %+v, %v, want 10.20 node", parent, ok)
	}

	if _, err := chart.RequireBranch("10.20", BranchAsset); err != nil {
		t.Fatalf("RequireBranch: %v", err)
	}
	if _, err := chart.RequireBranch("10.20", BranchLiability); err == nil {
		t.Fatal("expected branch mismatch error")
	}
	if _, err := chart.RequireBranch("99.99", BranchAsset); err == nil {
		t.Fatal("expected not-found error for unregistered code")
	}
}
