// Package chartofaccounts implements the segmentation schema and prefix-tree
// validation of spec §4.E: a chart is configured with an ordered list of
// digit widths, account codes are dot-separated digit sections whose
// concatenated length matches a cumulative width, and parent/child
// relationships follow strictly from section-wise prefixing.
//
// Grounded in native/lending/engine.go's layered validation style (reject
// early with a typed sentinel before any state changes) and in
// config/config.go's normalize/validate pairing for nested structures,
// adapted here to a digit-width schema instead of YAML fields.
package chartofaccounts

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/creditcore/corebank/internal/corerr"
)

// Schema is the ordered list of digit widths a chart's codes segment into.
// For example [2, 2, 4] accepts codes like "10", "10.20", "10.20.1000".
type Schema struct {
	Widths []int
}

// NewSchema validates that every width is positive before returning a Schema.
func NewSchema(widths []int) (Schema, error) {
	if len(widths) == 0 {
		return Schema{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.NewSchema",
			fmt.Errorf("at least one segment width is required"))
	}
	for i, w := range widths {
		if w <= 0 {
			return Schema{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.NewSchema",
				fmt.Errorf("segment %d has non-positive width %d", i, w))
		}
	}
	return Schema{Widths: append([]int(nil), widths...)}, nil
}

// cumulativeWidths returns the running totals Σ_{i≤k} w_i for k in 0..len(Widths)-1.
func (s Schema) cumulativeWidths() []int {
	cum := make([]int, len(s.Widths))
	total := 0
	for i, w := range s.Widths {
		total += w
		cum[i] = total
	}
	return cum
}

// Code is a validated, parsed account code: an ordered list of digit-only
// sections whose concatenated length equals the schema's cumulative width at
// the code's depth (individual section lengths are not checked).
type Code struct {
	Sections []string
}

func (c Code) String() string { return strings.Join(c.Sections, ".") }

// Depth is the number of sections, i.e. how far down the segmentation the
// code reaches.
func (c Code) Depth() int { return len(c.Sections) }

// Parse validates raw against schema and returns the parsed Code.
func (s Schema) Parse(raw string) (Code, error) {
	sections := strings.Split(raw, ".")
	if len(sections) == 0 || len(sections) > len(s.Widths) {
		return Code{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.Parse",
			fmt.Errorf("code %q has %d sections, schema defines %d levels", raw, len(sections), len(s.Widths)))
	}
	concatenatedLen := 0
	for i, section := range sections {
		if section == "" {
			return Code{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.Parse",
				fmt.Errorf("code %q has an empty section", raw))
		}
		for _, r := range section {
			if r < '0' || r > '9' {
				return Code{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.Parse",
					fmt.Errorf("code %q section %d is not digit-only", raw, i))
			}
		}
		if _, err := strconv.Atoi(section); err != nil {
			return Code{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.Parse",
				fmt.Errorf("code %q section %d is not digit-only: %w", raw, i, err))
		}
		concatenatedLen += len(section)
	}
	cum := s.cumulativeWidths()
	depth := len(sections) - 1
	if concatenatedLen != cum[depth] {
		return Code{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.Parse",
			fmt.Errorf("code %q concatenated length %d does not match cumulative width %d for depth %d",
				raw, concatenatedLen, cum[depth], depth))
	}
	return Code{Sections: sections}, nil
}

// IsParentOf reports whether c is a parent of other: every section of c is
// a (possibly shorter) prefix of other's corresponding section, and other
// is strictly deeper.
func (c Code) IsParentOf(other Code) bool {
	if len(other.Sections) <= len(c.Sections) {
		return false
	}
	for i, section := range c.Sections {
		if !strings.HasPrefix(other.Sections[i], section) {
			return false
		}
	}
	return true
}

// Branch classifies the top-level section of a chart for integration-config
// validation (§4.E): each domain-role code must resolve under the expected
// branch.
type Branch string

const (
	BranchAsset      Branch = "asset"
	BranchLiability  Branch = "liability"
	BranchEquity     Branch = "equity"
	BranchRevenue    Branch = "revenue"
	BranchExpense    Branch = "expense"
	BranchOffBalance Branch = "off_balance"
)

// Node is one chart entry: its code, a human label, and the account-set id
// (in internal/ledger) it resolves to.
type Node struct {
	Code        Code
	Label       string
	Branch      Branch
	AccountSetID string
}

// Chart holds a schema plus the set of defined nodes, keyed by code string,
// and enforces reference uniqueness across nodes.
type Chart struct {
	Schema Schema
	nodes  map[string]Node
}

// New constructs an empty Chart over schema.
func New(schema Schema) *Chart {
	return &Chart{Schema: schema, nodes: make(map[string]Node)}
}

// AddNode parses and registers a new chart entry. Fails if the code does
// not parse, or its account-set reference is already used by another node.
func (c *Chart) AddNode(rawCode, label string, branch Branch, accountSetID string) (Node, error) {
	code, err := c.Schema.Parse(rawCode)
	if err != nil {
		return Node{}, err
	}
	if _, exists := c.nodes[code.String()]; exists {
		return Node{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.AddNode",
			fmt.Errorf("code %q already defined", rawCode))
	}
	for _, n := range c.nodes {
		if n.AccountSetID == accountSetID {
			return Node{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.AddNode",
				fmt.Errorf("account set %q already referenced by code %q", accountSetID, n.Code.String()))
		}
	}
	node := Node{Code: code, Label: label, Branch: branch, AccountSetID: accountSetID}
	c.nodes[code.String()] = node
	return node, nil
}

// Lookup returns the node for a code string, if defined.
func (c *Chart) Lookup(rawCode string) (Node, bool) {
	n, ok := c.nodes[rawCode]
	return n, ok
}

// Parent returns the nearest registered ancestor of code, if any.
func (c *Chart) Parent(code Code) (Node, bool) {
	var best Node
	found := false
	for _, n := range c.nodes {
		if n.Code.IsParentOf(code) {
			if !found || len(n.Code.Sections) > len(best.Code.Sections) {
				best = n
				found = true
			}
		}
	}
	return best, found
}

// RequireBranch validates that rawCode resolves to a node under the
// expected branch, as required when binding a domain-role code in an
// integration config.
func (c *Chart) RequireBranch(rawCode string, expected Branch) (Node, error) {
	node, ok := c.Lookup(rawCode)
	if !ok {
		return Node{}, corerr.NotFound("chartofaccounts.RequireBranch", "chart node", rawCode)
	}
	if node.Branch != expected {
		return Node{}, corerr.New(corerr.KindInvariantViolated, "chartofaccounts.RequireBranch",
			fmt.Errorf("code %q is in branch %s, expected %s", rawCode, node.Branch, expected))
	}
	return node, nil
}
