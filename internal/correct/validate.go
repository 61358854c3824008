package correct

import (
	"context"
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/css"
)

// ValidateCSS parses the payload with the CSS grammar and rejects it on
// syntax errors. Injecting a broken patch would silently disable every rule
// after the error, so payloads are checked before they reach the page.
func ValidateCSS(ctx context.Context, payload string) error {
	root, closeTree, err := parseCSS(ctx, payload)
	if err != nil {
		return err
	}
	defer closeTree()

	if !root.HasError() {
		return nil
	}
	if n := firstErrorNode(root); n != nil {
		pt := n.StartPoint()
		return fmt.Errorf("css syntax error at line %d, column %d", pt.Row+1, pt.Column+1)
	}
	return fmt.Errorf("css syntax error")
}

// ExtractProperties returns the sorted set of CSS property names a payload
// declares. Used for patch descriptions and the policy engine's facts.
func ExtractProperties(ctx context.Context, payload string) ([]string, error) {
	root, closeTree, err := parseCSS(ctx, payload)
	if err != nil {
		return nil, err
	}
	defer closeTree()

	seen := make(map[string]bool)
	content := []byte(payload)

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "declaration" {
			for i := 0; i < int(n.NamedChildCount()); i++ {
				child := n.NamedChild(i)
				if child.Type() == "property_name" {
					seen[child.Content(content)] = true
					break
				}
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)

	props := make([]string, 0, len(seen))
	for p := range seen {
		props = append(props, p)
	}
	sort.Strings(props)
	return props, nil
}

func parseCSS(ctx context.Context, payload string) (*sitter.Node, func(), error) {
	parser := sitter.NewParser()
	parser.SetLanguage(css.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, []byte(payload))
	if err != nil {
		parser.Close()
		return nil, nil, fmt.Errorf("parse css: %w", err)
	}

	cleanup := func() {
		tree.Close()
		parser.Close()
	}
	return tree.RootNode(), cleanup, nil
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.Type() == "ERROR" || n.IsMissing() {
		return n
	}
	if !n.HasError() {
		return nil
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if found := firstErrorNode(n.NamedChild(i)); found != nil {
			return found
		}
	}
	return nil
}
