// Package query implements the small filter language export targets use in
// a GroupDescriptor.Filter (spec.md §4.5): a lexer/parser producing an
// Expression AST (parser.go, unchanged from the catalog filter grammar it
// was grounded on) and an Evaluator that matches the AST against a single
// row's projected columns rather than against a catalog entity's metadata,
// since the Orchestrator filters by group key row, not by Backstage kind.
package query

import (
	"fmt"
	"regexp"
	"strings"
)

// Row is the generic key/value view an Evaluator matches against: one
// materialized row from a group's entity table, keyed by column name. A
// bare term (no "column:" prefix) matches against the "name" column if
// present, mirroring the catalog filter's "bare term matches entity name"
// convention.
type Row map[string]string

// Evaluator holds a compiled query expression and provides methods to match
// it against rows. It caches compiled regular expressions for performance.
type Evaluator struct {
	expr       Expression
	regexCache map[string]*regexp.Regexp
}

// NewEvaluator creates a new Evaluator for the given expression AST.
func NewEvaluator(expr Expression) *Evaluator {
	return &Evaluator{
		expr:       expr,
		regexCache: make(map[string]*regexp.Regexp),
	}
}

// Matches returns true if the row matches the expression held by the Evaluator.
func (ev *Evaluator) Matches(row Row) (bool, error) {
	return ev.evaluateNode(row, ev.expr)
}

func (ev *Evaluator) evaluateNode(row Row, expr Expression) (bool, error) {
	switch v := expr.(type) {
	case *Term:
		return strings.Contains(strings.ToLower(row["name"]), strings.ToLower(v.Value)), nil

	case *AttributeTerm:
		attr := strings.ToLower(v.Attribute)
		value, ok := row[attr]
		if !ok {
			// Column not present on this row's projection: never matches.
			return false, nil
		}
		return ev.matchesOperator(value, v.Operator, v.Value)

	case *NotExpression:
		matches, err := ev.evaluateNode(row, v.Expression)
		if err != nil {
			return false, err
		}
		return !matches, nil

	case *BinaryExpression:
		leftMatches, err := ev.evaluateNode(row, v.Left)
		if err != nil {
			return false, err
		}

		if v.Operator == "AND" {
			if !leftMatches {
				return false, nil
			}
			return ev.evaluateNode(row, v.Right)
		}

		if v.Operator == "OR" {
			if leftMatches {
				return true, nil
			}
			return ev.evaluateNode(row, v.Right)
		}
	}

	return false, fmt.Errorf("unsupported expression type")
}

// matchesOperator performs the actual string comparison based on the operator.
func (ev *Evaluator) matchesOperator(rowValue, operator, queryValue string) (bool, error) {
	switch operator {
	case ":":
		return strings.Contains(strings.ToLower(rowValue), strings.ToLower(queryValue)), nil
	case "~":
		re, found := ev.regexCache[queryValue]
		if !found {
			var err error
			re, err = regexp.Compile("(?i)" + queryValue) // (?i) for case-insensitivity
			if err != nil {
				return false, fmt.Errorf("invalid regular expression %q: %w", queryValue, err)
			}
			ev.regexCache[queryValue] = re
		}
		return re.MatchString(rowValue), nil
	default:
		return false, nil
	}
}
