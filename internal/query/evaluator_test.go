package query

import "testing"

func TestEvaluatorMatches(t *testing.T) {
	row := Row{
		"name":        "test-plot",
		"description": "super duper plot",
		"province":    "North Province",
		"status":      "active",
		"elevation":   "450",
	}

	tests := []struct {
		name      string
		query     string
		wantMatch bool
		wantErr   bool
	}{
		{name: "simple term match", query: "test-plot", wantMatch: true},
		{name: "simple term partial match", query: "plot", wantMatch: true},
		{name: "simple term no match", query: "my-taxon", wantMatch: false},

		{name: "quoted attribute value match", query: "description:'super duper'", wantMatch: true},
		{name: "contains attribute match", query: "province:north", wantMatch: true},
		{name: "case-insensitive contains match", query: "province:NORTH", wantMatch: true},
		{name: "attribute no match", query: "status:archived", wantMatch: false},

		{name: "regex match", query: "name~test-.*", wantMatch: true},
		{name: "regex no match", query: "status~^archived$", wantMatch: false},

		{name: "AND match", query: "status:active AND province:north", wantMatch: true},
		{name: "AND no match", query: "status:active AND province:south", wantMatch: false},
		{name: "OR match", query: "status:archived OR province:north", wantMatch: true},
		{name: "NOT match", query: "!status:archived", wantMatch: true},
		{name: "complex query with parentheses", query: "status:active AND (province:south OR elevation:450)", wantMatch: true},

		{name: "unapplicable column never matches", query: "lifecycle:production", wantMatch: false},

		{name: "invalid regex", query: "name~[a-", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := Parse(tt.query)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}

			ev := NewEvaluator(expr)
			gotMatch, err := ev.Matches(row)

			if (err != nil) != tt.wantErr {
				t.Errorf("Matches() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && gotMatch != tt.wantMatch {
				t.Errorf("Matches() = %v, want %v", gotMatch, tt.wantMatch)
			}
		})
	}
}
