package table

import (
	"strings"
	"testing"
)

func TestParseDiceExpression(t *testing.T) {
	terms, err := parseDiceExpression("2d6+3")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if len(terms) != 1 {
		t.Fatalf("expected 1 term, got %d", len(terms))
	}
	if terms[0].count != 2 || terms[0].sides != 6 || terms[0].modifier != 3 {
		t.Fatalf("unexpected term: %+v", terms[0])
	}
}

func TestParseDiceExpressionDefaultsCountToOne(t *testing.T) {
	terms, err := parseDiceExpression("d20")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if terms[0].count != 1 || terms[0].sides != 20 {
		t.Fatalf("unexpected term: %+v", terms[0])
	}
}

func TestParseDiceExpressionRejectsInvalid(t *testing.T) {
	for _, expr := range []string{"", "abc", "0d6", "101d6", "1d0", "1d1001"} {
		if _, err := parseDiceExpression(expr); err == nil {
			t.Fatalf("expected error for %q", expr)
		}
	}
}

func TestRollDiceBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		roll, err := RollDice("3d6+2")
		if err != nil {
			t.Fatalf("roll error: %v", err)
		}
		if roll.Result < 5 || roll.Result > 20 {
			t.Fatalf("result %d out of range [5,20]", roll.Result)
		}
		if !strings.HasPrefix(roll.Breakdown, "3d6: [") {
			t.Fatalf("unexpected breakdown: %s", roll.Breakdown)
		}
	}
}

func TestRollDiceMultipleTerms(t *testing.T) {
	roll, err := RollDice("1d4 2d8-1")
	if err != nil {
		t.Fatalf("roll error: %v", err)
	}
	if !strings.Contains(roll.Breakdown, " | ") {
		t.Fatalf("expected two breakdown parts, got %s", roll.Breakdown)
	}
	if roll.Result < 2 || roll.Result > 19 {
		t.Fatalf("result %d out of range [2,19]", roll.Result)
	}
}

func TestValidateDiceExpression(t *testing.T) {
	if !ValidateDiceExpression("2d6") {
		t.Fatal("expected 2d6 to validate")
	}
	if ValidateDiceExpression("banana") {
		t.Fatal("expected banana to be rejected")
	}
}
