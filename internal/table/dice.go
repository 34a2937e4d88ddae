package table

import (
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	maxDiceCount = 100
	maxDiceSides = 1000
)

var dicePattern = regexp.MustCompile(`(\d*)d(\d+)([+-]\d+)?`)

type diceTerm struct {
	count    int
	sides    int
	modifier int
}

func parseDiceExpression(expression string) ([]diceTerm, error) {
	cleaned := strings.ToLower(strings.ReplaceAll(expression, " ", ""))

	matches := dicePattern.FindAllStringSubmatch(cleaned, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("invalid dice expression: %s", expression)
	}

	terms := make([]diceTerm, 0, len(matches))
	for _, match := range matches {
		term := diceTerm{count: 1}
		if match[1] != "" {
			term.count, _ = strconv.Atoi(match[1])
		}
		term.sides, _ = strconv.Atoi(match[2])
		if match[3] != "" {
			term.modifier, _ = strconv.Atoi(match[3])
		}

		if term.count <= 0 || term.count > maxDiceCount {
			return nil, fmt.Errorf("invalid dice count: %d", term.count)
		}
		if term.sides <= 0 || term.sides > maxDiceSides {
			return nil, fmt.Errorf("invalid dice sides: %d", term.sides)
		}
		terms = append(terms, term)
	}

	return terms, nil
}

// RollDice evaluates a dice expression such as "2d6+3" or "1d20 2d8-1"
// and returns the total alongside a human-readable per-die breakdown.
func RollDice(expression string) (*DiceRoll, error) {
	terms, err := parseDiceExpression(expression)
	if err != nil {
		return nil, err
	}

	total := 0
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		rolls := make([]string, term.count)
		sum := term.modifier
		for i := 0; i < term.count; i++ {
			v := rand.IntN(term.sides) + 1
			sum += v
			rolls[i] = strconv.Itoa(v)
		}
		total += sum

		detail := fmt.Sprintf("%dd%d: [%s]", term.count, term.sides, strings.Join(rolls, "+"))
		if term.modifier != 0 {
			detail += fmt.Sprintf("%+d", term.modifier)
		}
		parts = append(parts, fmt.Sprintf("%s = %d", detail, sum))
	}

	return &DiceRoll{
		Expression: expression,
		Result:     total,
		Breakdown:  strings.Join(parts, " | "),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// ValidateDiceExpression reports whether an expression parses.
func ValidateDiceExpression(expression string) bool {
	_, err := parseDiceExpression(expression)
	return err == nil
}
