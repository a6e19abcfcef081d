// filename: internal/automation/dsl/types.go
package dsl

import (
	"regexp"

	"github.com/autoops/autoops/internal/models"
)

// Операторы сравнения условий
const (
	OpGt          = "gt"
	OpLt          = "lt"
	OpGte         = "gte"
	OpLte         = "lte"
	OpEq          = "eq"
	OpNe          = "ne"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpBetween     = "between"
	OpIsNull      = "is_null"
	OpIsNotNull   = "is_not_null"
	OpExists      = "exists"
	OpRegex       = "regex"
)

// SupportedOperators поддерживаемые операторы сравнения // v1.0
var SupportedOperators = map[string]string{
	OpGt:          "greater than",
	OpLt:          "less than",
	OpGte:         "greater than or equal",
	OpLte:         "less than or equal",
	OpEq:          "equals",
	OpNe:          "not equals",
	OpContains:    "contains",
	OpNotContains: "does not contain",
	OpIn:          "in list",
	OpNotIn:       "not in list",
	OpBetween:     "between two bounds, inclusive",
	OpIsNull:      "is missing or null",
	OpIsNotNull:   "is present and not null",
	OpExists:      "field exists",
	OpRegex:       "regular expression",
}

// unaryOperators не используют Value
var unaryOperators = map[string]bool{
	OpIsNull:    true,
	OpIsNotNull: true,
	OpExists:    true,
}

// CompiledRule правило, прошедшее проверку и готовое к оценке // v1.0
type CompiledRule struct {
	Rule *models.Rule
	// Plan порядок действий: топологическая сортировка, ничьи по Order
	Plan []string
	// Fields поля снимка, на которые ссылаются условия
	Fields []string
	// Dependents обратные ребра графа: действие -> зависящие от него
	Dependents map[string][]string

	regexps map[string]*regexp.Regexp
}

// Result результат оценки дерева условий // v1.0
type Result struct {
	Satisfied bool
	// Matched условия, которые были истинны и прошли гейты длительности и охлаждения
	Matched []string
	// Holding условия, чей предикат истинен, но длительность еще не набрана
	Holding []string
	// Cooling условия, которые истинны, но находятся в периоде охлаждения
	Cooling []string
}

// ReferencesField проверяет, ссылается ли правило на поле или метрику // v1.0
func (c *CompiledRule) ReferencesField(field string) bool {
	for _, f := range c.Fields {
		if f == field || hasSuffixPath(f, field) {
			return true
		}
	}
	return false
}

// hasSuffixPath сравнивает "srv-1.cpu_usage" с "cpu_usage" по последнему сегменту // v1.0
func hasSuffixPath(path, field string) bool {
	if len(path) <= len(field) {
		return false
	}
	return path[len(path)-len(field)-1] == '.' && path[len(path)-len(field):] == field
}
