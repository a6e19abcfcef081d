// filename: internal/models/template.go
package models

import "time"

// Template заготовка правила, из которой оператор создает новые правила // v1.0
type Template struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description,omitempty" yaml:"description"`
	Category    RuleCategory `json:"category" yaml:"category"`
	Rule        Rule         `json:"rule" yaml:"rule"`
	CreatedAt   time.Time    `json:"created_at" yaml:"-"`
}

// TemplateOverrides поля, которые можно переопределить при создании правила // v1.0
type TemplateOverrides struct {
	ID       string            `json:"id"`
	Name     string            `json:"name" validate:"required"`
	Targets  []Target          `json:"targets"`
	Enabled  *bool             `json:"enabled,omitempty"`
	Priority *int              `json:"priority,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Instantiate создает правило из заготовки // v1.0
func (t *Template) Instantiate(o TemplateOverrides, now time.Time) *Rule {
	rule := t.Rule.Clone()
	rule.ID = o.ID
	rule.Name = o.Name
	rule.Version = 1
	rule.TemplateID = t.ID
	rule.Stats = RuleStats{}
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Category == "" {
		rule.Category = t.Category
	}
	if len(o.Targets) > 0 {
		rule.Targets = append([]Target(nil), o.Targets...)
	}
	if o.Enabled != nil {
		rule.Enabled = *o.Enabled
	}
	if o.Priority != nil {
		rule.Priority = *o.Priority
	}
	// Параметры шаблона подставляются во все действия, где ключ уже объявлен
	for k, v := range o.Params {
		for i := range rule.Actions {
			if _, ok := rule.Actions[i].Params[k]; ok {
				rule.Actions[i].Params[k] = v
			}
		}
	}
	return rule
}
