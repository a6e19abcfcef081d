// filename: internal/automation/dsl/parser.go
package dsl

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// ParseRuleYAML разбирает определение правила из YAML // v1.0
func ParseRuleYAML(data []byte) (*models.Rule, error) {
	var rule models.Rule

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rule); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeRuleParseFailed, "failed to parse rule YAML")
	}

	applyRuleDefaults(&rule, time.Now())
	return &rule, nil
}

// ParseTemplateYAML разбирает шаблон правила из YAML // v1.0
func ParseTemplateYAML(data []byte) (*models.Template, error) {
	var tpl models.Template
	if err := yaml.Unmarshal(data, &tpl); err != nil {
		return nil, errors.Wrap(err, errors.ErrorCodeRuleParseFailed, "failed to parse template YAML")
	}
	if tpl.ID == "" {
		return nil, errors.New(errors.ErrorCodeRuleParseFailed, "template id is required")
	}
	tpl.CreatedAt = time.Now()
	return &tpl, nil
}

// LoadRulesDir читает все *.yaml/*.yml файлы каталога в лексикографическом порядке // v1.0
func LoadRulesDir(dir string) ([]*models.Rule, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	rules := make([]*models.Rule, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
		}
		rule, err := ParseRuleYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// LoadTemplatesDir читает шаблоны из каталога // v1.0
func LoadTemplatesDir(dir string) ([]*models.Template, error) {
	files, err := yamlFiles(dir)
	if err != nil {
		return nil, err
	}

	templates := make([]*models.Template, 0, len(files))
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read template file %s: %w", path, err)
		}
		tpl, err := ParseTemplateYAML(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// applyRuleDefaults заполняет поля, опущенные в YAML // v1.0
func applyRuleDefaults(rule *models.Rule, now time.Time) {
	if rule.Version == 0 {
		rule.Version = 1
	}
	if rule.Schedule.Type == "" {
		rule.Schedule.Type = models.ScheduleManual
		rule.Schedule.Enabled = true
	}
	if rule.Conditions.Logic == "" {
		rule.Conditions.Logic = models.LogicAnd
	}
	rule.CreatedAt = now
	rule.UpdatedAt = now
}
