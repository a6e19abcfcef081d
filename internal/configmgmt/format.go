// filename: internal/configmgmt/format.go
package configmgmt

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/autoops/autoops/internal/common/errors"
	"github.com/autoops/autoops/internal/models"
)

// ValidateContent проверяет, что содержимое разбирается в заявленном формате // v1.0
func ValidateContent(format models.ConfigFormat, content string) error {
	var err error
	switch format {
	case models.FormatYAML:
		var v interface{}
		err = yaml.Unmarshal([]byte(content), &v)
	case models.FormatJSON:
		var v interface{}
		err = json.Unmarshal([]byte(content), &v)
	case models.FormatProperties:
		err = validateProperties(content)
	case models.FormatINI:
		err = validateINI(content)
	default:
		return errors.Newf(errors.ErrorCodeConfigFormat, "unsupported config format %q", format)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorCodeConfigFormat, fmt.Sprintf("content is not valid %s", format))
	}
	return nil
}

func validateProperties(content string) error {
	scanner := bufio.NewScanner(strings.NewReader(content))
	lineNo := 0
	continued := false
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		wasContinued := continued
		continued = strings.HasSuffix(line, `\`) && !strings.HasSuffix(line, `\\`)
		if wasContinued || line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		if !strings.ContainsAny(line, "=:") && !strings.ContainsAny(line, " \t") {
			return fmt.Errorf("line %d: expected key=value", lineNo)
		}
	}
	return scanner.Err()
}

func validateINI(content string) error {
	scanner := bufio.NewScanner(strings.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", line[0] == ';', line[0] == '#':
		case line[0] == '[':
			if !strings.HasSuffix(line, "]") || len(line) < 3 {
				return fmt.Errorf("line %d: malformed section header", lineNo)
			}
		default:
			key, _, ok := strings.Cut(line, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return fmt.Errorf("line %d: expected key=value", lineNo)
			}
		}
	}
	return scanner.Err()
}
