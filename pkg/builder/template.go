package builder

import (
	"bytes"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/rs/zerolog/log"
)

func TemplateString(pattern string, args map[string]interface{}) (string, error) {
	var output bytes.Buffer
	t, err := template.New("").Option("missingkey=error").Funcs(sprig.TxtFuncMap()).Parse(pattern)
	if err != nil {
		return "", err
	}
	if err := t.Execute(&output, args); err != nil {
		return "", err
	}

	return output.String(), nil
}

func TemplateList(source []string, configSet map[string]interface{}) ([]string, error) {
	var templated []string

	for _, item := range source {
		templatedString, err := TemplateString(item, configSet)
		if err != nil {
			return nil, err
		}
		templated = append(templated, strings.Trim(templatedString, " \n"))
	}

	if len(templated) > 0 {
		log.Trace().Interface("source", source).Interface("templated", templated).Msg("Templating list")
	}

	return templated, nil
}

func TemplateMap(source map[string]string, configSet map[string]interface{}) (map[string]string, error) {
	templated := map[string]string{}

	for label, value := range source {
		templatedLabel, err := TemplateString(label, configSet)
		if err != nil {
			return nil, err
		}
		templatedValue, err := TemplateString(value, configSet)
		if err != nil {
			return nil, err
		}
		templatedLabel = strings.Trim(templatedLabel, " \n")
		templatedValue = strings.Trim(templatedValue, " \n")
		templated[templatedLabel] = templatedValue
	}

	if len(templated) > 0 {
		log.Trace().Interface("source", source).Interface("templated", templated).Msg("Templating map")
	}

	return templated, nil
}
