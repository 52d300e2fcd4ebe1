package rdl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Item kinds.
const (
	kindTitle = "title"
	kindText  = "text"
	kindTable = "table"
	kindImage = "image"
	kindChart = "chart"
)

// Data source drivers.
const (
	driverInline = "inline"
	driverCSV    = "csv"
	driverSQLite = "sqlite"
)

// document is the decoded form of a report definition file.
type document struct {
	Name        string           `json:"name"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Parameters  []parameterSpec  `json:"parameters"`
	DataSources []dataSourceSpec `json:"datasources"`
	DataSets    []dataSetSpec    `json:"datasets"`
	Body        []itemSpec       `json:"body"`
	Style       string           `json:"style"`
}

type parameterSpec struct {
	Name     string     `json:"name"`
	Prompt   string     `json:"prompt"`
	Default  stringList `json:"default"`
	Required bool       `json:"required"`
	Multi    bool       `json:"multi"`
}

type dataSourceSpec struct {
	Name             string `json:"name"`
	Driver           string `json:"driver"`
	Path             string `json:"path"`
	PasswordRequired bool   `json:"password_required"`
}

type dataSetSpec struct {
	Name       string              `json:"name"`
	DataSource string              `json:"datasource"`
	Query      string              `json:"query"`
	Fields     []string            `json:"fields"`
	Rows       []map[string]scalar `json:"rows"`
	Where      map[string]string   `json:"where"`
}

type itemSpec struct {
	Kind    string   `json:"kind"`
	Text    string   `json:"text"`
	DataSet string   `json:"dataset"`
	Columns []string `json:"columns"`
	Name    string   `json:"name"`
	MIME    string   `json:"mime"`
	Data    string   `json:"data"`
	File    string   `json:"file"`
	Type    string   `json:"type"`
	Label   string   `json:"label"`
	Series  []string `json:"series"`
}

// scalar is a JSON value flattened to its text form.
type scalar string

// UnmarshalJSON accepts strings, numbers, booleans and null.
func (s *scalar) UnmarshalJSON(data []byte) error {
	text, err := scalarText(data)
	if err != nil {
		return err
	}

	*s = scalar(text)

	return nil
}

// stringList accepts either a single scalar or a list of scalars.
type stringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *stringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("[")) {
		text, err := scalarText(trimmed)
		if err != nil {
			return err
		}

		if text != "" {
			*l = stringList{text}
		}

		return nil
	}

	var raw []json.RawMessage

	err := json.Unmarshal(trimmed, &raw)
	if err != nil {
		return fmt.Errorf("decode list: %w", err)
	}

	out := make(stringList, 0, len(raw))

	for _, element := range raw {
		text, err := scalarText(element)
		if err != nil {
			return err
		}

		out = append(out, text)
	}

	*l = out

	return nil
}

func scalarText(data []byte) (string, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var value any

	err := decoder.Decode(&value)
	if err != nil {
		return "", fmt.Errorf("decode scalar: %w", err)
	}

	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		if v {
			return "true", nil
		}

		return "false", nil
	default:
		return "", fmt.Errorf("expected scalar, got %s", strings.TrimSpace(string(data)))
	}
}
