package rdl

import (
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
)

// xml writes every presented dataset as <DataSet><Row><Field/></Row></DataSet>.
func (r *renderer) xml() error {
	out := r.gen.Main()

	_, err := io.WriteString(out, xml.Header)
	if err != nil {
		return fmt.Errorf("write xml header: %w", err)
	}

	enc := xml.NewEncoder(out)
	enc.Indent("", "  ")

	root := xml.StartElement{Name: xml.Name{Local: "Report"}, Attr: []xml.Attr{
		{Name: xml.Name{Local: "Name"}, Value: r.pass.def.Name()},
	}}

	tokens := []xml.Token{root}

	if title := r.pass.def.Title(); title != "" {
		tokens = append(tokens, xml.StartElement{Name: xml.Name{Local: "Title"}}, xml.CharData(title), xml.EndElement{Name: xml.Name{Local: "Title"}})
	}

	for _, item := range r.tableItems() {
		tokens = append(tokens, datasetTokens(item, r.pass.dataset(item.DataSet))...)
	}

	tokens = append(tokens, root.End())

	for _, tok := range tokens {
		err = enc.EncodeToken(tok)
		if err != nil {
			return fmt.Errorf("encode xml: %w", err)
		}
	}

	err = enc.Flush()
	if err != nil {
		return fmt.Errorf("flush xml: %w", err)
	}

	_, err = io.WriteString(out, "\n")

	return err
}

func datasetTokens(item itemSpec, tbl *table) []xml.Token {
	set := xml.StartElement{Name: xml.Name{Local: "DataSet"}, Attr: []xml.Attr{
		{Name: xml.Name{Local: "Name"}, Value: item.DataSet},
	}}
	headers := tbl.headers(item.Columns)
	tokens := []xml.Token{set}

	for _, row := range tbl.project(item.Columns) {
		tokens = append(tokens, xml.StartElement{Name: xml.Name{Local: "Row"}})

		for i, value := range row {
			field := xml.StartElement{Name: xml.Name{Local: "Field"}, Attr: []xml.Attr{
				{Name: xml.Name{Local: "Name"}, Value: headers[i]},
			}}
			tokens = append(tokens, field, xml.CharData(value), field.End())
		}

		tokens = append(tokens, xml.EndElement{Name: xml.Name{Local: "Row"}})
	}

	return append(tokens, set.End())
}

// csv writes every presented dataset with a header row. Datasets are
// separated by a blank line.
func (r *renderer) csv() error {
	out := r.gen.Main()

	for i, item := range r.tableItems() {
		if i > 0 {
			_, err := io.WriteString(out, "\n")
			if err != nil {
				return fmt.Errorf("write csv separator: %w", err)
			}
		}

		tbl := r.pass.dataset(item.DataSet)
		writer := csv.NewWriter(out)

		err := writer.Write(tbl.headers(item.Columns))
		if err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}

		err = writer.WriteAll(tbl.project(item.Columns))
		if err != nil {
			return fmt.Errorf("write csv rows: %w", err)
		}
	}

	return nil
}
